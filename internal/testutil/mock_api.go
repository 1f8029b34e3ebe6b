package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockPage is one scripted upstream page. An empty NextCursor ends the list.
type MockPage struct {
	Data       []map[string]any
	NextCursor any
}

// MockAPI is a configurable mock of the balldontlie API. Pages are served per
// path in order; the cursor a request carries must match the one the previous
// page returned.
type MockAPI struct {
	server *httptest.Server
	mu     sync.Mutex

	pages    map[string][]MockPage
	statuses map[string]int
	queries  map[string][]string

	RequestCount      int
	LastAuthorization string
}

// NewMockAPI creates a new mock upstream server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		pages:    make(map[string][]MockPage),
		statuses: make(map[string]int),
		queries:  make(map[string][]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

func (m *MockAPI) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastAuthorization = r.Header.Get("Authorization")
	m.queries[r.URL.Path] = append(m.queries[r.URL.Path], r.URL.RawQuery)
	status, failing := m.statuses[r.URL.Path]
	pages, known := m.pages[r.URL.Path]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if failing {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":"status %d"}`, status)
		return
	}
	if !known {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
		return
	}

	index := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		index = -1
		for i, p := range pages {
			if p.NextCursor != nil && fmt.Sprint(p.NextCursor) == cursor {
				index = i + 1
				break
			}
		}
		if index < 0 || index >= len(pages) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"unknown cursor"}`))
			return
		}
	}

	page := pages[index]
	meta := map[string]any{"per_page": len(page.Data)}
	if page.NextCursor != nil {
		meta["next_cursor"] = page.NextCursor
	}
	data := page.Data
	if data == nil {
		data = []map[string]any{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"data": data, "meta": meta})
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetPages scripts the pages served for path.
func (m *MockAPI) SetPages(path string, pages ...MockPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[path] = pages
	delete(m.statuses, path)
}

// SetStatus makes every request to path answer with status.
func (m *MockAPI) SetStatus(path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[path] = status
}

// Queries returns the raw query strings received for path, in order.
func (m *MockAPI) Queries(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queries[path]))
	copy(out, m.queries[path])
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// Rows builds n records with sequential ids starting at from.
func Rows(from, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"id": from + i}
	}
	return out
}
