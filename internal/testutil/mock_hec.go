// Package testutil provides mock upstream and collector servers for tests.
package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// HECRequest is one request received by MockHEC.
type HECRequest struct {
	Authorization string
	Body          []byte
	Envelopes     []map[string]any
}

// MockHEC is a configurable mock HTTP Event Collector.
type MockHEC struct {
	server *httptest.Server
	mu     sync.Mutex

	requests []HECRequest

	// failures maps a 1-based request number to the status it answers with.
	failures map[int]int
}

// NewMockHEC creates a new mock collector that accepts every request.
func NewMockHEC() *MockHEC {
	mock := &MockHEC{failures: make(map[int]int)}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"text":"Not found","code":404}`))
			return
		}

		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		n := len(mock.requests) + 1
		status, fail := mock.failures[n]
		mock.requests = append(mock.requests, HECRequest{
			Authorization: r.Header.Get("Authorization"),
			Body:          body,
			Envelopes:     decodeEnvelopes(body),
		})
		mock.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(status)
			w.Write([]byte(`{"text":"Server is busy","code":9}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"text":"Success","code":0}`))
	}))

	return mock
}

func decodeEnvelopes(body []byte) []map[string]any {
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var env map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// URL returns the mock server URL.
func (m *MockHEC) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockHEC) Close() {
	m.server.Close()
}

// FailRequest makes the n-th request (1-based) answer with status.
func (m *MockHEC) FailRequest(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[n] = status
}

// Requests returns a copy of every request received so far.
func (m *MockHEC) Requests() []HECRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HECRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// BatchSizes returns the number of envelopes in each request.
func (m *MockHEC) BatchSizes() []int {
	reqs := m.Requests()
	out := make([]int, len(reqs))
	for i, r := range reqs {
		out[i] = len(r.Envelopes)
	}
	return out
}

// Sourcetypes returns the sourcetype of the first envelope of each request.
func (m *MockHEC) Sourcetypes() []string {
	reqs := m.Requests()
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if len(r.Envelopes) == 0 {
			out = append(out, "")
			continue
		}
		st, _ := r.Envelopes[0]["sourcetype"].(string)
		out = append(out, st)
	}
	return out
}
