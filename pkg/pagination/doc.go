// Package pagination provides sequential cursor-driven fetching for paginated
// balldontlie endpoints.
//
// The API returns a meta.next_cursor value with every page. The next page can
// only be requested once the current one has been received, so pages are
// fetched strictly one after another and handed to the consumer as a lazy
// iterator. A consumer that stops pulling stops the fetching.
//
// Example usage:
//
//	p := pagination.New(api.ListBoxScores, pagination.Query{Date: "2024-11-01", PerPage: 100}, pagination.DefaultConfig())
//	for page, err := range p.Pages(ctx) {
//		if err != nil {
//			return err
//		}
//		// use page.Records
//	}
//
// The paginator:
//   - Starts without a cursor and threads each returned cursor into the next call
//   - Terminates after the first page with an empty cursor
//   - Waits a configurable delay between pages, never before the first or after the last
//   - Stops on the first fetch error and reports it as a *RetrievalError
//   - Never retries; retry policy belongs to the fetch function or the caller
package pagination
