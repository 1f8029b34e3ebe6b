package pagination

// State is a position in the paginator life cycle.
//
//	NotStarted -> Fetching(1)            on first pull
//	Fetching(n) -> HasPage(n) | Failed
//	HasPage(n)  -> Fetching(n+1)         when a cursor was returned
//	HasPage(n)  -> Exhausted             otherwise
//
// Exhausted and Failed are terminal.
type State int

const (
	StateNotStarted State = iota
	StateFetching
	StateHasPage
	StateExhausted
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateFetching:
		return "fetching"
	case StateHasPage:
		return "has_page"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateExhausted || s == StateFailed
}
