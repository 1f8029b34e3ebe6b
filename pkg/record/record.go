// Package record defines the schema-less unit of data that flows from the
// upstream API to the event collector.
package record

// Record is one upstream entity (team, box-score line, stat line).
// Fields are passed through unchanged.
type Record map[string]any
