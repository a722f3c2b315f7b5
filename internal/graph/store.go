package graph

import (
	"context"
)

// Store runs parameterized Cypher against a property-graph back end.
// Implementations must be safe for concurrent use.
type Store interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	Close(ctx context.Context) error
}

// Result is a lazy, finite sequence of records produced by one Run.
type Result interface {
	Next(ctx context.Context) bool
	Record() Record
	Err() error
	Close(ctx context.Context) error
}

// Record is one result row, keyed by column name.
type Record map[string]any

// Int64 returns the numeric value under key.
func (r Record) Int64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Node is a graph vertex as returned by a store.
type Node struct {
	Labels []string
	Props  map[string]any
}

// Edge is a graph relationship as returned by a store.
type Edge struct {
	Type  string
	Props map[string]any
}

// sliceResult serves records from memory.
type sliceResult struct {
	records []Record
	pos     int
	cur     Record
	err     error
	closed  bool
}

// NewSliceResult returns a Result over the given records.
func NewSliceResult(records []Record) Result {
	return &sliceResult{records: records}
}

func (r *sliceResult) Next(ctx context.Context) bool {
	if r.closed || r.pos >= len(r.records) {
		return false
	}
	if err := ctx.Err(); err != nil {
		r.err = err
		return false
	}
	r.cur = r.records[r.pos]
	r.pos++
	return true
}

func (r *sliceResult) Record() Record {
	return r.cur
}

func (r *sliceResult) Err() error {
	return r.err
}

func (r *sliceResult) Close(context.Context) error {
	r.closed = true
	return nil
}
