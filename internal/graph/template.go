package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ParamsKey is the reserved parameter name under which the full parameter
// set is nested on submission.
const ParamsKey = "__params"

var (
	// ErrNoQuery is returned by terminal operations on a template without Cypher text.
	ErrNoQuery = errors.New("graph: template has no query text")
	// ErrNoStore is returned by terminal operations on a template without a store.
	ErrNoStore = errors.New("graph: template has no store")
	// ErrReservedParam is recorded when a caller binds the reserved parameter name.
	ErrReservedParam = fmt.Errorf("graph: parameter name %q is reserved", ParamsKey)
)

// Shape selects how result records are presented.
type Shape int

const (
	// ShapeColumns keeps records as column name to value.
	ShapeColumns Shape = iota
	// ShapeNode replaces a record holding a single node with the node's properties.
	ShapeNode
)

// Template is an immutable query description. Every With method returns a
// new Template; the receiver is never changed, so a template can be shared
// freely and specialised per call.
type Template struct {
	store  Store
	cypher string
	params map[string]any
	limit  int
	shape  Shape
	err    error
}

// NewTemplate returns an empty template bound to store.
func NewTemplate(store Store) Template {
	return Template{store: store}
}

func (t Template) clone() Template {
	t.params = maps.Clone(t.params)
	return t
}

// WithCypher returns a copy with the given query text.
func (t Template) WithCypher(cypher string) Template {
	c := t.clone()
	c.cypher = cypher
	return c
}

// WithParam returns a copy with name bound to value. The value is
// normalized and deep-copied at bind time.
func (t Template) WithParam(name string, value any) Template {
	c := t.clone()
	c.bind(name, value)
	return c
}

// WithParams returns a copy with every entry of params bound.
func (t Template) WithParams(params map[string]any) Template {
	c := t.clone()
	for name, value := range params {
		c.bind(name, value)
	}
	return c
}

// WithLimit returns a copy that yields at most n records. Zero means unlimited.
func (t Template) WithLimit(n int) Template {
	c := t.clone()
	if n < 0 {
		n = 0
	}
	c.limit = n
	return c
}

// WithShape returns a copy presenting records in the given shape.
func (t Template) WithShape(shape Shape) Template {
	c := t.clone()
	c.shape = shape
	return c
}

// bind mutates c and must only be called on a fresh clone.
func (t *Template) bind(name string, value any) {
	if name == ParamsKey {
		t.setErr(ErrReservedParam)
		return
	}
	v, err := normalize(value)
	if err != nil {
		t.setErr(fmt.Errorf("param %s: %w", name, err))
		return
	}
	if t.params == nil {
		t.params = make(map[string]any)
	}
	t.params[name] = v
}

func (t *Template) setErr(err error) {
	if t.err == nil {
		t.err = err
	}
}

// Cypher returns the query text.
func (t Template) Cypher() string { return t.cypher }

// Params returns a copy of the bound parameters.
func (t Template) Params() map[string]any {
	p, _ := normalizeMap(t.params)
	return p
}

// Limit returns the result cap, zero if unlimited.
func (t Template) Limit() int { return t.limit }

// Err returns the first binding error recorded on the template.
func (t Template) Err() error { return t.err }

// submission builds the parameter map sent to the store: every parameter
// at top level plus the whole set nested under ParamsKey.
func (t Template) submission() map[string]any {
	nested, _ := normalizeMap(t.params)
	out := make(map[string]any, len(t.params)+1)
	for k, v := range t.params {
		out[k] = v
	}
	out[ParamsKey] = nested
	return out
}

// Run submits the query and returns a lazy cursor. The caller must Close it.
func (t Template) Run(ctx context.Context) (*Cursor, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.store == nil {
		return nil, ErrNoStore
	}
	if t.cypher == "" {
		return nil, ErrNoQuery
	}

	params := t.submission()
	log.Debug().
		Str("cypher", t.cypher).
		Interface("params", params[ParamsKey]).
		Msg("graph query")

	start := time.Now()
	res, err := t.store.Run(ctx, t.cypher, params)
	if err != nil {
		recordQuery(ctx, t.cypher, time.Since(start), err)
		return nil, fmt.Errorf("%s: %w", operation(t.cypher), err)
	}
	return &Cursor{
		res:    res,
		cypher: t.cypher,
		limit:  t.limit,
		shape:  t.shape,
		start:  start,
	}, nil
}

// List runs the query and collects every record.
func (t Template) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := t.ForEach(ctx, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// First runs the query and returns its first record. ok is false when the
// query produced nothing.
func (t Template) First(ctx context.Context) (Record, bool, error) {
	records, err := t.WithLimit(1).List(ctx)
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	return records[0], true, nil
}

// ForEach runs the query and calls fn for each record. An error from fn
// stops iteration and is returned.
func (t Template) ForEach(ctx context.Context, fn func(Record) error) (err error) {
	cur, err := t.Run(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		if err := fn(cur.Record()); err != nil {
			return err
		}
	}
	return cur.Err()
}

// Exec runs the query for its effects and discards the records.
func (t Template) Exec(ctx context.Context) error {
	return t.ForEach(ctx, func(Record) error { return nil })
}

// Cursor iterates the records of one execution. It is finite and cannot
// be restarted.
type Cursor struct {
	res    Result
	cypher string
	limit  int
	shape  Shape
	start  time.Time

	n         int
	cur       Record
	closeOnce sync.Once
	closeErr  error
}

// Next advances to the next record.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.limit > 0 && c.n >= c.limit {
		return false
	}
	if !c.res.Next(ctx) {
		return false
	}
	c.cur = reshape(c.res.Record(), c.shape)
	c.n++
	return true
}

// Record returns the current record.
func (c *Cursor) Record() Record { return c.cur }

// Err returns the error that ended iteration, if any.
func (c *Cursor) Err() error {
	if err := c.res.Err(); err != nil {
		return fmt.Errorf("%s: %w", operation(c.cypher), err)
	}
	return nil
}

// Close releases the result and records the execution latency. It is safe
// to call more than once.
func (c *Cursor) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.res.Close(ctx)
		err := c.closeErr
		if err == nil {
			err = c.res.Err()
		}
		recordQuery(ctx, c.cypher, time.Since(c.start), err)
	})
	return c.closeErr
}

func reshape(r Record, shape Shape) Record {
	if shape != ShapeNode || len(r) != 1 {
		return r
	}
	for _, v := range r {
		switch n := v.(type) {
		case Node:
			return Record(n.Props)
		case *Node:
			if n != nil {
				return Record(n.Props)
			}
		}
	}
	return r
}
