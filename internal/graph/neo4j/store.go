// Package neo4j implements graph.Store over the Neo4j bolt driver.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/graph"
)

// Config holds connection settings.
type Config struct {
	URL      string
	Username string
	Password string
	Database string
	MaxPool  int
	Timeout  time.Duration
}

// Store runs each statement in its own write session.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to the server and verifies connectivity. A failure here is
// a configuration error.
func New(ctx context.Context, cfg Config) (*Store, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URL, auth, func(c *config.Config) {
		if cfg.MaxPool > 0 {
			c.MaxConnectionPoolSize = cfg.MaxPool
		}
		if cfg.Timeout > 0 {
			c.SocketConnectTimeout = cfg.Timeout
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", cfg.URL).Str("database", cfg.Database).Msg("Connected to graph store")
	return &Store{driver: driver, database: cfg.Database}, nil
}

// Run implements graph.Store.
func (s *Store) Run(ctx context.Context, cypher string, params map[string]any) (graph.Result, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	res, err := session.Run(ctx, cypher, params)
	if err != nil {
		_ = session.Close(ctx)
		return nil, err
	}
	return &result{session: session, res: res}, nil
}

// Close releases the driver and its connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

type result struct {
	session neo4j.SessionWithContext
	res     neo4j.ResultWithContext
	cur     graph.Record
	closed  bool
}

func (r *result) Next(ctx context.Context) bool {
	if r.closed || !r.res.Next(ctx) {
		return false
	}
	rec := r.res.Record()
	r.cur = make(graph.Record, len(rec.Keys))
	for i, k := range rec.Keys {
		r.cur[k] = convert(rec.Values[i])
	}
	return true
}

func (r *result) Record() graph.Record { return r.cur }

func (r *result) Err() error { return r.res.Err() }

// Close drains the result so the statement is fully applied, then ends
// the session.
func (r *result) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	_, err := r.res.Consume(ctx)
	if cerr := r.session.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// convert maps driver values onto the graph value model.
func convert(v any) any {
	switch x := v.(type) {
	case neo4j.Node:
		return graph.Node{Labels: x.Labels, Props: convertMap(x.Props)}
	case neo4j.Relationship:
		return graph.Edge{Type: x.Type, Props: convertMap(x.Props)}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = convert(e)
		}
		return out
	case map[string]any:
		return convertMap(x)
	default:
		return v
	}
}

func convertMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = convert(v)
	}
	return out
}
