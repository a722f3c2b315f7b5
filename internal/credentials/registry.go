// Package credentials keeps short-lived bearer tokens fresh for the
// lifetime of the clients that use them.
//
// The registry never holds a client. It holds only the token slot a client
// reads from, and the slot is released when the client is closed or
// reclaimed by the garbage collector. A refresher looks its slot up on
// every tick and stops itself once the slot is gone.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/schedule"
)

// DefaultRefreshInterval is how often tokens are regenerated. It stays
// well inside the EKS token lifetime.
const DefaultRefreshInterval = 5 * time.Minute

// ErrClosed is returned when using a closed client.
var ErrClosed = errors.New("credentials: client closed")

// Token is a bearer token and when it stops being accepted.
type Token struct {
	Value      string
	Expiration time.Time
}

// TokenFunc produces a fresh token.
type TokenFunc func(ctx context.Context) (Token, error)

type slot struct {
	id   uint64
	name string

	mu        sync.RWMutex
	token     Token
	refreshed time.Time
}

func (s *slot) get() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *slot) lastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshed
}

func (s *slot) set(t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
	s.refreshed = time.Now()
}

// Registry tracks the token slots of live clients.
type Registry struct {
	mu    sync.Mutex
	slots map[uint64]*slot
	next  uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[uint64]*slot)}
}

// Len returns the number of live slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func (r *Registry) lookup(id uint64) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[id]
}

func (r *Registry) release(id uint64) {
	r.mu.Lock()
	s, ok := r.slots[id]
	delete(r.slots, id)
	r.mu.Unlock()
	if ok {
		log.Debug().Str("credential", s.name).Uint64("slot", id).Msg("Token slot released")
	}
}

type releaseArg struct {
	reg *Registry
	id  uint64
}

// NewClient generates the first token synchronously and returns a client
// reading from a new slot. The slot is released by Close or when the client
// becomes unreachable.
func (r *Registry) NewClient(ctx context.Context, name string, gen TokenFunc) (*Client, error) {
	tok, err := gen(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial token for %s: %w", name, err)
	}

	r.mu.Lock()
	r.next++
	s := &slot{id: r.next, name: name}
	r.slots[s.id] = s
	r.mu.Unlock()
	s.set(tok)

	c := &Client{slot: s, handle: Handle{reg: r, id: s.id}}
	c.cleanup = runtime.AddCleanup(c, func(a releaseArg) { a.reg.release(a.id) }, releaseArg{reg: r, id: s.id})
	return c, nil
}

// Handle refers to a client's slot without keeping the client alive.
type Handle struct {
	reg *Registry
	id  uint64
}

// Live reports whether the slot still exists.
func (h Handle) Live() bool {
	return h.reg != nil && h.reg.lookup(h.id) != nil
}

// Client is the owner of a token slot.
type Client struct {
	slot    *slot
	handle  Handle
	cleanup runtime.Cleanup

	closeOnce sync.Once
	closed    atomic.Bool
}

// Token returns the current bearer token value.
func (c *Client) Token() (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	return c.slot.get().Value, nil
}

// LastRefresh returns when the token was last replaced.
func (c *Client) LastRefresh() time.Time {
	return c.slot.lastRefresh()
}

// Handle returns a non-owning reference for refreshers.
func (c *Client) Handle() Handle {
	return c.handle
}

// Close releases the slot; any refresher stops on its next tick.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cleanup.Stop()
		c.handle.reg.release(c.handle.id)
	})
	return nil
}

// RefreshTask returns a scheduled task that regenerates the token of h on
// every run. Once the slot is gone it returns schedule.ErrStop without
// generating. A failed generation keeps the last good token.
func RefreshTask(h Handle, gen TokenFunc) schedule.Func {
	return func(ctx context.Context) error {
		s := h.reg.lookup(h.id)
		if s == nil {
			return schedule.ErrStop
		}
		tok, err := gen(ctx)
		if err != nil {
			recordRefresh(ctx, s.name, "failure")
			log.Warn().Err(err).Str("credential", s.name).Msg("Token refresh failed, keeping previous token")
			return nil
		}
		s.set(tok)
		recordRefresh(ctx, s.name, "success")
		log.Debug().Str("credential", s.name).Time("expires", tok.Expiration).Msg("Token refreshed")
		return nil
	}
}

// Refresh schedules token regeneration for c every interval on sched.
func Refresh(sched *schedule.Scheduler, c *Client, gen TokenFunc, every time.Duration) *schedule.Handle {
	if every <= 0 {
		every = DefaultRefreshInterval
	}
	h := c.Handle()
	return sched.ScheduleWithFixedDelay("credentials/"+c.slot.name, every, every, RefreshTask(h, gen))
}
