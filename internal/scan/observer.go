package scan

import (
	"context"
	"time"
)

// PassResult summarises one full enumeration of a target.
type PassResult struct {
	Target    Target
	PassStart int64
	Started   time.Time
	Finished  time.Time

	Pages          int
	Merged         int
	Failed         int
	Skipped        int
	Deleted        int64
	Relationships  int64
	RateLimitWaits int
	Swept          bool
	Err            error
}

// Duration returns how long the pass took.
func (r PassResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Status is "success", "partial" or "failed".
func (r PassResult) Status() string {
	switch {
	case r.Err == nil:
		return "success"
	case r.Merged > 0 || r.Swept:
		return "partial"
	default:
		return "failed"
	}
}

// Observer receives pass results.
type Observer interface {
	ObservePass(ctx context.Context, result PassResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, result PassResult)

// ObservePass implements Observer.
func (f ObserverFunc) ObservePass(ctx context.Context, result PassResult) { f(ctx, result) }

// MultiObserver fans out to multiple observers.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates an observer that notifies every given observer.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

// Add appends an observer.
func (m *MultiObserver) Add(o Observer) {
	m.observers = append(m.observers, o)
}

// ObservePass notifies every observer in order.
func (m *MultiObserver) ObservePass(ctx context.Context, result PassResult) {
	for _, o := range m.observers {
		o.ObservePass(ctx, result)
	}
}
