package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/graph"
)

// ErrStuckPagination is returned when a provider hands back a continuation
// token it already returned in the same pass.
var ErrStuckPagination = errors.New("scan: continuation token did not advance")

// ErrUnknownTarget is returned when no scanner is registered for a target.
var ErrUnknownTarget = errors.New("scan: no scanner registered")

// PartialPassPolicy decides whether a pass whose enumeration failed
// partway still sweeps.
type PartialPassPolicy string

const (
	// SweepPartial sweeps after a partial pass, accepting that entities on
	// unfetched pages may be removed until the next good pass restores them.
	SweepPartial PartialPassPolicy = "sweep"
	// SkipPartial leaves the graph untouched by the sweep after a partial pass.
	SkipPartial PartialPassPolicy = "skip"
)

// Admitter filters what gets scanned and merged.
type Admitter interface {
	ShouldScanType(entityType string) bool
	Admit(ctx context.Context, entityType string, bag graph.Bag) bool
}

// Options tunes the orchestrator. Zero values take defaults.
type Options struct {
	PartialPass PartialPassPolicy
	// LowWater is the fraction of remaining rate-limit budget below which
	// the orchestrator starts spacing out page fetches.
	LowWater float64
	// MaxWait caps a single rate-limit wait.
	MaxWait time.Duration
	// PageAttempts bounds the attempts for one page or entity fetch.
	PageAttempts uint
	// RetryInterval is the initial backoff between fetch attempts.
	RetryInterval time.Duration
	// ScanInterval is the default delay between full scans of a target.
	ScanInterval time.Duration
	// HeartbeatInterval is the delay between process and target heartbeats.
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PartialPass == "" {
		o.PartialPass = SweepPartial
	}
	if o.LowWater <= 0 {
		o.LowWater = 0.1
	}
	if o.MaxWait <= 0 {
		o.MaxWait = time.Minute
	}
	if o.PageAttempts == 0 {
		o.PageAttempts = 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 10 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	return o
}

// Orchestrator runs passes of registered scanners against a graph writer.
type Orchestrator struct {
	writer   *graph.Writer
	registry *Registry
	opts     Options
	admitter Admitter
	observer *MultiObserver
	process  Process

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu       sync.Mutex
	scanners map[string]Scanner
}

// New returns an orchestrator writing through writer.
func New(writer *graph.Writer, registry *Registry, opts Options) *Orchestrator {
	return &Orchestrator{
		writer:   writer,
		registry: registry,
		opts:     opts.withDefaults(),
		observer: NewMultiObserver(),
		process:  CurrentProcess(),
		sleep:    sleepContext,
		now:      time.Now,
		scanners: make(map[string]Scanner),
	}
}

// WithAdmitter installs the entity admission filter.
func (o *Orchestrator) WithAdmitter(a Admitter) *Orchestrator {
	o.admitter = a
	return o
}

// WithProcess overrides the scanner process identity.
func (o *Orchestrator) WithProcess(p Process) *Orchestrator {
	o.process = p
	return o
}

// AddObserver registers an observer of pass results.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observer.Add(obs)
}

// Writer returns the graph writer the orchestrator uses.
func (o *Orchestrator) Writer() *graph.Writer {
	return o.writer
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Scanner returns the scanner for target, building it on first use.
func (o *Orchestrator) Scanner(target Target) (Scanner, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sc, ok := o.scanners[target.Key()]; ok {
		return sc, nil
	}
	reg, ok := o.registry.Get(target.Provider, target.EntityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	sc, err := reg.Factory(target.Scope)
	if err != nil {
		return nil, fmt.Errorf("build scanner %s: %w", target, err)
	}
	o.scanners[target.Key()] = sc
	return sc, nil
}

func (o *Orchestrator) typeEnabled(entityType string) bool {
	return o.admitter == nil || o.admitter.ShouldScanType(entityType)
}

// ScanAll runs one full pass: enumerate every page, merge each entity,
// sweep what the pass did not touch, then re-assert relationships.
func (o *Orchestrator) ScanAll(ctx context.Context, target Target) (PassResult, error) {
	res := PassResult{Target: target, Started: o.now()}
	sc, err := o.Scanner(target)
	if err != nil {
		res.Err = err
		res.Finished = o.now()
		return res, err
	}
	if !o.typeEnabled(sc.EntityType()) {
		log.Debug().Str("target", target.Key()).Msg("Entity type excluded, skipping pass")
		res.Finished = o.now()
		return res, nil
	}

	ctx, span := startPassSpan(ctx, target)
	defer func() { endPassSpan(span, res) }()

	logger := log.With().
		Ctx(ctx).
		Str("target", target.Key()).
		Str("entity_type", sc.EntityType()).
		Logger()

	pass, err := o.writer.BeginPass(ctx, target.Scope)
	if err != nil {
		res.Err = fmt.Errorf("begin pass: %w", err)
		res.Finished = o.now()
		o.observer.ObservePass(ctx, res)
		return res, res.Err
	}
	res.PassStart = pass.Start
	spec := graph.NodeSpec{Label: sc.EntityType(), IdentityKeys: sc.IdentityKeys()}

	enumErr := o.enumerate(ctx, sc, target, pass, spec, &res)

	var sweepErr error
	if o.shouldSweep(ctx, res, enumErr) {
		res.Deleted, sweepErr = o.writer.Sweep(ctx, pass, sc.EntityType(), sc.ScopeMode())
		res.Swept = sweepErr == nil
	} else {
		logger.Warn().
			Err(enumErr).
			Int("pages", res.Pages).
			Int("merged", res.Merged).
			Int("failed", res.Failed).
			Msg("Skipping sweep for incomplete pass")
	}

	relCount, relErr := o.writer.RelateAll(ctx, sc.Relationships(), sc.ScopeMode().Filter(target.Scope))
	res.Relationships = relCount

	res.Err = errors.Join(enumErr, sweepErr, relErr)
	res.Finished = o.now()
	o.observer.ObservePass(ctx, res)

	ev := logger.Info()
	if res.Err != nil {
		ev = logger.Warn().Err(res.Err)
	}
	ev.Int("pages", res.Pages).
		Int("merged", res.Merged).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int64("deleted", res.Deleted).
		Int64("relationships", res.Relationships).
		Int("rate_limit_waits", res.RateLimitWaits).
		Dur("duration", res.Duration()).
		Msg("Scan pass complete")
	return res, res.Err
}

// enumerate follows continuation tokens until the last page, merging every
// item. It returns the error that ended enumeration early, if any.
func (o *Orchestrator) enumerate(ctx context.Context, sc Scanner, target Target, pass graph.Pass, spec graph.NodeSpec, res *PassResult) error {
	seen := make(map[string]bool)
	token := ""
	for {
		page, err := o.fetchPage(ctx, sc, token)
		if err != nil {
			return fmt.Errorf("list page %d: %w", res.Pages+1, err)
		}
		res.Pages++

		for _, item := range page.Items {
			switch o.mergeItem(ctx, sc, target, pass, spec, item) {
			case OutcomeMerged:
				res.Merged++
			case OutcomeFailed:
				res.Failed++
			default:
				res.Skipped++
			}
		}

		if page.RateLimit != nil {
			if wait := o.rateLimitWait(page.RateLimit); wait > 0 {
				res.RateLimitWaits++
				recordRateLimitWait(ctx, sc.EntityType(), wait)
				log.Debug().
					Str("target", target.Key()).
					Int("remaining", page.RateLimit.Remaining).
					Dur("wait", wait).
					Msg("Backing off for provider rate limit")
				if err := o.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}

		if page.Next == "" {
			return nil
		}
		if seen[page.Next] {
			return fmt.Errorf("%w: %q", ErrStuckPagination, page.Next)
		}
		seen[page.Next] = true
		token = page.Next
	}
}

func (o *Orchestrator) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RetryInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.opts.PageAttempts),
	}
}

func (o *Orchestrator) fetchPage(ctx context.Context, sc Scanner, token string) (Page, error) {
	opts := append(o.retryOptions(), backoff.WithNotify(func(err error, next time.Duration) {
		log.Debug().Err(err).Str("entity_type", sc.EntityType()).Dur("retry_in", next).Msg("Page fetch failed, retrying")
	}))
	return backoff.Retry(ctx, func() (Page, error) {
		page, err := sc.ListPage(ctx, token)
		if err != nil && ctx.Err() != nil {
			return Page{}, backoff.Permanent(err)
		}
		return page, err
	}, opts...)
}

func (o *Orchestrator) fetchOne(ctx context.Context, sc Scanner, id string) (graph.Bag, error) {
	return backoff.Retry(ctx, func() (graph.Bag, error) {
		bag, err := sc.Get(ctx, id)
		if errors.Is(err, ErrNotFound) || (err != nil && ctx.Err() != nil) {
			return nil, backoff.Permanent(err)
		}
		return bag, err
	}, o.retryOptions()...)
}

// rateLimitWait spreads the remaining budget over the time left until the
// window resets once the budget drops below the low-water mark. An
// explicit retry-after takes precedence.
func (o *Orchestrator) rateLimitWait(rl *RateLimit) time.Duration {
	var wait time.Duration
	switch {
	case rl.RetryAfter > 0:
		wait = rl.RetryAfter
	case rl.Limit <= 0 || rl.Reset.IsZero():
		return 0
	case float64(rl.Remaining) >= o.opts.LowWater*float64(rl.Limit):
		return 0
	default:
		until := rl.Reset.Sub(o.now())
		if until <= 0 {
			return 0
		}
		remaining := rl.Remaining
		if remaining < 0 {
			remaining = 0
		}
		wait = until / time.Duration(remaining+1)
	}
	return min(wait, o.opts.MaxWait)
}

func (o *Orchestrator) shouldSweep(ctx context.Context, res PassResult, enumErr error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case res.Pages == 0:
		return false
	case res.Merged == 0 && res.Failed > 0:
		return false
	case enumErr != nil && o.opts.PartialPass == SkipPartial:
		return false
	default:
		return true
	}
}

// decorate stamps the orchestrator-owned attributes onto a copy of bag.
func decorate(bag graph.Bag, sc Scanner, target Target) graph.Bag {
	out := bag.Clone()
	out[graph.EntityType] = sc.EntityType()
	out[graph.EntityGroup] = target.Provider
	for _, a := range sc.ScopeMode().Filter(target.Scope).Attrs() {
		out[a.Key] = a.Value
	}
	return out
}

func (o *Orchestrator) mergeItem(ctx context.Context, sc Scanner, target Target, pass graph.Pass, spec graph.NodeSpec, item Item) Outcome {
	if item.Err != nil || item.Bag == nil {
		log.Warn().Err(item.Err).
			Str("entity_type", spec.Label).
			Dict("identity", identity(spec, item.Bag)).
			Msg("Skipping unmappable entity")
		recordOutcome(ctx, spec.Label, OutcomeSkipped)
		return OutcomeSkipped
	}
	if o.admitter != nil && !o.admitter.Admit(ctx, spec.Label, item.Bag) {
		recordOutcome(ctx, spec.Label, OutcomeSkipped)
		return OutcomeSkipped
	}
	err := o.writer.Merge(ctx, pass, spec, decorate(item.Bag, sc, target))
	switch {
	case errors.Is(err, graph.ErrMissingIdentity):
		log.Warn().Err(err).
			Str("entity_type", spec.Label).
			Dict("identity", identity(spec, item.Bag)).
			Msg("Skipping entity without identity")
		recordOutcome(ctx, spec.Label, OutcomeSkipped)
		return OutcomeSkipped
	case err != nil:
		log.Warn().Err(err).
			Str("entity_type", spec.Label).
			Dict("identity", identity(spec, item.Bag)).
			Msg("Merge failed")
		recordOutcome(ctx, spec.Label, OutcomeFailed)
		return OutcomeFailed
	}
	recordOutcome(ctx, spec.Label, OutcomeMerged)
	return OutcomeMerged
}

// identity returns the identity-key values present in bag for logging.
func identity(spec graph.NodeSpec, bag graph.Bag) *zerolog.Event {
	d := zerolog.Dict()
	for _, k := range spec.IdentityKeys {
		if v, ok := bag[k]; ok {
			d.Interface(k, v)
		}
	}
	return d
}
