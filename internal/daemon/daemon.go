// Package daemon wires the graph store, scanners, schedulers and the
// operational HTTP endpoints into one long-running process.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/config"
	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/journal"
	"github.com/yairfalse/cartograph/internal/scan"
	"github.com/yairfalse/cartograph/internal/schedule"
)

// compactEvery is the delay between journal compactions.
const compactEvery = time.Hour

// Deps are the components a daemon runs. Store, Registry and Targets are
// required.
type Deps struct {
	Store    graph.Store
	Registry *scan.Registry
	Targets  []scan.Target
	Admitter scan.Admitter
	// Process overrides the scanner process identity.
	Process *scan.Process
	// Metrics serves /metrics. Nil uses the default Prometheus registry.
	Metrics http.Handler
	// Closers run after the store is closed.
	Closers []func() error
}

// Daemon manages continuous reconciliation.
type Daemon struct {
	cfg     *config.Config
	store   graph.Store
	orch    *scan.Orchestrator
	reg     *scan.Registry
	control *schedule.Scheduler
	scans   *schedule.Scheduler
	journal *journal.Journal
	targets []scan.Target
	metrics http.Handler
	closers []func() error

	startTime time.Time
	ready     atomic.Bool

	mu   sync.Mutex
	addr net.Addr
}

// New builds a daemon from cfg and deps. The journal is opened unless
// cfg.Journal.Dir is empty.
func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if deps.Store == nil || deps.Registry == nil {
		return nil, errors.New("daemon: store and registry required")
	}

	orch := scan.New(graph.NewWriter(deps.Store), deps.Registry, scan.Options{
		PartialPass:       scan.PartialPassPolicy(cfg.Scanner.PartialPass),
		LowWater:          cfg.Scanner.LowWater,
		MaxWait:           cfg.Scanner.MaxWait,
		ScanInterval:      cfg.Scanner.Interval,
		HeartbeatInterval: cfg.Scanner.HeartbeatInterval,
	})
	if deps.Admitter != nil {
		orch.WithAdmitter(deps.Admitter)
	}
	if deps.Process != nil {
		orch.WithProcess(*deps.Process)
	}

	d := &Daemon{
		cfg:       cfg,
		store:     deps.Store,
		orch:      orch,
		reg:       deps.Registry,
		control:   schedule.New("control", cfg.Scanner.ControlWorkers),
		scans:     schedule.New("scan", cfg.Scanner.Workers),
		targets:   deps.Targets,
		metrics:   deps.Metrics,
		closers:   deps.Closers,
		startTime: time.Now(),
	}
	if d.metrics == nil {
		d.metrics = promhttp.Handler()
	}

	m, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("create daemon metrics: %w", err)
	}
	orch.AddObserver(m)

	if cfg.Journal.Dir != "" {
		j, err := journal.Open(cfg.Journal.Dir)
		if err != nil {
			return nil, err
		}
		d.journal = j
		orch.AddObserver(j)
	}
	return d, nil
}

// Orchestrator returns the scan orchestrator.
func (d *Daemon) Orchestrator() *scan.Orchestrator {
	return d.orch
}

// Control returns the scheduler for heartbeats and credential refresh.
func (d *Daemon) Control() *schedule.Scheduler {
	return d.control
}

// Targets returns the configured scan targets.
func (d *Daemon) Targets() []scan.Target {
	return d.targets
}

// Journal returns the pass journal, or nil when disabled.
func (d *Daemon) Journal() *journal.Journal {
	return d.journal
}

// Addr returns the address the HTTP server listens on, or nil before Run.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run registers the scanner process and targets, then runs both
// schedulers and the HTTP server until ctx is canceled or one of them
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.Addr, err)
	}
	d.mu.Lock()
	d.addr = ln.Addr()
	d.mu.Unlock()

	if err := d.orch.Start(ctx, d.control, d.scans, d.targets); err != nil {
		if errors.Is(err, scan.ErrProcessRegistration) {
			_ = ln.Close()
			return err
		}
		log.Warn().Err(err).Msg("Some scan targets could not be registered")
	}
	if d.journal != nil {
		d.control.ScheduleWithFixedDelay("journal/compact", compactEvery, compactEvery, d.compact)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}

	var g run.Group
	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return d.control.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return d.scans.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics and health endpoints")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	})

	d.ready.Store(true)
	log.Info().
		Strs("providers", d.reg.Providers()).
		Int("targets", len(d.targets)).
		Str("graph", d.cfg.Graph.URL).
		Msg("cartograph daemon running")
	err = g.Run()
	d.ready.Store(false)
	return err
}

// ScanOnce runs one full pass of every target accepted by match, in
// order, without starting the schedulers.
func (d *Daemon) ScanOnce(ctx context.Context, match func(scan.Target) bool) ([]scan.PassResult, error) {
	var (
		results []scan.PassResult
		errs    []error
	)
	for _, t := range d.targets {
		if match != nil && !match(t) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := d.orch.ScanAll(ctx, t)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
		}
	}
	return results, errors.Join(errs...)
}

func (d *Daemon) compact(context.Context) error {
	n, err := d.journal.Compact(d.cfg.Journal.Keep)
	if err != nil {
		return fmt.Errorf("compact journal: %w", err)
	}
	if n > 0 {
		log.Info().Int("deleted", n).Msg("Compacted pass journal")
	}
	return nil
}

// Close releases the journal, the store and every registered closer.
func (d *Daemon) Close() error {
	var errs []error
	if d.journal != nil {
		errs = append(errs, d.journal.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs = append(errs, d.store.Close(ctx))
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// HealthStatus represents daemon health.
type HealthStatus struct {
	Status       string   `json:"status"`
	Uptime       int64    `json:"uptimeSeconds"`
	Providers    []string `json:"providers"`
	Targets      int      `json:"targets"`
	RunningScans int      `json:"runningScans"`
	PendingTasks int      `json:"pendingTasks"`
}

// Health returns daemon health status.
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status:       "healthy",
		Uptime:       int64(time.Since(d.startTime).Seconds()),
		Providers:    d.reg.Providers(),
		Targets:      len(d.targets),
		RunningScans: d.scans.Running(),
		PendingTasks: d.control.Pending() + d.scans.Pending(),
	}
}

// Handler serves /metrics, /health, /-/ready, /status and /status/recent.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Health())
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		if d.journal == nil {
			http.Error(w, "journal disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d.journal.Targets())
	})
	mux.HandleFunc("/status/recent", func(w http.ResponseWriter, r *http.Request) {
		if d.journal == nil {
			http.Error(w, "journal disabled", http.StatusNotFound)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := d.journal.Recent(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
