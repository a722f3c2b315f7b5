package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/schedule"
)

// Operational record labels and the edge joining them.
const (
	ProcessLabel = "ScannerProcess"
	TargetLabel  = "ScanTarget"
	ScansEdge    = "SCANS"
)

// ErrProcessRegistration is returned by Start when the scanner process
// record cannot be written. Nothing is scheduled in that case.
var ErrProcessRegistration = errors.New("scan: register scanner process")

var (
	processSpec = graph.NodeSpec{Label: ProcessLabel, IdentityKeys: []string{"id"}}
	targetSpec  = graph.NodeSpec{Label: TargetLabel, IdentityKeys: []string{"provider", "entityType", "scope"}}
)

// Process identifies this scanner instance in the graph.
type Process struct {
	ID        string
	Type      string
	Hostname  string
	IPAddress string
}

// CurrentProcess describes the running process with a fresh id.
func CurrentProcess() Process {
	host, _ := os.Hostname()
	return Process{
		ID:        uuid.NewString(),
		Type:      "cartograph",
		Hostname:  host,
		IPAddress: localIP(),
	}
}

// localIP returns the first non-loopback IPv4 address, or "".
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}

func (p Process) bag() graph.Bag {
	return graph.Bag{"id": p.ID, "type": p.Type, "hostname": p.Hostname, "ipAddress": p.IPAddress}
}

func targetIdentity(t Target) graph.Bag {
	return graph.Bag{"provider": t.Provider, "entityType": t.EntityType, "scope": t.Scope.String()}
}

func (o *Orchestrator) interval(t Target) int64 {
	if t.Interval > 0 {
		return int64(t.Interval.Seconds())
	}
	return int64(o.opts.ScanInterval.Seconds())
}

// HeartbeatProcess refreshes the scanner process record.
func (o *Orchestrator) HeartbeatProcess(ctx context.Context) error {
	pass, err := o.writer.BeginPass(ctx, graph.Scope{})
	if err != nil {
		return err
	}
	if err := o.writer.Patch(ctx, pass, processSpec, o.process.bag(), nil); err != nil {
		return err
	}
	recordHeartbeat(ctx, ProcessLabel)
	return nil
}

// HeartbeatTarget refreshes the record of t and its SCANS edge from this
// process. Scheduling defaults are written only when the record is created
// so operator edits survive.
func (o *Orchestrator) HeartbeatTarget(ctx context.Context, t Target) error {
	pass, err := o.writer.BeginPass(ctx, graph.Scope{})
	if err != nil {
		return err
	}
	props := targetIdentity(t)
	for k, v := range t.Scope.Map() {
		props[k] = v
	}
	defaults := graph.Bag{
		"fullScanEnabled":      true,
		"fullScanIntervalSecs": o.interval(t),
	}
	if err := o.writer.Patch(ctx, pass, targetSpec, props, defaults); err != nil {
		return err
	}
	err = o.writer.Link(ctx,
		graph.Endpoint{Label: ProcessLabel, Match: graph.Bag{"id": o.process.ID}},
		ScansEdge,
		graph.Endpoint{Label: TargetLabel, Match: targetIdentity(t)},
	)
	if err != nil {
		return err
	}
	recordHeartbeat(ctx, TargetLabel)
	return nil
}

// FullScanEnabled reads the operator switch on the target record. A
// missing record counts as enabled.
func (o *Orchestrator) FullScanEnabled(ctx context.Context, t Target) (bool, error) {
	nodes, err := o.writer.Find(ctx, TargetLabel, targetIdentity(t))
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if enabled, ok := n["fullScanEnabled"].(bool); ok && !enabled {
			return false, nil
		}
	}
	return true, nil
}

// Start registers the process and every target, then schedules heartbeats
// on control and full scans on scans. The two schedulers should be
// distinct so slow providers cannot delay heartbeats.
func (o *Orchestrator) Start(ctx context.Context, control, scans *schedule.Scheduler, targets []Target) error {
	if err := o.HeartbeatProcess(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessRegistration, err)
	}
	var errs []error
	for _, t := range targets {
		if _, err := o.Scanner(t); err != nil {
			errs = append(errs, err)
			continue
		}
		// A target whose record could not be written is still scheduled;
		// the next heartbeat registers it.
		if err := o.HeartbeatTarget(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("register target %s: %w", t, err))
		}
		o.schedule(control, scans, t)
	}

	control.ScheduleWithFixedDelay("heartbeat/process", o.opts.HeartbeatInterval, o.opts.HeartbeatInterval,
		func(ctx context.Context) error { return o.HeartbeatProcess(ctx) })

	log.Info().
		Str("process_id", o.process.ID).
		Int("targets", len(targets)).
		Msg("Scan orchestrator started")
	return errors.Join(errs...)
}

func (o *Orchestrator) schedule(control, scans *schedule.Scheduler, t Target) {
	control.ScheduleWithFixedDelay("heartbeat/"+t.Key(), o.opts.HeartbeatInterval, o.opts.HeartbeatInterval,
		func(ctx context.Context) error { return o.HeartbeatTarget(ctx, t) })

	every := t.Interval
	if every <= 0 {
		every = o.opts.ScanInterval
	}
	scans.ScheduleWithFixedDelay("scan/"+t.Key(), 0, every, func(ctx context.Context) error {
		enabled, err := o.FullScanEnabled(ctx, t)
		if err != nil {
			return err
		}
		if !enabled {
			log.Debug().Str("target", t.Key()).Msg("Full scan disabled on target record")
			return nil
		}
		_, err = o.ScanAll(ctx, t)
		return err
	})
}
