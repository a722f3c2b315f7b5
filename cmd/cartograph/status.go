package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/journal"
)

var (
	statusAddr    string
	statusOffline bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last pass of every target",
	Long: `Show the last pass of every target and how many passes in a row have failed.
By default the running daemon is queried over HTTP. With --offline the journal
directory from the configuration is read directly; this only works while no
daemon holds it.`,
	Example: `  cartograph status
  cartograph status --addr http://cartograph.internal:9090
  cartograph status -c config.yaml --offline`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:9090", "Daemon HTTP address")
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "Read the journal directory instead of querying the daemon")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		states []journal.TargetState
		err    error
	)
	if statusOffline {
		states, err = readJournal(cfg.Journal.Dir)
	} else {
		states, err = fetchStatus(ctx, http.DefaultClient, statusAddr)
	}
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), states, time.Now())
	return nil
}

func readJournal(dir string) ([]journal.TargetState, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal.dir is not configured")
	}
	j, err := journal.OpenReadOnly(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = j.Close() }()
	return j.Targets(), nil
}

func fetchStatus(ctx context.Context, client *http.Client, addr string) ([]journal.TargetState, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("query daemon: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var states []journal.TargetState
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return states, nil
}

func printStatus(out io.Writer, states []journal.TargetState, now time.Time) {
	if len(states) == 0 {
		fmt.Fprintln(out, "No passes recorded")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tSTATUS\tMERGED\tDELETED\tFAILURES\tLAST PASS\tLAST SUCCESS")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			s.Target, s.Last.Status, s.Last.Merged, s.Last.Deleted, s.ConsecutiveFailures,
			ago(now, s.Last.Finished), ago(now, s.LastSuccess))
	}
	_ = w.Flush()
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}
