package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/internal/credentials"
	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/journal"
	"github.com/yairfalse/cartograph/internal/scan"
)

func TestRootCommand_Subcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"daemon", "scan", "status", "token"} {
		assert.Contains(t, names, want)
	}
}

func TestWriteExecCredential(t *testing.T) {
	var buf bytes.Buffer
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, writeExecCredential(&buf, credentials.Token{Value: "k8s-aws-v1.abc", Expiration: exp}))

	var got struct {
		APIVersion string `json:"apiVersion"`
		Kind       string `json:"kind"`
		Status     struct {
			Token               string `json:"token"`
			ExpirationTimestamp string `json:"expirationTimestamp"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "client.authentication.k8s.io/v1beta1", got.APIVersion)
	assert.Equal(t, "ExecCredential", got.Kind)
	assert.Equal(t, "k8s-aws-v1.abc", got.Status.Token)
	assert.Equal(t, "2026-01-02T03:04:05Z", got.Status.ExpirationTimestamp)
}

func TestTargetMatcher(t *testing.T) {
	vpc := scan.Target{Provider: "aws", EntityType: "AwsVpc"}
	droplet := scan.Target{Provider: "digitalocean", EntityType: "DigitalOceanDroplet"}

	all := targetMatcher(nil, nil)
	assert.True(t, all(vpc))
	assert.True(t, all(droplet))

	awsOnly := targetMatcher([]string{"aws"}, nil)
	assert.True(t, awsOnly(vpc))
	assert.False(t, awsOnly(droplet))

	typed := targetMatcher([]string{"aws"}, []string{"AwsSubnet"})
	assert.False(t, typed(vpc))
}

func TestPrintResults(t *testing.T) {
	start := time.Now()
	scope := graph.NewScope(map[string]string{graph.AccountKey: "123", graph.RegionKey: "us-east-1"})
	results := []scan.PassResult{
		{Target: scan.Target{Provider: "aws", Scope: scope, EntityType: "AwsVpc"}, Started: start, Finished: start.Add(time.Second), Pages: 1, Merged: 4, Deleted: 1, Swept: true},
		{Target: scan.Target{Provider: "aws", Scope: scope, EntityType: "AwsSubnet"}, Started: start, Finished: start, Err: errors.New("denied")},
	}

	var buf bytes.Buffer
	printResults(&buf, results)
	out := buf.String()
	assert.Contains(t, out, "TARGET")
	assert.Contains(t, out, "aws/AwsVpc/")
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "failed")
}

func TestPrintStatus(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	states := []journal.TargetState{{
		Target:              "aws/AwsVpc/account=123,region=us-east-1",
		Last:                journal.Entry{Status: "partial", Merged: 7, Finished: now.Add(-90 * time.Second)},
		Passes:              4,
		ConsecutiveFailures: 1,
	}}

	var buf bytes.Buffer
	printStatus(&buf, states, now)
	out := buf.String()
	assert.Contains(t, out, "aws/AwsVpc/account=123,region=us-east-1")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "1m30s ago")
	assert.Contains(t, out, "never")

	buf.Reset()
	printStatus(&buf, nil, now)
	assert.Equal(t, "No passes recorded\n", buf.String())
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]journal.TargetState{{Target: "aws/AwsVpc/x", Passes: 2}})
	}))
	defer srv.Close()

	states, err := fetchStatus(context.Background(), srv.Client(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 2, states[0].Passes)
}

func TestFetchStatus_JournalDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "journal disabled", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fetchStatus(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal disabled")
}

func TestReadJournal(t *testing.T) {
	_, err := readJournal("")
	assert.Error(t, err)

	dir := t.TempDir()
	j, err := journal.Open(dir)
	require.NoError(t, err)
	_, err = j.Record(journal.Entry{Target: "aws/AwsVpc/x", Status: "success"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	states, err := readJournal(dir)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "aws/AwsVpc/x", states[0].Target)
}
