package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/clinicbook/internal/fakeserver"
)

type cli struct {
	t   *testing.T
	srv *fakeserver.Server
}

func newCLI(t *testing.T) *cli {
	srv := fakeserver.New(nil)
	ts := fakeserver.Start(srv)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
[server]
base_url = %q
timeout = "5s"

[database]
path = %q

[session]
path = %q

[sync]
resync_interval = "1h"
max_backoff = "1h"
probe_threshold = 1

[log]
level = "error"
`, ts.URL, filepath.Join(dir, "clinicbook.db"), filepath.Join(dir, "session.json"))
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	t.Setenv("HOME", dir)
	t.Setenv("CLINICBOOK_CONFIG", path)
	t.Setenv("CLINICBOOK_PASSWORD", "secret1")
	return &cli{t: t, srv: srv}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) ok(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func TestOfflineWriteSyncsLater(t *testing.T) {
	c := newCLI(t)
	_, err := c.srv.Seed("Dr Rao", "rao@example.com", "secret1")
	require.NoError(t, err)

	require.Contains(t, c.ok("login", "rao@example.com"), "signed in as Dr Rao")
	require.Contains(t, c.ok("clinics", "add", "--name", "City Care", "--address", "MG Road"), `"City Care"`)
	c.ok("sync")

	out := c.ok("--offline", "expenses", "add", "--clinic", "city", "--billed", "900", "--tds", "--date", "2025-04-10")
	require.Contains(t, out, "saved offline, will sync")
	require.Contains(t, out, "1000.00")
	require.Contains(t, c.ok("queue", "list"), "/doctor/expense")

	out, err = c.run("logout")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--force")

	require.Contains(t, c.ok("sync"), "replayed 1 of 1 queued writes")
	require.Contains(t, c.ok("queue", "list"), "nothing to show")

	out = c.ok("report", "--category", "OPD", "--from", "2025-04-01", "--to", "2025-04-30")
	require.Contains(t, out, "page 1 of 1, 1 expenses")
	require.Contains(t, out, "billed 1000.00")
	require.Contains(t, c.ok("--offline", "report", "--hospitals"), "City Care")

	require.Contains(t, c.ok("logout"), "signed out")
	_, err = c.run("clinics", "list")
	require.ErrorContains(t, err, "not logged in")
}

func TestQueueDropNeedsConfirmation(t *testing.T) {
	c := newCLI(t)
	_, err := c.srv.Seed("Dr Rao", "rao@example.com", "secret1")
	require.NoError(t, err)
	c.ok("login", "rao@example.com")
	require.Contains(t, c.ok("--offline", "clinics", "add", "--name", "Lotus"), "queued write #1")

	_, err = c.run("queue", "drop", "1")
	require.ErrorContains(t, err, "--yes")
	require.Contains(t, c.ok("queue", "drop", "1", "--yes"), "dropped write #1")
	require.Contains(t, c.ok("queue", "list"), "nothing to show")
}

func TestConfigPrintsTOML(t *testing.T) {
	newCLI(t)
	c := &cli{t: t}
	out := c.ok("config")
	require.Contains(t, out, "[server]")
	require.Contains(t, out, `resync_interval = "1h0m0s"`)
}

func TestDescribe(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("clinics", "list")
	require.Error(t, err)
	require.Equal(t, "not signed in, run: clinicbook login", describe(err))
}

func TestOnlineCommandReplaysEarlierOfflineWrites(t *testing.T) {
	c := newCLI(t)
	_, err := c.srv.Seed("Dr Rao", "rao@example.com", "secret1")
	require.NoError(t, err)
	c.ok("login", "rao@example.com")
	c.ok("clinics", "add", "--name", "City Care")

	require.Contains(t, c.ok("--offline", "clinics", "add", "--name", "Lotus"), "queued write #")
	require.NotContains(t, c.ok("queue", "list"), "nothing to show")

	out := c.ok("clinics", "list")
	require.Contains(t, out, "Lotus")
	require.NotContains(t, out, "saved offline")
	require.Contains(t, c.ok("queue", "list"), "nothing to show")
}
