package service

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/clinicbook/internal/config"
	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/fakeserver"
)

const (
	testEmail    = "rao@example.com"
	testPassword = "secret1"
)

type harness struct {
	app       *App
	srv       *fakeserver.Server
	ctx       context.Context
	redirects atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	srv := fakeserver.New(nil)
	ts := fakeserver.Start(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	h := &harness{srv: srv, ctx: ctx}
	cfg := config.Config{
		Server:   config.ServerConfig{BaseURL: ts.URL, Timeout: 5 * time.Second},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "clinicbook.db")},
		Sync: config.SyncConfig{
			ResyncInterval: time.Hour,
			MaxBackoff:     time.Hour,
			ProbeInterval:  time.Hour,
			ProbeThreshold: 1,
		},
	}
	app, err := Open(ctx, cfg, Options{Redirect: func() { h.redirects.Add(1) }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	h.app = app
	return h
}

// signedIn returns a harness with a doctor signed in and the initial load done.
func signedIn(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	_, err := h.srv.Seed("Dr Rao", testEmail, testPassword)
	require.NoError(t, err)
	_, err = h.app.Auth.SignIn(h.ctx, Credentials{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	return h
}

func (h *harness) clinic(t *testing.T, name string) repository.Clinic {
	t.Helper()
	res, err := h.app.Clinics.Add(h.ctx, ClinicInput{Name: name, Address: "MG Road"})
	require.NoError(t, err)
	require.False(t, res.Offline)
	return res.Item
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.app.Sync(h.ctx))
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	n, err := h.app.QueueDepth(h.ctx)
	require.NoError(t, err)
	return n
}

func (h *harness) cachedExpenses(t *testing.T) []repository.Expense {
	t.Helper()
	out, err := repository.NewExpenseRepo(h.app.Gateway.Store()).List(h.ctx)
	require.NoError(t, err)
	return out
}

func (h *harness) cachedPayments(t *testing.T) []repository.Payment {
	t.Helper()
	out, err := repository.NewPaymentRepo(h.app.Gateway.Store()).List(h.ctx)
	require.NoError(t, err)
	return out
}
