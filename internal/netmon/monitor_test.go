package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetSuppressesDuplicateTransitions(t *testing.T) {
	t.Parallel()

	m := New(false, nil)
	var got []Event
	m.Subscribe(func(e Event) { got = append(got, e) })

	m.Set(true)
	m.Set(true)
	m.Set(false)
	m.Set(false)
	m.Set(true)

	require.Equal(t, []Event{BecameOnline, BecameOffline, BecameOnline}, got)
	require.True(t, m.Online())
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	m := New(true, nil)
	calls := 0
	stop := m.Subscribe(func(Event) { calls++ })
	m.Set(false)
	stop()
	m.Set(true)
	require.Equal(t, 1, calls)
}

func TestProberStreak(t *testing.T) {
	t.Parallel()

	up := false
	m := New(true, nil)
	p := &Prober{Monitor: m, Threshold: 2, Probe: func(context.Context) bool { return up }}

	p.Step(context.Background())
	require.True(t, m.Online(), "one failed probe is not enough")
	p.Step(context.Background())
	require.False(t, m.Online())

	up = true
	p.Step(context.Background())
	up = false
	p.Step(context.Background())
	require.False(t, m.Online(), "streak resets when a probe agrees")
}

func TestHTTPProbe(t *testing.T) {
	t.Parallel()

	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNotFound)
	}))
	probe := HTTPProbe(srv.Client(), srv.URL)
	require.True(t, probe(context.Background()))
	require.Equal(t, http.MethodHead, method)

	srv.Close()
	require.False(t, probe(context.Background()))
}
