package netmon

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc reports whether the server answered. Any HTTP status counts as reachable.
type ProbeFunc func(ctx context.Context) bool

// HTTPProbe issues a HEAD request against url.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

// Prober feeds a Monitor from periodic probes. The monitor only flips after Threshold
// consecutive probes disagree with its current state.
type Prober struct {
	Monitor   *Monitor
	Probe     ProbeFunc
	Interval  time.Duration
	Threshold int
	Log       *zap.Logger

	streak int
}

// Step runs one probe and applies the streak rule.
func (p *Prober) Step(ctx context.Context) {
	up := p.Probe(ctx)
	if up == p.Monitor.Online() {
		p.streak = 0
		return
	}
	p.streak++
	threshold := p.Threshold
	if threshold < 1 {
		threshold = 1
	}
	if p.streak >= threshold {
		p.streak = 0
		p.Monitor.Set(up)
	}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log.Debug("prober started", zap.Duration("interval", interval), zap.Int("threshold", p.Threshold))

	t := time.NewTicker(interval)
	defer t.Stop()
	p.Step(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Step(ctx)
		}
	}
}
