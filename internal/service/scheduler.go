package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/netmon"
	"github.com/jask/clinicbook/internal/session"
)

// Scheduler owns the only sync timer. One goroutine reacts to connectivity changes, explicit
// triggers and the periodic resync tick; failures stretch the tick with exponential backoff.
type Scheduler struct {
	Monitor    *netmon.Monitor
	Session    *session.Session
	Replayer   *Replayer
	Resyncer   *Resyncer
	Interval   time.Duration
	MaxBackoff time.Duration
	Log        *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
	changed chan struct{}
	passes  chan error
	bg      sync.WaitGroup
}

// Start launches the loop. It runs one pass immediately when online and logged in.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.done = done
	s.trigger = make(chan struct{}, 1)
	changed := make(chan struct{}, 1)
	s.changed = changed
	unsubscribe := s.Monitor.Subscribe(func(netmon.Event) { kick(changed) })
	go func() {
		defer close(done)
		defer unsubscribe()
		s.loop(ctx)
	}()
}

// Stop ends the loop and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.trigger = nil
	s.mu.Unlock()
	if cancel == nil {
		s.bg.Wait()
		return
	}
	cancel()
	<-done
	s.bg.Wait()
}

// Trigger requests a resync soon. It never blocks. Before Start it runs the resync in its
// own goroutine; Wait and Stop wait for it.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	ch := s.trigger
	if ch == nil {
		s.bg.Add(1)
	}
	s.mu.Unlock()
	if ch != nil {
		kick(ch)
		return
	}
	go func() {
		defer s.bg.Done()
		if _, err := s.Resyncer.FullDataLoad(context.Background(), ResyncOptions{}); err != nil {
			s.logger().Debug("resync after write failed", zap.Error(err))
		}
	}()
}

// Wait blocks until resyncs started by Trigger outside the loop have finished.
func (s *Scheduler) Wait() { s.bg.Wait() }

func (s *Scheduler) logger() *zap.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	return s.Log
}

// Passes, when set before Start, receives the outcome of every pass. Used by tests.
func (s *Scheduler) Passes(ch chan error) { s.passes = ch }

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	maxBackoff := s.MaxBackoff
	if maxBackoff < interval {
		maxBackoff = interval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Scheduler) loop(ctx context.Context) {
	s.mu.Lock()
	trigger, changed := s.trigger, s.changed
	s.mu.Unlock()
	b := s.newBackoff()
	online := s.Monitor.Online()

	timer := time.NewTimer(time.Hour)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	stopTimer()
	defer timer.Stop()

	run := func(drain bool) {
		err := s.pass(ctx, drain)
		stopTimer()
		if err != nil && !errors.Is(err, ErrNotLoggedIn) {
			delay := b.NextBackOff()
			s.Log.Warn("sync pass failed", zap.Error(err), zap.Duration("retry_in", delay))
			timer.Reset(delay)
		} else {
			b.Reset()
			timer.Reset(b.InitialInterval)
		}
		if s.passes != nil {
			select {
			case s.passes <- err:
			case <-ctx.Done():
			}
		}
	}

	if online {
		run(true)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			now := s.Monitor.Online()
			if now == online {
				continue
			}
			online = now
			if !online {
				s.Log.Info("offline, periodic resync paused")
				stopTimer()
				continue
			}
			s.Log.Info("back online, replaying queued writes")
			b.Reset()
			run(true)
		case <-trigger:
			if online {
				run(false)
			}
		case <-timer.C:
			if online {
				run(false)
			}
		}
	}
}

// pass drains the queue when asked or when writes are still waiting, else resyncs.
func (s *Scheduler) pass(ctx context.Context, drain bool) error {
	if s.Session != nil && !s.Session.LoggedIn() {
		return ErrNotLoggedIn
	}
	if !drain {
		n, err := s.Replayer.gw.Queue().Len(ctx)
		if err != nil {
			return err
		}
		drain = n > 0
	}
	if drain {
		res, err := s.Replayer.Drain(ctx)
		if errors.Is(err, ErrReplayInProgress) {
			return nil
		}
		if err != nil {
			return err
		}
		return res.Halted
	}
	_, err := s.Resyncer.FullDataLoad(ctx, ResyncOptions{})
	return err
}
