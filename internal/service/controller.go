package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/config"
	"github.com/jask/clinicbook/internal/database"
	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/metrics"
	"github.com/jask/clinicbook/internal/netmon"
	"github.com/jask/clinicbook/internal/session"
)

// Options carries the collaborators Open does not build from config.
type Options struct {
	Log     *zap.Logger
	Client  *http.Client
	Metrics *metrics.Sync
	// Redirect runs once when the server rejects the session.
	Redirect func()
	// Offline starts the monitor in the offline state until the first probe.
	Offline bool
}

// App wires the sync core together: one local store, one monitor, one gateway and the
// services built on them.
type App struct {
	Config  config.Config
	Log     *zap.Logger
	DB      *sql.DB
	Metrics *metrics.Sync
	Session *session.Session
	Monitor *netmon.Monitor
	Prober  *netmon.Prober
	Gateway *gateway.Gateway

	Resyncer  *Resyncer
	Replayer  *Replayer
	Scheduler *Scheduler

	Auth      *AuthService
	Clinics   *ClinicService
	Expenses  *ExpenseService
	Payments  *PaymentService
	Reports   *ReportService
	Directory *ClinicDirectory
	Import    *ImportService

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Open migrates the local database, restores the session and builds every component.
func Open(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	db, err := database.Setup(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	deviceID, err := database.EnsureDeviceID(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("device id: %w", err)
	}
	sess, err := session.Open(cfg.Session.Path)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Server.Timeout}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	mon := netmon.New(!opts.Offline, log)
	mon.Subscribe(func(e netmon.Event) { m.Online(e == netmon.BecameOnline) })
	m.Online(mon.Online())

	store := repository.NewLocalStore(db)
	gw := gateway.New(gateway.Options{
		BaseURL:  cfg.Server.BaseURL,
		Client:   client,
		Monitor:  mon,
		Session:  sess,
		Store:    store,
		DeviceID: deviceID,
		Redirect: opts.Redirect,
		Metrics:  m,
		Log:      log,
	})

	resync := NewResyncer(gw, sess, m, log)
	replayer := NewReplayer(gw, resync, m, log)
	sched := &Scheduler{
		Monitor:    mon,
		Session:    sess,
		Replayer:   replayer,
		Resyncer:   resync,
		Interval:   cfg.Sync.ResyncInterval,
		MaxBackoff: cfg.Sync.MaxBackoff,
		Log:        log.Named("scheduler"),
	}
	gw.OnMutation(sched.Trigger)
	gw.OnBacklog(func(ctx context.Context) error {
		_, err := replayer.Drain(ctx)
		if errors.Is(err, ErrReplayInProgress) {
			return nil
		}
		return err
	})
	expenses := NewExpenseService(gw, sess)
	dir := &ClinicDirectory{Store: store}

	a := &App{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Metrics: m,
		Session: sess,
		Monitor: mon,
		Prober: &netmon.Prober{
			Monitor:   mon,
			Probe:     netmon.HTTPProbe(client, strings.TrimRight(cfg.Server.BaseURL, "/")+"/"),
			Interval:  cfg.Sync.ProbeInterval,
			Threshold: cfg.Sync.ProbeThreshold,
			Log:       log.Named("prober"),
		},
		Gateway:   gw,
		Resyncer:  resync,
		Replayer:  replayer,
		Scheduler: sched,
		Auth:      NewAuthService(gw, sess, resync, log),
		Clinics:   NewClinicService(gw, sess),
		Expenses:  expenses,
		Payments:  NewPaymentService(gw, sess),
		Reports:   NewReportService(gw, sess),
		Directory: dir,
		Import:    &ImportService{Expenses: expenses, Directory: dir},
	}
	log.Debug("app ready",
		zap.String("db", filepath.Clean(cfg.Database.Path)),
		zap.String("server", cfg.Server.BaseURL),
		zap.Bool("logged_in", sess.LoggedIn()))
	return a, nil
}

// Probe checks connectivity once and sets the monitor directly.
func (a *App) Probe(ctx context.Context) bool {
	up := a.Prober.Probe(ctx)
	a.Monitor.Set(up)
	return up
}

// Start runs the prober and the scheduler until ctx ends or Close is called.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Prober.Run(ctx)
	}()
	a.Scheduler.Start(ctx)
}

// Sync replays queued writes if any and refreshes the cache, in the foreground. Resyncs
// started in the background by earlier writes finish first.
func (a *App) Sync(ctx context.Context) error {
	a.Scheduler.Wait()
	return a.Scheduler.pass(ctx, false)
}

// QueueDepth reports how many writes wait for replay.
func (a *App) QueueDepth(ctx context.Context) (int, error) {
	return a.Gateway.Queue().Len(ctx)
}

func (a *App) Close() error {
	var err error
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.Scheduler.Stop()
		a.wg.Wait()
		err = a.DB.Close()
	})
	return err
}
