// Command devserver runs the in-memory doctor API for local development.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/config"
	"github.com/jask/clinicbook/internal/fakeserver"
	"github.com/jask/clinicbook/internal/logger"
	"github.com/jask/clinicbook/internal/testdata"
)

type options struct {
	addr     string
	seed     uint64
	clinics  int
	expenses int
	name     string
	email    string
	password string
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "devserver",
		Short:        "Serve the doctor API from memory",
		Example:      "  devserver --addr :8080 --expenses 200",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", ":8080", "listen address")
	f.Uint64Var(&o.seed, "seed", 1, "fixture seed")
	f.IntVar(&o.clinics, "clinics", 3, "clinics to generate")
	f.IntVar(&o.expenses, "expenses", 0, "expenses to generate; 0 starts with an empty ledger")
	f.StringVar(&o.name, "name", "Dr Demo", "demo doctor name")
	f.StringVar(&o.email, "email", "demo@example.com", "demo doctor email")
	f.StringVar(&o.password, "password", "demo123", "demo doctor password")
	f.StringVar(&o.logLevel, "log-level", "info", "log level")
	return cmd
}

func run(ctx context.Context, o options) error {
	log, err := logger.New(config.LogConfig{Level: o.logLevel, Format: "console", Output: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	srv := fakeserver.New(log.Named("api"))
	if _, err := srv.Seed(o.name, o.email, o.password); err != nil {
		return err
	}
	if o.expenses > 0 {
		fx := testdata.Generate(testdata.Options{Seed: o.seed, Clinics: o.clinics, Expenses: o.expenses})
		if err := testdata.Load(srv, o.name, o.email, o.password, fx); err != nil {
			return fmt.Errorf("load fixture: %w", err)
		}
		log.Info("fixture loaded", zap.Int("clinics", len(fx.Clinics)), zap.Int("expenses", len(fx.Expenses)))
	}

	hs := &http.Server{Addr: o.addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	log.Info("listening", zap.String("addr", o.addr), zap.String("email", o.email))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdown)
}
