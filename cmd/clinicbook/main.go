package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/config"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/logger"
	"github.com/jask/clinicbook/internal/service"
)

var offlineFlag bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "clinicbook",
		Short:         "Track clinic expenses and payments, online or offline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&offlineFlag, "offline", false, "skip the connectivity probe and work from the local store")
	cmd.AddCommand(
		noStartupSync(newLoginCmd()),
		noStartupSync(newRegisterCmd()),
		noStartupSync(newLogoutCmd()),
		newClinicsCmd(),
		newExpensesCmd(),
		newPaymentsCmd(),
		newReportCmd(),
		newCategoriesCmd(),
		noStartupSync(newSyncCmd()),
		noStartupSync(newQueueCmd()),
		noStartupSync(newWatchCmd()),
		newConfigCmd(),
	)
	return cmd
}

// env is what every command that touches data runs with.
type env struct {
	app *service.App
	out io.Writer
}

type runFunc func(ctx context.Context, e *env, args []string) error

// withApp opens the local store, probes the server once and hands the app to fn.
func withApp(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return runWith(cmd, args, false, fn)
	}
}

// runWith is withApp; fullscreen keeps console logs off the terminal.
func runWith(cmd *cobra.Command, args []string, fullscreen bool, fn runFunc) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	var log *zap.Logger
	switch out := strings.ToLower(cfg.Log.Output); {
	case fullscreen && (out == "" || out == "stdout" || out == "stderr"):
		log = logger.NewWriter(cfg.Log, io.Discard)
	default:
		if log, err = logger.New(cfg.Log); err != nil {
			return err
		}
	}
	defer func() { _ = log.Sync() }()

	app, err := service.Open(cmd.Context(), cfg, service.Options{
		Log:     log,
		Offline: offlineFlag,
		Redirect: func() {
			fmt.Fprintln(cmd.ErrOrStderr(), "session expired, sign in again with: clinicbook login")
		},
	})
	if err != nil {
		return err
	}
	defer app.Close()

	switch {
	case offlineFlag:
	case !app.Probe(cmd.Context()):
		log.Debug("server unreachable, working offline", zap.String("server", cfg.Server.BaseURL))
	case app.Session.LoggedIn() && !skipsStartupSync(cmd):
		// replay what earlier offline runs queued before this command writes anything new
		if err := app.Sync(cmd.Context()); err != nil {
			log.Warn("startup sync failed", zap.Error(err))
		}
	}
	return fn(cmd.Context(), &env{app: app, out: cmd.OutOrStdout()}, args)
}

const startupSync = "clinicbook/startup-sync"

// noStartupSync marks commands that manage syncing themselves or must see the queue as is.
func noStartupSync(cmd *cobra.Command) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[startupSync] = "skip"
	return cmd
}

func skipsStartupSync(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[startupSync] == "skip" {
			return true
		}
	}
	return false
}

// describe turns an error into the message shown to the user.
func describe(err error) string {
	var se *gateway.ServerError
	switch {
	case errors.As(err, &se) && se.Message != "":
		return se.Message
	case errors.Is(err, gateway.ErrTransport):
		return "network error, the server could not be reached"
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, service.ErrNotLoggedIn):
		return "not signed in, run: clinicbook login"
	}
	return err.Error()
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func render(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "nothing to show")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

// note reports where a result came from.
func note(w io.Writer, offline bool, seq int64) {
	switch {
	case offline && seq > 0:
		fmt.Fprintf(w, "saved offline, will sync (queued write #%d)\n", seq)
	case offline:
		fmt.Fprintln(w, "offline, showing cached data")
	}
}
