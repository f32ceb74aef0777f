package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/config"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/tui"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay offline writes and refresh the local store",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, e *env, _ []string) error {
			if !e.app.Monitor.Online() {
				return fmt.Errorf("cannot sync: %w", gateway.ErrOffline)
			}
			before, err := e.app.QueueDepth(ctx)
			if err != nil {
				return err
			}
			syncErr := e.app.Sync(ctx)
			after, err := e.app.QueueDepth(ctx)
			if err != nil {
				return err
			}
			if before > 0 {
				fmt.Fprintf(e.out, "replayed %d of %d queued writes\n", before-after, before)
			}
			if syncErr != nil {
				return syncErr
			}
			if st := e.app.Resyncer.Last(); st != nil {
				fmt.Fprintf(e.out, "local store holds %d clinics, %d expenses, %d payments\n", st.Clinics, st.Expenses, st.Payments)
			}
			return nil
		}),
	}
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect writes waiting to be replayed",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued writes in replay order",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, e *env, _ []string) error {
			pending, err := e.app.Gateway.Queue().Pending(ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(pending))
			for _, m := range pending {
				rows = append(rows, []string{
					fmt.Sprint(m.Seq), m.HTTPMethod, m.URL, string(m.TargetStore),
					m.EnqueuedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			render(e.out, []string{"Seq", "Method", "URL", "Store", "Queued"}, rows)
			return nil
		}),
	}

	var yes bool
	drop := &cobra.Command{
		Use:   "drop SEQ",
		Short: "Discard a queued write the server keeps rejecting",
		Long: "Discard a queued write. Replay stops at the first write the server rejects, so a\n" +
			"write that can never succeed holds back everything after it until it is dropped.",
		Args: cobra.ExactArgs(1),
	}
	drop.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	drop.RunE = withApp(func(ctx context.Context, e *env, args []string) error {
		var seq int64
		if _, err := fmt.Sscan(args[0], &seq); err != nil {
			return fmt.Errorf("invalid sequence number %q", args[0])
		}
		if !yes {
			return errors.New("dropping a write loses it for good; rerun with --yes")
		}
		if err := e.app.Gateway.Queue().Remove(ctx, seq); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "dropped write #%d\n", seq)
		return nil
	})

	cmd.AddCommand(list, drop)
	return cmd
}

func newWatchCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing in the background and show its state",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runWith(cmd, args, true, func(ctx context.Context, e *env, _ []string) error {
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", e.app.Metrics.Handler())
				hs := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						e.app.Log.Warn("metrics listener stopped", zap.Error(err))
					}
				}()
				defer hs.Close()
			}
			e.app.Start(ctx)
			p := tea.NewProgram(tui.New(ctx, e.app, 0), tea.WithAltScreen(), tea.WithContext(ctx))
			_, err := p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
	}
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return config.Encode(cmd.OutOrStdout(), cfg)
		},
	}
	var baseURL string
	save := &cobra.Command{
		Use:   "save",
		Short: "Write the effective configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if baseURL != "" {
				cfg.Server.BaseURL = baseURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration saved")
			return nil
		},
	}
	save.Flags().StringVar(&baseURL, "server", "", "server base URL")
	cmd.AddCommand(save)
	return cmd
}
