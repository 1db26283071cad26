package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	updater "github.com/luizv/polkadot-updater"
	"github.com/luizv/polkadot-updater/internal/history"
	"github.com/luizv/polkadot-updater/internal/metrics"
)

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "polkadot-updater",
		Short: "Unattended, safe upgrades for validator binaries",
		Long: `polkadot-updater performs one upgrade workflow per invocation: it checks
for a new eligible release, fetches and verifies it, swaps it in while the
validator services are stopped, restarts them, and confirms health. Any
failure after the stop phase restores the previous binaries automatically.

Examples:
  polkadot-updater run --config /etc/polkadot-updater/config.toml
  polkadot-updater status --config /etc/polkadot-updater/config.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "/etc/polkadot-updater/config.toml", "path to TOML config file")

	root.AddCommand(
		createRunCommand(flags),
		createStatusCommand(flags),
		createVersionCommand(),
	)
	return root
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform one update workflow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := updater.LoadConfig(flags.ConfigPath)
			if err != nil {
				// a config that parsed but failed validation may still
				// carry usable alert routes; tell someone before exiting
				updater.AlertConfigError(cfg, nil, err)
				return err
			}
			logger := cfg.Log.New()
			runner := updater.New(cfg, logger)
			runner.OnRollback(metrics.ObserveRollback)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, runErr := runner.Run(ctx)
			// recording must survive a canceled run context
			record(context.Background(), cfg, logger, res, runErr)
			return runErr
		},
	}
}

// record writes the run to the optional history database and metrics
// textfile. Both are best-effort and never change the exit code.
func record(ctx context.Context, cfg *updater.Config, logger *slog.Logger, res updater.Result, runErr error) {
	if cfg.History.Path != "" {
		if db, err := history.Open(ctx, cfg.History.Path); err != nil {
			logger.Warn("history database unavailable", "error", err)
		} else {
			e := history.Entry{
				StartedAt:    res.StartedAt,
				FinishedAt:   res.FinishedAt,
				PreviousTag:  res.PreviousTag,
				CandidateTag: res.CandidateTag,
				Outcome:      string(res.Outcome),
			}
			if runErr != nil {
				e.Error = runErr.Error()
			}
			if err := db.Record(ctx, e); err != nil {
				logger.Warn("history record failed", "error", err)
			}
			_ = db.Close()
		}
	}
	if cfg.Metrics.TextfilePath != "" {
		reg := metrics.Registry()
		metrics.ObserveRun(string(res.Outcome), float64(res.FinishedAt.Unix()), runErr == nil)
		if err := metrics.WriteTextfile(reg, cfg.Metrics.TextfilePath); err != nil {
			logger.Warn("metrics textfile write failed", "error", err)
		}
	}
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tracked release and unit states",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := updater.LoadConfig(flags.ConfigPath)
			if err != nil {
				return err
			}
			logger := cfg.Log.New()
			runner := updater.New(cfg, logger)

			rec, err := runner.Tracked()
			if err != nil {
				return err
			}
			fmt.Printf("tracked tag:     %s\n", orDash(rec.Tag))
			fmt.Printf("tracked version: %s\n", orDash(rec.Version))
			if !rec.UpdatedAt.IsZero() {
				fmt.Printf("updated at:      %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			}

			states := runner.UnitStates(cmd.Context())
			names := make([]string, 0, len(states))
			for n := range states {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Printf("unit %-40s %s\n", n, states[n])
			}

			if cfg.History.Path != "" {
				db, err := history.Open(cmd.Context(), cfg.History.Path)
				if err == nil {
					defer func() { _ = db.Close() }()
					entries, err := db.Recent(cmd.Context(), 5)
					if err == nil && len(entries) > 0 {
						fmt.Println("recent runs:")
						for _, e := range entries {
							fmt.Printf("  %s  %-11s %s -> %s\n",
								e.StartedAt.Format("2006-01-02 15:04"),
								e.Outcome, orDash(e.PreviousTag), orDash(e.CandidateTag))
						}
					}
				}
			}
			return nil
		},
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the updater version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
