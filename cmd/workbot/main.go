package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"workbot/internal/app"
	"workbot/internal/config"
	"workbot/internal/storage"
	logx "workbot/pkg/logx"
	"workbot/plugins/worktime"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "workbot",
		Short:         "Discord work-session and community bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")

	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newCheckConfigCmd(&cfgPath))
	root.AddCommand(newStatsCmd(&cfgPath))
	root.AddCommand(newRankingCmd(&cfgPath))
	return root
}

func loadConfig(path string) (*config.ConfigManager, *config.Config, error) {
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfgm, cfg, nil
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and run until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgm, _, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return app.Run(ctx, cfgm, app.Options{})
		},
	}
}

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			var on []string
			for name, enabled := range map[string]bool{
				"worktime": cfg.WorkTime.Enabled,
				"bump":     cfg.Bump.Enabled,
				"intro":    cfg.Intro.Enabled,
				"recruit":  cfg.Recruit.Enabled,
			} {
				if enabled {
					on = append(on, name)
				}
			}
			driver := "none"
			if cfg.Storage != nil && cfg.Storage.Driver != "" {
				driver = cfg.Storage.Driver
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d feature(s) enabled, storage=%s\n", len(on), driver)
			return nil
		},
	}
}

// openStore opens the configured store for offline queries.
func openStore(cfgPath string) (*config.Config, storage.Store, error) {
	_, cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("WARN"))
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, fmt.Errorf("storage is disabled in %s", cfgPath)
	}
	return cfg, st, nil
}

func newStatsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <user-id>",
		Short: "Print a user's accumulated work time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			total, err := st.Total(ctx, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], worktime.FormatDuration(total))
			return nil
		},
	}
}

func newRankingCmd(cfgPath *string) *cobra.Command {
	var (
		period string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "ranking",
		Short: "Print the work time ranking",
		RunE: func(cmd *cobra.Command, _ []string) error {
			period = strings.ToLower(strings.TrimSpace(period))
			switch period {
			case worktime.PeriodAll, worktime.PeriodWeek, worktime.PeriodMonth:
			default:
				return fmt.Errorf("unknown period %q (want all, week or month)", period)
			}
			cfg, st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			loc, err := app.LoadLocation(cfg.WorkTime.Timezone)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			rows, err := st.TopN(ctx, limit, worktime.WindowStart(period, time.Now(), loc))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				_, _ = fmt.Fprintln(out, "no records")
				return nil
			}
			for i, r := range rows {
				_, _ = fmt.Fprintf(out, "%2d. %s  %s\n", i+1, r.UserID, worktime.FormatDuration(r.Seconds))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", worktime.PeriodAll, "all, week or month")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of rows")
	return cmd
}
