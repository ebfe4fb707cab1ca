package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/callscope/callscope/internal/agent"
	"github.com/callscope/callscope/internal/migrate"
	"github.com/callscope/callscope/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callscope",
		Short: "Call-trace session parser",
		Long: `callscope parses binary call-trace session files produced by
instrumented processes, reconstructs per-process module maps, and
streams function call events into the configured sinks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)
	cmd.Flags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	if err := cmd.MarkPersistentFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	cmd.AddCommand(versionCmd())
	cmd.AddCommand(migrateCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(ctx context.Context, m migrate.Migrator) error {
					return m.Up(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(ctx context.Context, m migrate.Migrator) error {
					return m.Down(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(ctx context.Context, m migrate.Migrator) error {
					v, dirty, err := m.Status(ctx)
					if err != nil {
						return err
					}

					fmt.Printf("version: %d dirty: %v\n", v, dirty)

					return nil
				})
			},
		},
	)

	return cmd
}

func withMigrator(fn func(context.Context, migrate.Migrator) error) error {
	log, cfg, err := setup()
	if err != nil {
		return err
	}

	if !cfg.Sinks.ClickHouse.Enabled {
		return fmt.Errorf("sinks.clickhouse must be enabled to migrate")
	}

	return fn(context.Background(), migrate.New(log, cfg.Sinks.ClickHouse.DSN()))
}

func setup() (*logrus.Logger, *agent.Config, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := agent.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	return log, cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	log, cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	a, err := agent.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	log.WithField("path", cfg.Input.Path).Info("Starting callscope")

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("parsing session: %w", err)
	}

	log.Info("Done")

	return nil
}
