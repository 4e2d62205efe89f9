// Package main provides the migrator binary entry point.
// Migrator turns low-code application repositories into production
// backend services through a fixed migration pipeline, coordinated
// over NATS JetStream.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/migrator/llm/providers"

	"github.com/c360studio/migrator/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "migrator"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "migrator",
		Short: "Low-code to production backend migration pipeline",
		Long: `Migrator converts low-code application repositories into production
backend services.

Each job runs a fixed pipeline: clone both repositories, extract the UI
contract, design the database schema and API, generate the backend,
add async scaffolding, wire the frontend, verify the result, and open
a pull request against the target repository.

Jobs are durable NATS JetStream records; workers coordinate through
leases so any number of processes can share the queue.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(workerCmd(&configPath, &logLevel))
	cmd.AddCommand(sweepCmd(&configPath, &logLevel))
	cmd.AddCommand(submitCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(listCmd())
	cmd.AddCommand(artifactsCmd(&configPath, &logLevel))
	cmd.AddCommand(cancelCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	var embeddedNATS bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, workers, and sweeper in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if embeddedNATS {
				cfg.NATS.Embedded = true
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			printBanner()
			return newApp(cfg, logger).runServe(ctx)
		},
	}

	cmd.Flags().BoolVar(&embeddedNATS, "embedded-nats", false, "Start an in-process JetStream server instead of connecting to nats.url")
	return cmd
}

func workerCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run pipeline workers and the sweeper against an external NATS server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if cfg.NATS.Embedded {
				return fmt.Errorf("worker mode needs a shared NATS server; unset nats.embedded")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return newApp(cfg, logger).runWorker(ctx)
		},
	}
}

func sweepCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep pass, re-enqueueing stalled stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if cfg.NATS.Embedded {
				return fmt.Errorf("sweep needs the shared NATS server the workers use; unset nats.embedded")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return newApp(cfg, logger).runSweep(ctx)
		},
	}
}

// setup loads configuration and builds the process logger. A .env file
// in the working directory is folded into the environment first, so
// user config, project config, the --config file, env overrides, and
// flags layer in that order.
func setup(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.NewLoader(nil).Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return cfg, logger, nil
}

func printBanner() {
	fmt.Printf("%s v%s - low-code to production backend pipeline\n", appName, Version)
}
