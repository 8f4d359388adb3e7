package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"powerrail/internal/adapters"
	"powerrail/internal/config"
	"powerrail/internal/observability/metrics"
	"powerrail/internal/power/application"
	power "powerrail/internal/power/domain"
	powerhttp "powerrail/internal/power/interfaces/http"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, "powerrail:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case power.IsConfigurationError(err):
		return exitConfig
	default:
		return exitFailed
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "powerrail",
		Short: "Switch a power rail on and off from device activity",
		Long: `powerrail polls activity sources (media players, streaming clients,
database flags) and drives power sinks (smart plugs, CEC, PDUs, webhooks,
Kafka) on as soon as anything is active, and off after a quiet period.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), config.ResolvePath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $POWERRAIL_CONFIG or config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), config.ResolvePath(configPath))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the config and construct every adapter without running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateConfig(cmd, config.ResolvePath(configPath))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func runPipeline(parent context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.General.LogLevel, cfg.General.LogFormat)
	slog.SetDefault(logger)
	metrics.Init()

	builder := adapters.NewBuilder(adapters.WithLogger(logger))
	var built *adapters.Set
	build := func() ([]application.Source, []application.Sink, error) {
		set, err := builder.Build(cfg)
		if err != nil {
			return nil, nil, err
		}
		built = set
		return set.Sources, set.Sinks, nil
	}
	defer func() {
		if built == nil {
			return
		}
		if err := built.Close(); err != nil {
			logger.Warn("close sinks", "err", err)
		}
	}()

	supervisor, err := application.NewSupervisor(adapters.Settings(cfg), build, application.WithSupervisorLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.General.HTTPAddr != "" {
		handler, err := powerhttp.NewHandler(supervisor, logger)
		if err != nil {
			return err
		}
		server = &http.Server{
			Addr:              cfg.General.HTTPAddr,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http listening", "addr", cfg.General.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server", "err", err)
			}
		}()
	}

	logger.Info("powerrail starting", "version", version, "rail", cfg.General.Rail, "config", path,
		"quiet_period", cfg.General.QuietPeriod)
	runErr := supervisor.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("powerrail stopped")
	return nil
}

func validateConfig(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.General.LogLevel, cfg.General.LogFormat)
	set, err := adapters.NewBuilder(adapters.WithLogger(logger)).Build(cfg)
	if err != nil {
		return err
	}
	if err := set.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d sources, %d sinks)\n", path, len(set.Sources), len(set.Sinks))
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
