package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/version"
	"pkt.systems/txnd/lockstore"
	lsmemory "pkt.systems/txnd/lockstore/memory"
	lspostgres "pkt.systems/txnd/lockstore/postgres"
)

const (
	defaultStore         = "mem://"
	defaultSweepInterval = time.Minute
	defaultMetricsListen = ""
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TXND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "txnd")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd := newRootCommand(baseLogger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "txnd",
		Short:         "transaction coordination maintenance daemon",
		Version:       version.Current(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfigFile(); err != nil {
				return err
			}
			logger := baseLogger
			if levelStr := strings.TrimSpace(viper.GetString("log-level")); levelStr != "" {
				level, ok := pslog.ParseLevel(levelStr)
				if !ok {
					return fmt.Errorf("invalid log level %q", levelStr)
				}
				logger = logger.LogLevel(level)
			}
			cfg := daemonConfig{
				Store:         viper.GetString("store"),
				SweepInterval: viper.GetDuration("sweep-interval"),
				MetricsListen: viper.GetString("metrics-listen"),
				EnsureSchema:  viper.GetBool("ensure-schema"),
			}
			return runDaemon(cmd.Context(), cfg, logger)
		},
	}

	flags := root.Flags()
	flags.String("config", "", "optional YAML config file")
	flags.String("store", defaultStore, "lock store: mem:// or a postgres DSN")
	flags.Duration("sweep-interval", defaultSweepInterval, "how often expired lock entries are swept")
	flags.String("metrics-listen", defaultMetricsListen, "Prometheus metrics endpoint (empty disables)")
	flags.Bool("ensure-schema", false, "create the postgres lock table on startup")
	flags.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")

	if err := bindFlags(root); err != nil {
		panic(err)
	}
	return root
}

func bindFlags(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	viper.SetEnvPrefix("TXND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return bindErr
}

func loadConfigFile() error {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

type daemonConfig struct {
	Store         string
	SweepInterval time.Duration
	MetricsListen string
	EnsureSchema  bool
}

func runDaemon(ctx context.Context, cfg daemonConfig, logger pslog.Logger) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	telemetry, err := setupTelemetry(cfg.MetricsListen, logger.With("svc", "telemetry"))
	if err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	logger.Info("txnd.daemon.started",
		"store", cfg.Store,
		"sweep_interval", interval.String(),
		"metrics_listen", cfg.MetricsListen,
	)

	sweeper, sweepable := store.(lockstore.Sweeper)
	if !sweepable {
		logger.Info("txnd.sweep.unsupported", "store", cfg.Store)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("txnd.daemon.stopped")
			return nil
		case <-ticker.C:
			if !sweepable {
				continue
			}
			removed, sweepErr := sweeper.RemoveExpired(ctx)
			if sweepErr != nil {
				if errors.Is(sweepErr, context.Canceled) {
					continue
				}
				logger.Warn("txnd.sweep.failed", "error", sweepErr)
				continue
			}
			if removed > 0 {
				logger.Info("txnd.sweep.removed", "count", removed)
			}
		}
	}
}

func openStore(ctx context.Context, cfg daemonConfig) (lockstore.Store, error) {
	switch {
	case cfg.Store == "" || cfg.Store == "mem://":
		return lsmemory.New(), nil
	case strings.HasPrefix(cfg.Store, "postgres://"), strings.HasPrefix(cfg.Store, "postgresql://"):
		return lspostgres.New(ctx, lspostgres.Config{
			DSN:          cfg.Store,
			EnsureSchema: cfg.EnsureSchema,
		})
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}
