package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tomyedwab/relay/access"
	"github.com/tomyedwab/relay/audit"
	"github.com/tomyedwab/relay/config"
	"github.com/tomyedwab/relay/metrics"
	"github.com/tomyedwab/relay/ratelimit"
	"github.com/tomyedwab/relay/relay"
	"github.com/tomyedwab/relay/server"
	"github.com/tomyedwab/relay/store"
	"github.com/tomyedwab/relay/subscriptions"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	auditRetention  = 90 * 24 * time.Hour
)

var (
	envFile string
	dataDir string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Whitelisted Nostr relay",
		Long:         `A Nostr relay that stores signed events in SQLite and only accepts writes from allow-listed public keys.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&envFile, "env", "e", "", "path to a .env file (default .env when present)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "SQLite data directory (overrides SQLITE_DATA_DIR)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		allowCmd(),
		auditCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	var cfg config.Config
	if envFile != "" {
		cfg = config.Load(envFile)
	} else {
		cfg = config.Load()
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg
}

func serveCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}
			logger := setupLogger(verbose, cfg.LogLevel)
			defer logger.Sync()

			st, err := store.Open(cfg.DataDir, logger.Named("store"),
				store.WithQueryLimits(cfg.QueryDefaultLimit, cfg.QueryMaxLimit))
			if err != nil {
				return err
			}
			defer st.Close()

			auditLog, err := audit.NewLogger(st.DB())
			if err != nil {
				return fmt.Errorf("failed to initialize audit log: %w", err)
			}
			if n, err := auditLog.DeleteOldEvents(auditRetention); err != nil {
				logger.Warn("Failed to prune audit log", zap.Error(err))
			} else if n > 0 {
				logger.Info("Pruned audit log", zap.Int64("deleted", n))
			}

			limiter := ratelimit.New(ratelimit.Config{
				MaxConnections:  cfg.MaxConnectionsPerIP,
				EventsPerWindow: cfg.EventsPerWindow,
				Window:          cfg.EventWindow,
			})
			defer limiter.Stop()

			m := metrics.New(nil)
			gate := access.NewGate(cfg.WhitelistPubkeys, cfg.AdminPubkeys, st, logger.Named("access"))
			registry := subscriptions.NewRegistry(logger.Named("subscriptions"))
			rl := relay.New(st, gate, limiter, registry, m, logger.Named("relay"), relay.Options{
				MaxMessageBytes: cfg.MaxMessageBytes,
			})
			srv := server.New(cfg, version, rl, st, gate, auditLog, m, logger.Named("http"))

			if gate.OpenMode() {
				logger.Warn("No whitelist configured, accepting events from every pubkey")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down relay")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Unclean shutdown", zap.Error(err))
			}
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "bind address (overrides HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORT)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s\n", version)
		},
	}
}

func setupLogger(verbose bool, level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := zcfg.Build()
	return logger
}
