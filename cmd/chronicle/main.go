package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/chronicle/internal/config"
	"github.com/rzbill/chronicle/internal/relay"
	"github.com/rzbill/chronicle/internal/runtime"
	httpserver "github.com/rzbill/chronicle/internal/server/http"
	pebblestore "github.com/rzbill/chronicle/internal/storage/pebble"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Chronicle event log CLI",
		Long:  "Chronicle is an event-sourced log with time travel, subscriptions, and change-data-capture. This CLI manages the server.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the chronicle server",
		Aliases: []string{"run"},
		RunE:    runServer,
	}
	serverStartCmd.Flags().String("config", "", "config file path (json or yaml)")
	serverStartCmd.Flags().String("data-dir", "", "data directory (empty keeps the log in memory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address")
	serverStartCmd.Flags().String("fsync", "", "fsync mode: always|interval|never")
	serverStartCmd.Flags().String("nats-url", "", "NATS URL for the event relay")
	serverStartCmd.Flags().String("log-level", "", "log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "log format: json|text")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("chronicle", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfgpkg.FromEnv(&cfg)
	overlayFlags(cmd, &cfg)

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	mode, err := fsyncMode(cfg.Fsync)
	if err != nil {
		return err
	}

	var pub relay.Publisher
	if cfg.NATSURL != "" {
		natsPub, err := relay.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connecting relay: %w", err)
		}
		pub = natsPub
	}

	rt, err := runtime.Open(runtime.Options{
		DataDir:   cfg.DataDir,
		Fsync:     mode,
		Config:    cfg,
		Logger:    logger,
		Publisher: pub,
	})
	if err != nil {
		return fmt.Errorf("opening runtime: %w", err)
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("server.starting",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("fsync", cfg.Fsync))

	srv := httpserver.New(rt)
	defer srv.Close()
	if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server.stopped")
	return nil
}

func overlayFlags(cmd *cobra.Command, cfg *cfgpkg.Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("http"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("fsync"); v != "" {
		cfg.Fsync = v
	}
	if v, _ := cmd.Flags().GetString("nats-url"); v != "" {
		cfg.NATSURL = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
}

func buildLogger(cfg cfgpkg.Config) (logpkg.Logger, error) {
	level, err := logpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	var formatter logpkg.Formatter = &logpkg.JSONFormatter{}
	if cfg.LogFormat == "text" {
		formatter = &logpkg.TextFormatter{}
	}
	return logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(formatter),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	), nil
}

func fsyncMode(s string) (pebblestore.FsyncMode, error) {
	switch s {
	case "always":
		return pebblestore.FsyncModeAlways, nil
	case "", "interval":
		return pebblestore.FsyncModeInterval, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	default:
		return 0, fmt.Errorf("invalid fsync mode %q; use always|interval|never", s)
	}
}
