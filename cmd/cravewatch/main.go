package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cravewatch/internal/alerts"
	"cravewatch/internal/config"
	"cravewatch/internal/engine"
	"cravewatch/internal/logging"
	"cravewatch/internal/metrics"
	"cravewatch/internal/notify"
	"cravewatch/internal/predictor"
	"cravewatch/internal/storage"
)

var version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "cravewatch",
		Short:         "Smoking craving prediction from wearable sensor windows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CRAVEWATCH_CONFIG"), "YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level from the config")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newSimulateCmd(opts),
		newPredictCmd(opts),
		newTrainCmd(opts),
		newExportCmd(opts),
		newInitDBCmd(opts),
		newConsumerCmd(opts),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what every command needs: configuration, a logger and an
// initialised store.
type app struct {
	cfg    *config.Manager
	logger *zap.Logger
	store  storage.Store
}

func openApp(opts *rootOptions, service string) (*app, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, err
	}
	mgr, err := config.NewManager(config.ResolvePath(opts.configPath))
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger, err := logging.NewLogger(level, cfg.LogFormat, service)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &app{cfg: mgr, logger: logger, store: store}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// pipeline is the scoring stack shared by serve and the in-process worker
// of simulate and predict.
type pipeline struct {
	engine  *engine.Engine
	metrics *metrics.Store
	alerts  *alerts.Store
}

func (a *app) pipeline() *pipeline {
	cfg := a.cfg.Get()
	metricsStore := metrics.NewStore(cfg.Metrics.StoreLimit)
	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	pred := predictor.New(cfg.Model.Path, a.logger)
	notifier := notify.New(cfg, a.store, alertsStore, a.logger)
	return &pipeline{
		engine:  engine.NewEngine(cfg, a.logger, a.store, pred, notifier, metricsStore),
		metrics: metricsStore,
		alerts:  alertsStore,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
