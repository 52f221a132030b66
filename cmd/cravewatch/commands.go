package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/features"
	"cravewatch/internal/model"
	"cravewatch/internal/queue"
	"cravewatch/internal/report"
	"cravewatch/internal/simulator"
	"cravewatch/internal/tasks"
	"cravewatch/internal/training"
)

// localQueue opens the configured broker. With the in-memory driver nothing
// outside this process can consume it, so a worker is started alongside.
func (a *app) localQueue(ctx context.Context) (*queue.Client, func(), error) {
	cfg := a.cfg.Get()
	broker, err := queue.NewBroker(ctx, cfg.Queue, a.logger)
	if err != nil {
		return nil, nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	var done <-chan struct{}
	if strings.EqualFold(cfg.Queue.Driver, "memory") || cfg.Queue.Driver == "" {
		w := queue.NewWorker(broker, cfg.Worker, a.logger)
		tasks.NewRegistry(a.pipeline().engine, a.logger).Register(w)
		done = runWorker(wctx, w, nil)
	} else {
		closed := make(chan struct{})
		close(closed)
		done = closed
	}
	stop := func() {
		cancel()
		<-done
		_ = broker.Close()
	}
	return queue.NewClient(broker, cfg.Queue.ResultPoll), stop, nil
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	var (
		cycles     int
		consumerID int64
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate synthetic windows for a consumer and score each one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(root, "cravewatch-simulator")
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			if err := a.store.Init(ctx); err != nil {
				return err
			}
			client, stop, err := a.localQueue(ctx)
			if err != nil {
				return err
			}
			defer stop()

			cfg := a.cfg.Get().Simulator
			if consumerID > 0 {
				cfg.ConsumerID = consumerID
			}
			if interval > 0 {
				cfg.Interval = interval
			}
			return simulator.New(cfg, a.store, client, a.logger).Run(ctx, cycles)
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 0, "stop after this many windows (0 runs until interrupted)")
	cmd.Flags().Int64Var(&consumerID, "consumer-id", 0, "consumer to simulate (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between windows (default from config)")
	return cmd
}

func newPredictCmd(root *rootOptions) *cobra.Command {
	var (
		userID  int64
		wait    time.Duration
		vectors []string
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Enqueue predict_smoking_craving for a user and print the result",
		Example: `  cravewatch predict --user-id 1
  cravewatch predict --user-id 1 --feature hr_mean=96 --feature hr_std=4.2 ...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := tasks.PredictPayload{UserID: userID}
			if len(vectors) > 0 {
				values, err := parseFeatures(vectors)
				if err != nil {
					return err
				}
				payload.Features = values
			}
			a, err := openApp(root, "cravewatch")
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			if err := a.store.Init(ctx); err != nil {
				return err
			}
			client, stop, err := a.localQueue(ctx)
			if err != nil {
				return err
			}
			defer stop()

			ar, err := client.Delay(ctx, config.TaskPredict, payload)
			if err != nil {
				return err
			}
			var out model.PredictResult
			if _, err := ar.Get(ctx, wait, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user whose latest pending window is scored")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the result")
	cmd.Flags().StringArrayVar(&vectors, "feature", nil, "name=value; all 11 features must be given to bypass extraction")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func parseFeatures(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, apperr.Newf(apperr.CodeInvalidInput, "feature %q is not name=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, apperr.Newf(apperr.CodeInvalidInput, "feature %s: %v", name, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	if _, err := features.FromMap(out); err != nil {
		return nil, err
	}
	return out, nil
}

func newTrainCmd(root *rootOptions) *cobra.Command {
	var (
		seedSample bool
		consumerID int64
		outputDir  string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the logistic regression artifact from labelled windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(root, "cravewatch-trainer")
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			if err := a.store.Init(ctx); err != nil {
				return err
			}
			cfg := a.cfg.Get().Training
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			if seedSample {
				res, err := training.SeedSampleData(ctx, a.store, consumerID, time.Now().UTC(), uint64(cfg.Seed))
				if err != nil {
					return err
				}
				a.logger.Info("sample data created",
					zap.Int64("consumer_id", consumerID),
					zap.Int("windows", res.Windows),
					zap.Int("readings", res.Readings),
					zap.Int("high_urge", res.HighUrge),
				)
			}
			rep, err := training.NewTrainer(a.store, cfg, a.logger).Train(ctx)
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
	cmd.Flags().BoolVar(&seedSample, "seed-sample", false, "insert synthetic labelled windows before training")
	cmd.Flags().Int64Var(&consumerID, "consumer-id", 1, "consumer that owns the sample windows")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "artifact directory (default from config)")
	return cmd
}

func newExportCmd(root *rootOptions) *cobra.Command {
	var (
		out        string
		consumerID int64
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write windows, features and analyses to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(root, "cravewatch")
			if err != nil {
				return err
			}
			defer a.Close()
			sum, err := report.Export(cmd.Context(), a.store, consumerID, out)
			if err != nil {
				return err
			}
			a.logger.Info("report written",
				zap.String("path", out),
				zap.Int("windows", sum.Windows),
				zap.Int("analyses", sum.Analyses),
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "cravewatch_report.xlsx", "output file")
	cmd.Flags().Int64Var(&consumerID, "consumer-id", 0, "only this consumer (0 exports all)")
	return cmd
}

func newInitDBCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(root, "cravewatch")
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Init(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("schema ready", zap.String("driver", a.cfg.Get().Storage.Driver))
			return nil
		},
	}
}

func newConsumerCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Manage monitored consumers",
	}

	var c model.Consumer
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a consumer for a user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(root, "cravewatch")
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Init(cmd.Context()); err != nil {
				return err
			}
			created, err := a.store.CreateConsumer(cmd.Context(), c)
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	add.Flags().Int64Var(&c.UserID, "user-id", 0, "external user id")
	add.Flags().StringVar(&c.Name, "name", "", "display name")
	add.Flags().StringVar(&c.Email, "email", "", "contact email")
	_ = add.MarkFlagRequired("user-id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List consumers with window, analysis and notification counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(root, "cravewatch")
			if err != nil {
				return err
			}
			defer a.Close()
			consumers, err := a.store.ListConsumers(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			byID := make(map[int64]model.ConsumerStats, len(stats))
			for _, s := range stats {
				byID[s.ConsumerID] = s
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tNAME\tWINDOWS\tANALYSES\tNOTIFICATIONS")
			for _, c := range consumers {
				s := byID[c.ID]
				fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d\n", c.ID, c.UserID, c.Name, s.Windows, s.Analyses, s.Notifications)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
