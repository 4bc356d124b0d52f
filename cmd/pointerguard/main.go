package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pointerguard/pkg/auth"
	"pointerguard/pkg/control"
	"pointerguard/pkg/ingest"
	"pointerguard/pkg/lifecycle"
	otelobs "pointerguard/pkg/observability/otel"
	"pointerguard/pkg/scoring"
	"pointerguard/pkg/store"
	"pointerguard/pkg/structlog"
	"pointerguard/shared/config"
	"pointerguard/shared/types"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "pointerguard",
		Short:         "Pointer behaviour anomaly detector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", config.Get("POINTERGUARD_CONFIG", ""), "YAML config path")

	load := func() (*config.Config, *structlog.Logger, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		return cfg, structlog.New("pointerguard", cfg.LogLevel, os.Stderr), nil
	}

	root.AddCommand(
		daemonCmd(load),
		ingestCmd(load),
		trainCmd(load),
		scoreCmd(load),
		migrateCmd(load),
		tokenCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("pointerguard %s (%s)\n", version, commit)
			},
		},
	)

	if err := root.Execute(); err != nil {
		structlog.New("pointerguard", "error", os.Stderr).Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

type loader func() (*config.Config, *structlog.Logger, error)

func withSignals() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func daemonCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Score monitored identities continuously and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()

			if cfg.Tracing.Enabled {
				shutdown, err := otelobs.InitTracer(ctx, "pointerguard", cfg.Tracing.Endpoint)
				if err != nil {
					log.Warn().Err(err).Msg("tracing disabled")
				}
				defer func() { _ = shutdown(context.Background()) }()
			}

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			manager := newManager(cfg, s, log)
			esc, closeChannels := newEscalator(cfg, s, log)
			defer closeChannels()
			control.ResetOnRetrain(manager, esc)

			lc, err := loopConfig(cfg)
			if err != nil {
				return err
			}
			engine := scoring.NewEngine(manager, cfg.Detection.AnomalyThreshold, log)
			supervisor := scoring.NewSupervisor(engine, s, s, esc, lc, log)
			defer supervisor.StopAll()

			dispatcher := control.NewDispatcher(manager, esc, supervisor, cancel, log)
			go func() { _ = dispatcher.Run(ctx) }()

			for _, id := range cfg.Scoring.Identities {
				if _, err := dispatcher.Submit(ctx, control.Command{Kind: control.CmdStartMonitor, IdentityID: id, Operator: "config"}); err != nil {
					log.ForIdentity(id).Error().Err(err).Msg("cannot monitor identity")
				}
			}

			if cfg.Training.RetrainSchedule != "" {
				sched, err := control.NewScheduler(cfg.Training.RetrainSchedule, dispatcher, supervisor, log)
				if err != nil {
					return err
				}
				go func() { _ = sched.Run(ctx) }()
			}

			deps := control.Deps{
				Log:        log,
				Dispatcher: dispatcher,
				Alerts:     esc,
				Monitor:    supervisor,
				Audit:      s,
				Ingest:     ingest.NewPipeline(newExtractor(cfg), s, ingest.Options{}, log),
			}
			if cfg.Server.JWTSecret != "" {
				jm, err := newJWTManager(cfg)
				if err != nil {
					return err
				}
				deps.Auth = auth.NewMiddleware(jm, "/healthz", "/metrics")
			} else {
				log.Warn().Msg("server.jwt_secret not set; control API is unauthenticated")
			}
			err = control.NewServer(deps, control.Config{Addr: cfg.Server.Addr}).Run(ctx)

			supervisor.StopAll()
			closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Alerting.DispatchTimeout()+time.Second)
			defer closeCancel()
			if cerr := esc.Close(closeCtx); cerr != nil {
				log.Warn().Err(cerr).Msg("alert deliveries still running at shutdown")
			}
			return err
		},
	}
}

func newJWTManager(cfg *config.Config) (*auth.JWTManager, error) {
	jc := auth.JWTConfig{Secret: cfg.Server.JWTSecret}
	if cfg.Storage.RedisAddr != "" {
		jc.RevokedTokenStore = auth.NewRedisRevokedStore(cfg.Storage.RedisAddr, cfg.Storage.RedisDB)
	}
	return auth.NewJWTManager(jc)
}

func ingestCmd(load loader) *cobra.Command {
	var (
		population   bool
		format       string
		windowEvents int
		windowStride int
	)
	c := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Extract feature vectors from recorded JSONL or CSV event files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if windowEvents == 0 {
				windowEvents, windowStride = cfg.Extraction.WindowEvents, cfg.Extraction.WindowStride
			}
			p := ingest.NewPipeline(newExtractor(cfg), s, ingest.Options{
				Population:   population,
				WindowEvents: windowEvents,
				WindowStride: windowStride,
			}, log)

			var total ingest.Result
			for _, path := range args {
				f := ingest.Format(format)
				if f == "" {
					f = ingest.DetectFormat(path)
				}
				events, err := readFile(path, f)
				if err != nil {
					return err
				}
				res, err := p.Run(ctx, events)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				total.Sessions += res.Sessions
				total.Vectors += res.Vectors
				total.Failed += res.Failed
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(total)
		},
	}
	c.Flags().BoolVar(&population, "population", false, "store every session in the shared negative pool")
	c.Flags().StringVar(&format, "format", "", "jsonl or csv (default: from file extension)")
	c.Flags().IntVar(&windowEvents, "window", 0, "events per window; 0 extracts one vector per session")
	c.Flags().IntVar(&windowStride, "stride", 0, "events between window starts (default: window)")
	return c
}

func readFile(path string, f ingest.Format) ([]types.RawEvent, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	events, err := ingest.Read(fh, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

func trainCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "train IDENTITY...",
		Short: "Train and publish a model per identity",
		Long: `Train and publish a model per identity.

A running daemon keeps its loaded model and the identity's alert state until
it restarts. Retrain through the daemon's /v1/commands endpoint (or
POST /v1/identities/{id}/retrain) to publish the model live and reset alert
state.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			m := newManager(cfg, s, log)
			enc := json.NewEncoder(cmd.OutOrStdout())
			var failed []error
			for _, id := range args {
				art, err := m.Train(ctx, id)
				if err != nil {
					if !errors.Is(err, lifecycle.ErrInsufficientData) {
						return err
					}
					failed = append(failed, err)
					continue
				}
				_ = enc.Encode(map[string]any{
					"identity_id":       art.IdentityID,
					"version":           art.Version,
					"sample_counts":     art.SampleCounts,
					"negative_source":   art.NegativeSource,
					"validation_metric": art.ValidationMetric,
				})
			}
			return errors.Join(failed...)
		},
	}
}

type printSink struct{ enc *json.Encoder }

func (p printSink) Handle(_ context.Context, rec types.ScoreRecord) { _ = p.enc.Encode(rec) }

func scoreCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "score IDENTITY",
		Short: "Score every unscored vector of an identity once and print the records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			lc, err := loopConfig(cfg)
			if err != nil {
				return err
			}
			engine := scoring.NewEngine(newManager(cfg, s, log), cfg.Detection.AnomalyThreshold, log)
			loop := scoring.NewLoop(args[0], engine, s, s, printSink{enc: json.NewEncoder(cmd.OutOrStdout())}, lc, log)
			for {
				n, err := loop.Poll(ctx)
				if err != nil {
					return err
				}
				if n < lc.BatchSize {
					return nil
				}
			}
		},
	}
}

func migrateCmd(load loader) *cobra.Command {
	var down bool
	c := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if cfg.Storage.PostgresDSN == "" {
				return errors.New("storage.postgres_dsn is required")
			}
			ctx, cancel := withSignals()
			defer cancel()
			if err := store.Migrate(ctx, cfg.Storage.PostgresDSN, !down); err != nil {
				return err
			}
			log.Info().Bool("down", down).Msg("migrations applied")
			return nil
		},
	}
	c.Flags().BoolVar(&down, "down", false, "roll every migration back")
	return c
}

func tokenCmd(load loader) *cobra.Command {
	var (
		operatorName string
		roles        []string
	)
	c := &cobra.Command{
		Use:   "token",
		Short: "Issue a control API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			jm, err := newJWTManager(cfg)
			if err != nil {
				return err
			}
			token, _, err := jm.Issue(operatorName, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	c.Flags().StringVar(&operatorName, "operator", "", "operator name")
	c.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "roles to grant (operator, viewer)")
	_ = c.MarkFlagRequired("operator")
	return c
}
