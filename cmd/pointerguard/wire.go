package main

import (
	"context"
	"fmt"

	"pointerguard/pkg/audit"
	"pointerguard/pkg/escalation"
	"pointerguard/pkg/lifecycle"
	"pointerguard/pkg/ml"
	"pointerguard/pkg/notify"
	"pointerguard/pkg/platform"
	"pointerguard/pkg/scoring"
	"pointerguard/pkg/store"
	"pointerguard/pkg/structlog"
	"pointerguard/shared/config"
)

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		base store.Store
		err  error
	)
	switch cfg.Storage.Backend {
	case "bolt":
		base, err = store.OpenBolt(cfg.Storage.Path)
	case "postgres":
		base, err = store.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
	case "memory":
		base = store.NewMemoryStore()
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Storage.ModelStore == "redis" {
		models, err := store.NewRedisModelStore(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisDB)
		if err != nil {
			_ = base.Close()
			return nil, err
		}
		base = store.WithModelStore(base, models)
	}
	return store.WithTimeout(base, cfg.Storage.Timeout()), nil
}

func newExtractor(cfg *config.Config) *ml.Extractor {
	x := cfg.Extraction
	return ml.NewExtractor(ml.ExtractorConfig{
		MinEvents:     x.MinEvents,
		TimingCutoff:  x.TimingCutoff,
		DragThreshold: x.DragThreshold,
		Envelope: ml.Envelope{
			MinX: x.ScreenMinX, MinY: x.ScreenMinY,
			MaxX: x.ScreenMaxX, MaxY: x.ScreenMaxY,
		},
		RollingWindows:     x.RollingWindows,
		StraightnessWindow: x.StraightnessWindow,
	})
}

func newManager(cfg *config.Config, s store.Store, log *structlog.Logger) *lifecycle.Manager {
	t := cfg.Training
	return lifecycle.NewManager(lifecycle.Config{
		MinSamplesPerClass: t.MinTrainingSamplesPerClass,
		NegativeSampleCap:  t.NegativeSampleCap,
		Forest: ml.ForestConfig{
			NumTrees: t.Trees,
			MaxDepth: t.MaxDepth,
			MinLeaf:  t.MinLeaf,
			Seed:     t.Seed,
		},
	}, s, s, log)
}

func loopConfig(cfg *config.Config) (scoring.LoopConfig, error) {
	policy, err := scoring.ParsePolicy(cfg.Detection.NoModelPolicy)
	if err != nil {
		return scoring.LoopConfig{}, err
	}
	return scoring.LoopConfig{
		Interval:  cfg.Scoring.PollInterval(),
		BatchSize: cfg.Scoring.BatchSize,
		Policy:    policy,
	}, nil
}

// notifiers builds the channel chain strongest first. The log channel is
// always appended last so a dispatch can never be lost entirely.
func notifiers(cfg *config.Config, log *structlog.Logger) ([]notify.Notifier, func()) {
	var (
		out     []notify.Notifier
		closers []func() error
	)
	for _, ch := range cfg.Alerting.Channels {
		switch ch {
		case "desktop":
			d := notify.NewDesktopNotifier("pointerguard")
			closers = append(closers, d.Close)
			out = append(out, d)
		case "webhook":
			out = append(out, notify.NewWebhookNotifier(cfg.Alerting.WebhookURL))
		}
	}
	out = append(out, notify.NewLogNotifier(log))
	return out, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func newController(cfg *config.Config, log *structlog.Logger) platform.Controller {
	if cfg.Alerting.DryRun {
		return platform.NewDryRunController(log)
	}
	return platform.NewLogin1Controller("")
}

func newEscalator(cfg *config.Config, s store.Store, log *structlog.Logger) (*escalation.Escalator, func()) {
	chain, closeChain := notifiers(cfg, log)
	esc := escalation.New(escalation.Config{
		NotifyThreshold: cfg.Detection.NotifyThreshold,
		LockThreshold:   cfg.Detection.LockThreshold,
		Cooldown:        cfg.Alerting.Cooldown(),
		Countdown:       cfg.Alerting.Countdown(),
		ForceLogout:     cfg.Alerting.ForceLogoutEnabled,
		DispatchTimeout: cfg.Alerting.DispatchTimeout(),
	}, chain, newController(cfg, log), audit.NewRecorder(s), log)
	return esc, closeChain
}
