package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Config is the full daemon configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Detection  DetectionConfig  `yaml:"detection"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Training   TrainingConfig   `yaml:"training"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// DetectionConfig holds score thresholds. AnomalyThreshold and LockThreshold
// have no defaults and must be configured.
type DetectionConfig struct {
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`
	NotifyThreshold  float64 `yaml:"notify_threshold"`
	LockThreshold    float64 `yaml:"lock_threshold"`
	// NoModelPolicy is one of skip, allow, deny.
	NoModelPolicy string `yaml:"no_model_policy"`
}

type AlertingConfig struct {
	AlertCooldownSeconds   int      `yaml:"alert_cooldown_seconds"`
	CountdownSeconds       int      `yaml:"countdown_seconds"`
	ForceLogoutEnabled     bool     `yaml:"force_logout_enabled"`
	DispatchTimeoutSeconds int      `yaml:"dispatch_timeout_seconds"`
	Channels               []string `yaml:"channels"`
	WebhookURL             string   `yaml:"webhook_url"`
	DryRun                 bool     `yaml:"dry_run"`
}

type TrainingConfig struct {
	MinTrainingSamplesPerClass int    `yaml:"min_training_samples_per_class"`
	NegativeSampleCap          int    `yaml:"negative_sample_cap"`
	Trees                      int    `yaml:"trees"`
	MaxDepth                   int    `yaml:"max_depth"`
	MinLeaf                    int    `yaml:"min_leaf"`
	Seed                       int64  `yaml:"seed"`
	RetrainSchedule            string `yaml:"retrain_schedule"`
}

type ScoringConfig struct {
	ScoringPollIntervalSeconds int      `yaml:"scoring_poll_interval_seconds"`
	BatchSize                  int      `yaml:"batch_size"`
	Identities                 []string `yaml:"identities"`
}

type ExtractionConfig struct {
	MinEvents          int     `yaml:"min_events"`
	TimingCutoff       float64 `yaml:"timing_cutoff"`
	DragThreshold      float64 `yaml:"drag_threshold"`
	ScreenMinX         float64 `yaml:"screen_min_x"`
	ScreenMinY         float64 `yaml:"screen_min_y"`
	ScreenMaxX         float64 `yaml:"screen_max_x"`
	ScreenMaxY         float64 `yaml:"screen_max_y"`
	RollingWindows     []int   `yaml:"rolling_windows"`
	StraightnessWindow int     `yaml:"straightness_window"`
	WindowEvents       int     `yaml:"window_events"`
	WindowStride       int     `yaml:"window_stride"`
}

type StorageConfig struct {
	// Backend is one of bolt, postgres, memory.
	Backend        string `yaml:"backend"`
	Path           string `yaml:"path"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	ModelStore     string `yaml:"model_store"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisDB        int    `yaml:"redis_db"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Cooldown is the minimum spacing between two dispatched alerts.
func (a AlertingConfig) Cooldown() time.Duration {
	return time.Duration(a.AlertCooldownSeconds) * time.Second
}

func (a AlertingConfig) Countdown() time.Duration {
	return time.Duration(a.CountdownSeconds) * time.Second
}

func (a AlertingConfig) DispatchTimeout() time.Duration {
	return time.Duration(a.DispatchTimeoutSeconds) * time.Second
}

func (s ScoringConfig) PollInterval() time.Duration {
	return time.Duration(s.ScoringPollIntervalSeconds) * time.Second
}

func (s StorageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// applyDefaults fills every optional field left unset.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Detection.NotifyThreshold == 0 {
		c.Detection.NotifyThreshold = c.Detection.AnomalyThreshold
	}
	if c.Detection.NoModelPolicy == "" {
		c.Detection.NoModelPolicy = "skip"
	}
	if c.Alerting.AlertCooldownSeconds == 0 {
		c.Alerting.AlertCooldownSeconds = 60
	}
	if c.Alerting.CountdownSeconds == 0 {
		c.Alerting.CountdownSeconds = 30
	}
	if c.Alerting.DispatchTimeoutSeconds == 0 {
		c.Alerting.DispatchTimeoutSeconds = 5
	}
	if len(c.Alerting.Channels) == 0 {
		c.Alerting.Channels = []string{"desktop", "log"}
	}
	if c.Training.MinTrainingSamplesPerClass == 0 {
		c.Training.MinTrainingSamplesPerClass = 10
	}
	if c.Training.NegativeSampleCap == 0 {
		c.Training.NegativeSampleCap = 500
	}
	if c.Training.Trees == 0 {
		c.Training.Trees = 100
	}
	if c.Training.MaxDepth == 0 {
		c.Training.MaxDepth = 12
	}
	if c.Training.MinLeaf == 0 {
		c.Training.MinLeaf = 2
	}
	if c.Training.Seed == 0 {
		c.Training.Seed = 42
	}
	if c.Scoring.ScoringPollIntervalSeconds == 0 {
		c.Scoring.ScoringPollIntervalSeconds = 5
	}
	if c.Scoring.BatchSize == 0 {
		c.Scoring.BatchSize = 64
	}
	if c.Extraction.MinEvents == 0 {
		c.Extraction.MinEvents = 3
	}
	if c.Extraction.TimingCutoff == 0 {
		c.Extraction.TimingCutoff = 5
	}
	if c.Extraction.DragThreshold == 0 {
		c.Extraction.DragThreshold = 5
	}
	if c.Extraction.ScreenMaxX == 0 {
		c.Extraction.ScreenMaxX = 16384
	}
	if c.Extraction.ScreenMaxY == 0 {
		c.Extraction.ScreenMaxY = 16384
	}
	if len(c.Extraction.RollingWindows) == 0 {
		c.Extraction.RollingWindows = []int{3, 5, 10}
	}
	if c.Extraction.StraightnessWindow == 0 {
		c.Extraction.StraightnessWindow = 5
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "pointerguard.db"
	}
	if c.Storage.TimeoutSeconds == 0 {
		c.Storage.TimeoutSeconds = 5
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8787"
	}
}

// applyEnv overrides file values with POINTERGUARD_* environment variables.
// Unparsable values are reported as validation errors.
func (c *Config) applyEnv() ValidationErrors {
	var errs ValidationErrors
	str := func(key string, dst *string) {
		if v := Get(key, ""); v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		if v := Get(key, ""); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, ValidationError{Field: key, Message: "not a number: " + v})
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v := Get(key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, ValidationError{Field: key, Message: "not an integer: " + v})
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := Get(key, ""); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, ValidationError{Field: key, Message: "not a boolean: " + v})
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	float("POINTERGUARD_ANOMALY_THRESHOLD", &c.Detection.AnomalyThreshold)
	float("POINTERGUARD_NOTIFY_THRESHOLD", &c.Detection.NotifyThreshold)
	float("POINTERGUARD_LOCK_THRESHOLD", &c.Detection.LockThreshold)
	str("POINTERGUARD_NO_MODEL_POLICY", &c.Detection.NoModelPolicy)
	integer("POINTERGUARD_ALERT_COOLDOWN_SECONDS", &c.Alerting.AlertCooldownSeconds)
	integer("POINTERGUARD_COUNTDOWN_SECONDS", &c.Alerting.CountdownSeconds)
	boolean("POINTERGUARD_FORCE_LOGOUT_ENABLED", &c.Alerting.ForceLogoutEnabled)
	str("POINTERGUARD_WEBHOOK_URL", &c.Alerting.WebhookURL)
	integer("POINTERGUARD_MIN_TRAINING_SAMPLES_PER_CLASS", &c.Training.MinTrainingSamplesPerClass)
	integer("POINTERGUARD_NEGATIVE_SAMPLE_CAP", &c.Training.NegativeSampleCap)
	integer("POINTERGUARD_SCORING_POLL_INTERVAL_SECONDS", &c.Scoring.ScoringPollIntervalSeconds)
	if v := Get("POINTERGUARD_IDENTITIES", ""); v != "" {
		c.Scoring.Identities = splitList(v)
	}
	str("POINTERGUARD_STORAGE_BACKEND", &c.Storage.Backend)
	str("POINTERGUARD_STORAGE_PATH", &c.Storage.Path)
	str("POINTERGUARD_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("POINTERGUARD_REDIS_ADDR", &c.Storage.RedisAddr)
	str("POINTERGUARD_SERVER_ADDR", &c.Server.Addr)
	str("POINTERGUARD_JWT_SECRET", &c.Server.JWTSecret)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	return errs
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
