package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Artifact ArtifactConfig `yaml:"artifact" mapstructure:"artifact"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Variant  VariantConfig  `yaml:"variant" mapstructure:"variant"`
	Zone     ZoneConfig     `yaml:"zone" mapstructure:"zone"`
	OCR      OCRConfig      `yaml:"ocr" mapstructure:"ocr"`
	Resolve  ResolveConfig  `yaml:"resolve" mapstructure:"resolve"`
	Validate ValidateConfig `yaml:"validate" mapstructure:"validate"`
	Handoff  HandoffConfig  `yaml:"handoff" mapstructure:"handoff"`
	Vendor   VendorConfig   `yaml:"vendor" mapstructure:"vendor"`
	Monitor  MonitorConfig  `yaml:"monitor" mapstructure:"monitor"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the review-case database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ArtifactConfig configures the content-addressed artifact store.
type ArtifactConfig struct {
	Backend        string `yaml:"backend" mapstructure:"backend"`
	Dir            string `yaml:"dir" mapstructure:"dir"`
	TTLHours       int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	MaxEntries     int    `yaml:"max_entries" mapstructure:"max_entries"`
	SweepSecs      int    `yaml:"sweep_secs" mapstructure:"sweep_secs"`
	PutTimeoutSecs int    `yaml:"put_timeout_secs" mapstructure:"put_timeout_secs"`
}

// IngestConfig configures rasterization and text-layer extraction.
type IngestConfig struct {
	DPI      int `yaml:"dpi" mapstructure:"dpi"`
	MaxPages int `yaml:"max_pages" mapstructure:"max_pages"`
}

// VariantConfig configures preprocessing variant generation.
type VariantConfig struct {
	MaxVariants int `yaml:"max_variants" mapstructure:"max_variants"`
}

// ZoneConfig configures zone detection and masking.
type ZoneConfig struct {
	MinGapPx    int     `yaml:"min_gap_px" mapstructure:"min_gap_px"`
	NoiseCutoff float64 `yaml:"noise_cutoff" mapstructure:"noise_cutoff"`
	MaskDir     string  `yaml:"mask_dir" mapstructure:"mask_dir"`
}

// OCRConfig configures the orchestrator profile.
type OCRConfig struct {
	Engines            []string `yaml:"engines" mapstructure:"engines"`
	MaxPasses          int      `yaml:"max_passes" mapstructure:"max_passes"`
	WallBudgetSecs     int      `yaml:"wall_budget_secs" mapstructure:"wall_budget_secs"`
	PassTimeoutSecs    int      `yaml:"pass_timeout_secs" mapstructure:"pass_timeout_secs"`
	EarlyStopThreshold float64  `yaml:"early_stop_threshold" mapstructure:"early_stop_threshold"`
	CriticalFields     []string `yaml:"critical_fields" mapstructure:"critical_fields"`
	DocConcurrency     int      `yaml:"doc_concurrency" mapstructure:"doc_concurrency"`
	GlobalWorkers      int      `yaml:"global_workers" mapstructure:"global_workers"`
	EngineRatePerSec   float64  `yaml:"engine_rate_per_sec" mapstructure:"engine_rate_per_sec"`
	Languages          []string `yaml:"languages" mapstructure:"languages"`
}

// ResolveConfig configures consensus resolution and calibration.
type ResolveConfig struct {
	CurvesPath      string  `yaml:"curves_path" mapstructure:"curves_path"`
	TotalsTolerance float64 `yaml:"totals_tolerance" mapstructure:"totals_tolerance"`
}

// ValidateConfig configures the validation rule engine.
type ValidateConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
	Mode      string `yaml:"mode" mapstructure:"mode"`
}

// HandoffConfig configures the approval handoff endpoint.
type HandoffConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// VendorConfig configures vendor lexicon persistence.
type VendorConfig struct {
	LexiconDir string `yaml:"lexicon_dir" mapstructure:"lexicon_dir"`
}

// MonitorConfig configures queue-health checks and webhook alerts.
type MonitorConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	QueueDepthThreshold int     `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	BudgetRateThreshold float64 `yaml:"budget_rate_threshold" mapstructure:"budget_rate_threshold"`
	StaleCaseHours      int     `yaml:"stale_case_hours" mapstructure:"stale_case_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INVOICESCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "invoicescan.db")
	v.SetDefault("artifact.backend", "disk")
	v.SetDefault("artifact.dir", ".invoicescan/artifacts")
	v.SetDefault("artifact.ttl_hours", 72)
	v.SetDefault("artifact.max_entries", 50000)
	v.SetDefault("artifact.sweep_secs", 300)
	v.SetDefault("artifact.put_timeout_secs", 10)
	v.SetDefault("ingest.dpi", 300)
	v.SetDefault("ingest.max_pages", 50)
	v.SetDefault("variant.max_variants", 8)
	v.SetDefault("zone.min_gap_px", 18)
	v.SetDefault("zone.noise_cutoff", 0.12)
	v.SetDefault("zone.mask_dir", ".invoicescan/masks")
	v.SetDefault("ocr.engines", []string{"tesseract"})
	v.SetDefault("ocr.max_passes", 5)
	v.SetDefault("ocr.wall_budget_secs", 120)
	v.SetDefault("ocr.pass_timeout_secs", 30)
	v.SetDefault("ocr.early_stop_threshold", 0.92)
	v.SetDefault("ocr.critical_fields", []string{"invoice_number", "invoice_date", "vendor_name", "total_amount"})
	v.SetDefault("ocr.doc_concurrency", 4)
	v.SetDefault("ocr.global_workers", 8)
	v.SetDefault("ocr.engine_rate_per_sec", 10.0)
	v.SetDefault("ocr.languages", []string{"eng"})
	v.SetDefault("resolve.curves_path", "calibration.yaml")
	v.SetDefault("resolve.totals_tolerance", 0.01)
	v.SetDefault("validate.rules_path", "rules.yaml")
	v.SetDefault("validate.mode", "balanced")
	v.SetDefault("handoff.timeout_secs", 15)
	v.SetDefault("vendor.lexicon_dir", ".invoicescan/lexicons")
	v.SetDefault("monitor.check_interval_secs", 300)
	v.SetDefault("monitor.lookback_window_hours", 24)
	v.SetDefault("monitor.queue_depth_threshold", 200)
	v.SetDefault("monitor.budget_rate_threshold", 0.3)
	v.SetDefault("monitor.stale_case_hours", 48)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
