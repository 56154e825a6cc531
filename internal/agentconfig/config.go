// Package agentconfig provides configuration loading, defaulting, and
// validation for the OCTOREFLEX agent, following the same
// Defaults()/Validate()/Load() idiom as the system it replaces: config is
// read once at startup and again on SIGHUP, with invalid startup config
// refusing to start and invalid hot-reload config logged and discarded in
// favor of the config already running.
//
// Configuration file: /etc/octoreflex/agent.yaml (default)
// Schema version: 1
package agentconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for OCTOREFLEX.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this node in ledger entries. Default: hostname.
	NodeID string `yaml:"node_id"`

	DB            DBConfig            `yaml:"db"`
	Ring          RingConfig          `yaml:"ring"`
	Sensor        SensorConfig        `yaml:"sensor"`
	Detection     DetectionConfig     `yaml:"detection"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DBConfig configures U-WRITER and MAINT's SQLite connection.
type DBConfig struct {
	// Path is the SQLite file path. Default: /var/lib/octoreflex/events.db.
	Path string `yaml:"path"`

	// PurgeOnRestart deletes Path before opening. Default: false.
	PurgeOnRestart bool `yaml:"purge_on_restart"`

	// Synchronous is the PRAGMA synchronous value: FULL/NORMAL/OFF.
	// Default: NORMAL.
	Synchronous string `yaml:"synchronous"`

	// JournalSizeLimit caps the WAL file size in bytes. Default: 64MiB.
	JournalSizeLimit int64 `yaml:"journal_size_limit"`

	// CheckpointSeconds is MAINT's WAL checkpoint interval. Default: 60.
	CheckpointSeconds int `yaml:"checkpoint_seconds"`

	// TTLSeconds is the row retention window; 0 disables TTL cleanup.
	// Default: 604800 (7 days).
	TTLSeconds int64 `yaml:"ttl_seconds"`

	// FlushIntervalMS is U-WRITER's periodic flush timer. Default: 1000.
	FlushIntervalMS int `yaml:"flush_interval_ms"`

	// BatchSize is U-WRITER's flush threshold. Default: 256.
	BatchSize int `yaml:"batch_size"`
}

// RingConfig configures the K-RING shared-memory region.
type RingConfig struct {
	// Name is the shared region's backing file path.
	// Default: /tmp/octoreflex-ring.
	Name string `yaml:"name"`

	// Size is the data area size in bytes. Default: 4MiB.
	Size uint32 `yaml:"size"`
}

// SensorConfig identifies the producer attached to K-RING.
type SensorConfig struct {
	// GUID is stamped on every event DISPATCH emits. Required: config is
	// the only source of this value — there is no compiled-in default,
	// per the sensor-identity contract EVENT-SCHEMA depends on.
	GUID string `yaml:"guid"`
}

// DetectionConfig tunes the domain-stack anomaly/escalation/budget
// pipeline. Consumed only by DETECTOR, never by the CORE modules.
type DetectionConfig struct {
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Escalation EscalationConfig `yaml:"escalation"`
	Budget     BudgetConfig     `yaml:"budget"`
	Ledger     LedgerConfig     `yaml:"ledger"`
}

// AnomalyConfig holds anomaly engine parameters.
type AnomalyConfig struct {
	// EntropyWeight is wₑ in the anomaly formula A = mahal + wₑ|ΔH|.
	// Range: [0.0, 1.0]. Default: 0.3. Validated, but not passed to any
	// scorer: the registered "mahalanobis" scorer always uses wₑ = 0.3.
	EntropyWeight float64 `yaml:"entropy_weight"`

	// MaxEvalsPerSecond is defaulted but not read by DETECTOR, which
	// evaluates each tracked process once per WindowSeconds. Default: 10000.
	MaxEvalsPerSecond int `yaml:"max_evals_per_second"`

	// Scorer names the contrib.AnomalyScorer to use. Default: "mahalanobis".
	Scorer string `yaml:"scorer"`

	// WindowSeconds is how often DETECTOR folds an accumulated feature
	// window into a Score() evaluation for each tracked binary. Default: 10.
	WindowSeconds int `yaml:"window_seconds"`
}

// EscalationConfig holds severity weights and state transition thresholds.
type EscalationConfig struct {
	WeightAnomaly   float64 `yaml:"weight_anomaly"`
	WeightQuorum    float64 `yaml:"weight_quorum"`
	WeightIntegrity float64 `yaml:"weight_integrity"`
	WeightPressure  float64 `yaml:"weight_pressure"`

	ThresholdPressure    float64 `yaml:"threshold_pressure"`
	ThresholdIsolated    float64 `yaml:"threshold_isolated"`
	ThresholdFrozen      float64 `yaml:"threshold_frozen"`
	ThresholdQuarantined float64 `yaml:"threshold_quarantined"`
	ThresholdTerminated  float64 `yaml:"threshold_terminated"`

	// PressureAlpha is the EWMA smoothing factor α ∈ [0.0, 1.0]. Default: 0.8.
	PressureAlpha float64 `yaml:"pressure_alpha"`

	// CooldownDuration is the quiescent time before a state decays by one
	// level. Default: 30s.
	CooldownDuration time.Duration `yaml:"cooldown_duration"`
}

// BudgetConfig holds token bucket parameters.
type BudgetConfig struct {
	// Capacity is the maximum number of tokens. Default: 100.
	Capacity int `yaml:"capacity"`

	// RefillPeriod is the interval between full refills. Default: 60s.
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// LedgerConfig holds BoltDB audit-ledger parameters.
type LedgerConfig struct {
	// Path is the absolute path to the BoltDB file.
	// Default: /var/lib/octoreflex/ledger.db.
	Path string `yaml:"path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level. Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls log output format (json, console). Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		DB: DBConfig{
			Path:              "/var/lib/octoreflex/events.db",
			Synchronous:       "NORMAL",
			JournalSizeLimit:  64 << 20,
			CheckpointSeconds: 60,
			TTLSeconds:        7 * 24 * 3600,
			FlushIntervalMS:   1000,
			BatchSize:         256,
		},
		Ring: RingConfig{
			Name: "/tmp/octoreflex-ring",
			Size: 4 << 20,
		},
		Detection: DetectionConfig{
			Anomaly: AnomalyConfig{
				EntropyWeight:     0.3,
				MaxEvalsPerSecond: 10000,
				Scorer:            "mahalanobis",
				WindowSeconds:     10,
			},
			Escalation: EscalationConfig{
				WeightAnomaly:        0.4,
				WeightQuorum:         0.2,
				WeightIntegrity:      0.2,
				WeightPressure:       0.2,
				ThresholdPressure:    1.0,
				ThresholdIsolated:    3.0,
				ThresholdFrozen:      6.0,
				ThresholdQuarantined: 9.0,
				ThresholdTerminated:  12.0,
				PressureAlpha:        0.8,
				CooldownDuration:     30 * time.Second,
			},
			Budget: BudgetConfig{
				Capacity:     100,
				RefillPeriod: 60 * time.Second,
			},
			Ledger: LedgerConfig{
				Path:          "/var/lib/octoreflex/ledger.db",
				RetentionDays: 30,
			},
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path, merging file
// values over Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentconfig.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agentconfig.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("agentconfig.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a
// descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Sensor.GUID == "" {
		errs = append(errs, "sensor.guid must not be empty")
	}
	if cfg.DB.Path == "" {
		errs = append(errs, "db.path must not be empty")
	}
	switch cfg.DB.Synchronous {
	case "FULL", "NORMAL", "OFF":
	default:
		errs = append(errs, fmt.Sprintf("db.synchronous must be one of FULL/NORMAL/OFF, got %q", cfg.DB.Synchronous))
	}
	if cfg.DB.JournalSizeLimit < 0 {
		errs = append(errs, "db.journal_size_limit must be >= 0")
	}
	if cfg.DB.CheckpointSeconds < 1 {
		errs = append(errs, fmt.Sprintf("db.checkpoint_seconds must be >= 1, got %d", cfg.DB.CheckpointSeconds))
	}
	if cfg.DB.TTLSeconds < 0 {
		errs = append(errs, "db.ttl_seconds must be >= 0 (0 disables TTL cleanup)")
	}
	if cfg.DB.FlushIntervalMS < 1 {
		errs = append(errs, fmt.Sprintf("db.flush_interval_ms must be >= 1, got %d", cfg.DB.FlushIntervalMS))
	}
	if cfg.DB.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("db.batch_size must be >= 1, got %d", cfg.DB.BatchSize))
	}
	if cfg.Ring.Name == "" {
		errs = append(errs, "ring.name must not be empty")
	}
	if cfg.Ring.Size < 4096 {
		errs = append(errs, fmt.Sprintf("ring.size must be >= 4096, got %d", cfg.Ring.Size))
	}
	if cfg.Detection.Anomaly.EntropyWeight < 0.0 || cfg.Detection.Anomaly.EntropyWeight > 1.0 {
		errs = append(errs, fmt.Sprintf("detection.anomaly.entropy_weight must be in [0.0, 1.0], got %f", cfg.Detection.Anomaly.EntropyWeight))
	}
	if cfg.Detection.Anomaly.Scorer == "" {
		errs = append(errs, "detection.anomaly.scorer must not be empty")
	}
	if cfg.Detection.Anomaly.WindowSeconds < 1 {
		errs = append(errs, fmt.Sprintf("detection.anomaly.window_seconds must be >= 1, got %d", cfg.Detection.Anomaly.WindowSeconds))
	}
	if cfg.Detection.Escalation.PressureAlpha < 0.0 || cfg.Detection.Escalation.PressureAlpha > 1.0 {
		errs = append(errs, fmt.Sprintf("detection.escalation.pressure_alpha must be in [0.0, 1.0], got %f", cfg.Detection.Escalation.PressureAlpha))
	}
	if cfg.Detection.Escalation.WeightAnomaly < 0 || cfg.Detection.Escalation.WeightQuorum < 0 ||
		cfg.Detection.Escalation.WeightIntegrity < 0 || cfg.Detection.Escalation.WeightPressure < 0 {
		errs = append(errs, "all detection.escalation weights must be >= 0")
	}
	if cfg.Detection.Budget.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("detection.budget.capacity must be >= 1, got %d", cfg.Detection.Budget.Capacity))
	}
	if cfg.Detection.Budget.RefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("detection.budget.refill_period must be >= 1s, got %s", cfg.Detection.Budget.RefillPeriod))
	}
	if cfg.Detection.Ledger.Path == "" {
		errs = append(errs, "detection.ledger.path must not be empty")
	}
	if cfg.Detection.Ledger.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("detection.ledger.retention_days must be >= 1, got %d", cfg.Detection.Ledger.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
