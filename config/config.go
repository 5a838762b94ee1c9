// Package config handles YAML configuration for the telemetry core.
//
// Every option is optional; Default() carries the documented defaults
// and Load overlays a cairn.yaml on top of them. The loaded value is
// threaded explicitly through the telemetry façade constructor — there
// is no process-wide config.
package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/cairn/types"
)

// Default tuning values.
const (
	DefaultStorePath    = "./cairn.db"
	DefaultMirrorDir    = "./outputs/runs_jsonl"
	DefaultReceiptDir   = "./outputs/receipts"
	DefaultBaseDelay    = 600 * time.Millisecond
	DefaultBlockedDelay = 60 * time.Second
	DefaultJitterCap    = 200 * time.Millisecond
	DefaultZ            = 1.96
	DefaultLookbackRuns = 20
)

// Config is the full configuration surface of the telemetry core.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Receipts   ReceiptConfig    `yaml:"receipts"`
	Retry      RetryConfig      `yaml:"retry"`
	Wilson     WilsonConfig     `yaml:"wilson"`
	Rolling    RollingConfig    `yaml:"rolling"`
	Invariants InvariantsConfig `yaml:"invariants"`
	Adapter    AdapterConfig    `yaml:"adapter"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// StoreConfig locates the run store.
type StoreConfig struct {
	// Path is the SQLite database file location.
	Path string `yaml:"path"`
}

// MirrorConfig locates the append-only JSONL mirror files.
type MirrorConfig struct {
	// Dir holds one <run_id>.jsonl file per run.
	Dir string `yaml:"dir"`
}

// ReceiptConfig locates written receipts.
type ReceiptConfig struct {
	// Dir holds one <run_id>.json receipt per run.
	Dir string `yaml:"dir"`
}

// RetryConfig tunes the resilient fetch backoff.
type RetryConfig struct {
	// BaseDelay seeds the exponential throttle backoff.
	BaseDelay Duration `yaml:"base_delay"`
	// BlockedDelay is the fixed access-block cooldown.
	BlockedDelay Duration `yaml:"blocked_delay"`
	// JitterCap bounds the random jitter added to every delay.
	JitterCap Duration `yaml:"jitter_cap"`
}

// WilsonConfig tunes confidence interval computation.
type WilsonConfig struct {
	// Z is the two-sided z-score (1.96 for 95% confidence).
	Z float64 `yaml:"z"`
}

// RollingConfig tunes drift comparison.
type RollingConfig struct {
	// LookbackRuns caps how many prior samples feed the drift baseline.
	LookbackRuns int `yaml:"lookback_runs"`
}

// InvariantsConfig selects the violation policy.
type InvariantsConfig struct {
	// Policy is strict, balanced, or permissive.
	Policy types.PolicyMode `yaml:"policy"`
}

// AdapterConfig optionally publishes run-finished notifications.
type AdapterConfig struct {
	// Type is "webhook" or "redis"; empty disables publication.
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// ArchiveConfig optionally archives receipts to S3.
type ArchiveConfig struct {
	// Bucket enables archival when non-empty.
	Bucket string `yaml:"bucket"`
	// Prefix is the object key prefix, default "receipts".
	Prefix string `yaml:"prefix"`
	// Region overrides the SDK's resolved region.
	Region string `yaml:"region"`
	// Endpoint targets S3-compatible stores (e.g. MinIO).
	Endpoint string `yaml:"endpoint"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "600ms", "1m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "600ms" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns a config carrying the documented defaults.
func Default() *Config {
	return &Config{
		Store:    StoreConfig{Path: DefaultStorePath},
		Mirror:   MirrorConfig{Dir: DefaultMirrorDir},
		Receipts: ReceiptConfig{Dir: DefaultReceiptDir},
		Retry: RetryConfig{
			BaseDelay:    Duration{DefaultBaseDelay},
			BlockedDelay: Duration{DefaultBlockedDelay},
			JitterCap:    Duration{DefaultJitterCap},
		},
		Wilson:     WilsonConfig{Z: DefaultZ},
		Rolling:    RollingConfig{LookbackRuns: DefaultLookbackRuns},
		Invariants: InvariantsConfig{Policy: types.PolicyBalanced},
	}
}

// Validate rejects configurations the core cannot honor.
func (c *Config) Validate() error {
	if c.Wilson.Z <= 0 {
		return fmt.Errorf("wilson.z must be > 0, got %v", c.Wilson.Z)
	}
	if c.Rolling.LookbackRuns <= 0 {
		return fmt.Errorf("rolling.lookback_runs must be > 0, got %d", c.Rolling.LookbackRuns)
	}
	if !c.Invariants.Policy.IsValid() {
		return fmt.Errorf("invariants.policy must be strict, balanced, or permissive; got %q", c.Invariants.Policy)
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		return fmt.Errorf("adapter.type must be webhook or redis, got %q", c.Adapter.Type)
	}
	return nil
}
