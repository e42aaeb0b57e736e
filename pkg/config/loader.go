package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// BridgedYAMLConfig represents the complete bridged.yaml file structure.
// Durations are human-readable strings ("30s", "5m") parsed during
// resolution; absent sections keep their built-in defaults.
type BridgedYAMLConfig struct {
	Server      *ServerYAMLConfig      `yaml:"server"`
	Node        *NodeYAMLConfig        `yaml:"node"`
	Log         *LogYAMLConfig         `yaml:"log"`
	Snapshots   *SnapshotsYAMLConfig   `yaml:"snapshots"`
	Auth        *AuthYAMLConfig        `yaml:"auth"`
	Elicitation *ElicitationYAMLConfig `yaml:"elicitation"`
	Dispatch    *DispatchYAMLConfig    `yaml:"dispatch"`
	Degrade     *DegradeYAMLConfig     `yaml:"degrade"`
}

// ServerYAMLConfig holds gateway settings from YAML.
type ServerYAMLConfig struct {
	Listen            string   `yaml:"listen,omitempty"`
	AllowedWSOrigins  []string `yaml:"allowed_ws_origins,omitempty"`
	ReadTimeout       string   `yaml:"read_timeout,omitempty"`
	WriteTimeout      string   `yaml:"write_timeout,omitempty"`
	ShutdownTimeout   string   `yaml:"shutdown_timeout,omitempty"`
	BootstrapTokenEnv string   `yaml:"bootstrap_token_env,omitempty"`
}

// NodeYAMLConfig identifies this kernel instance in YAML.
type NodeYAMLConfig struct {
	Name string `yaml:"name,omitempty"`
	ID   int    `yaml:"id,omitempty"`
}

// LogYAMLConfig holds event log settings from YAML.
type LogYAMLConfig struct {
	Dir             string `yaml:"dir,omitempty"`
	BatchMaxEvents  int    `yaml:"batch_max_events,omitempty"`
	BatchWait       string `yaml:"batch_wait,omitempty"`
	QueueSize       int    `yaml:"queue_size,omitempty"`
	SegmentMaxBytes int64  `yaml:"segment_max_bytes,omitempty"`
	MaxTotalBytes   int64  `yaml:"max_total_bytes,omitempty"`
}

// SnapshotsYAMLConfig holds snapshot store settings from YAML.
type SnapshotsYAMLConfig struct {
	Dir      string `yaml:"dir,omitempty"`
	Interval string `yaml:"interval,omitempty"`
	Keep     int    `yaml:"keep,omitempty"`
}

// AuthYAMLConfig holds authentication and rate limit settings from YAML.
type AuthYAMLConfig struct {
	SecretEnv      string                 `yaml:"secret_env,omitempty"`
	NonceWindow    string                 `yaml:"nonce_window,omitempty"`
	SecuritySample int                    `yaml:"security_sample,omitempty"`
	Limits         map[string]LimitConfig `yaml:"limits,omitempty"`
}

// ElicitationYAMLConfig holds elicitation timeout settings from YAML.
type ElicitationYAMLConfig struct {
	DefaultTimeout string `yaml:"default_timeout,omitempty"`
	MaxTimeout     string `yaml:"max_timeout,omitempty"`
	SweepInterval  string `yaml:"sweep_interval,omitempty"`
}

// DispatchYAMLConfig holds dispatcher tuning from YAML.
type DispatchYAMLConfig struct {
	PolicyFile    string  `yaml:"policy_file,omitempty"`
	CacheSize     int     `yaml:"cache_size,omitempty"`
	CacheTTL      string  `yaml:"cache_ttl,omitempty"`
	Theta         float64 `yaml:"theta,omitempty"`
	MinSamples    int     `yaml:"min_samples,omitempty"`
	ExpertTimeout string  `yaml:"expert_timeout,omitempty"`
}

// DegradeYAMLConfig holds degradation controller tuning from YAML.
type DegradeYAMLConfig struct {
	ProbeInterval      string   `yaml:"probe_interval,omitempty"`
	BacklogHighWater   float64  `yaml:"backlog_high_water,omitempty"`
	BacklogSustain     string   `yaml:"backlog_sustain,omitempty"`
	StorageHighWater   float64  `yaml:"storage_high_water,omitempty"`
	DrainWindow        string   `yaml:"drain_window,omitempty"`
	CriticalComponents []string `yaml:"critical_components,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load bridged.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Overlay file values onto built-in defaults
//  5. Parse durations, resolve relative paths
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"listen", cfg.Server.Listen,
		"node", cfg.Node.Name,
		"log_dir", cfg.Log.Dir,
		"snapshot_dir", cfg.Snapshots.Dir,
		"policy_file", cfg.Dispatch.PolicyFile)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	raw, err := loader.loadBridgedYAML()
	if err != nil {
		return nil, NewLoadError("bridged.yaml", err)
	}

	cfg := Default()
	cfg.configDir = configDir

	if err := resolveServer(&cfg.Server, raw.Server); err != nil {
		return nil, err
	}
	resolveNode(&cfg.Node, raw.Node)
	if err := resolveLog(&cfg.Log, raw.Log); err != nil {
		return nil, err
	}
	if err := resolveSnapshots(&cfg.Snapshots, raw.Snapshots); err != nil {
		return nil, err
	}
	if err := resolveAuth(&cfg.Auth, raw.Auth); err != nil {
		return nil, err
	}
	if err := resolveElicitation(&cfg.Elicitation, raw.Elicitation); err != nil {
		return nil, err
	}
	if err := resolveDispatch(&cfg.Dispatch, raw.Dispatch); err != nil {
		return nil, err
	}
	if err := resolveDegrade(&cfg.Degrade, raw.Degrade); err != nil {
		return nil, err
	}

	// The policy file lives next to the configuration it belongs to.
	if cfg.Dispatch.PolicyFile != "" && !filepath.IsAbs(cfg.Dispatch.PolicyFile) {
		cfg.Dispatch.PolicyFile = filepath.Join(configDir, cfg.Dispatch.PolicyFile)
	}

	return cfg, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadBridgedYAML() (*BridgedYAMLConfig, error) {
	var config BridgedYAMLConfig
	if err := l.loadYAML("bridged.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// overlayDuration parses a YAML duration string, keeping the default when
// the field is absent.
func overlayDuration(section, field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, NewValidationError(section, field, fmt.Errorf("%w: %q is not a duration", ErrInvalidValue, value))
	}
	return d, nil
}

func resolveServer(cfg *ServerConfig, y *ServerYAMLConfig) error {
	if y == nil {
		return nil
	}
	if y.Listen != "" {
		cfg.Listen = y.Listen
	}
	if len(y.AllowedWSOrigins) > 0 {
		cfg.AllowedWSOrigins = y.AllowedWSOrigins
	}
	if y.BootstrapTokenEnv != "" {
		cfg.BootstrapTokenEnv = y.BootstrapTokenEnv
	}
	var err error
	if cfg.ReadTimeout, err = overlayDuration("server", "read_timeout", y.ReadTimeout, cfg.ReadTimeout); err != nil {
		return err
	}
	if cfg.WriteTimeout, err = overlayDuration("server", "write_timeout", y.WriteTimeout, cfg.WriteTimeout); err != nil {
		return err
	}
	if cfg.ShutdownTimeout, err = overlayDuration("server", "shutdown_timeout", y.ShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

func resolveNode(cfg *NodeConfig, y *NodeYAMLConfig) {
	if y == nil {
		return
	}
	if y.Name != "" {
		cfg.Name = y.Name
	}
	if y.ID > 0 {
		cfg.ID = uint16(y.ID)
	}
}

func resolveLog(cfg *LogConfig, y *LogYAMLConfig) error {
	if y == nil {
		return nil
	}
	if y.Dir != "" {
		cfg.Dir = y.Dir
	}
	if y.BatchMaxEvents > 0 {
		cfg.BatchMaxEvents = y.BatchMaxEvents
	}
	if y.QueueSize > 0 {
		cfg.QueueSize = y.QueueSize
	}
	if y.SegmentMaxBytes > 0 {
		cfg.SegmentMaxBytes = y.SegmentMaxBytes
	}
	if y.MaxTotalBytes > 0 {
		cfg.MaxTotalBytes = y.MaxTotalBytes
	}
	var err error
	if cfg.BatchWait, err = overlayDuration("log", "batch_wait", y.BatchWait, cfg.BatchWait); err != nil {
		return err
	}
	return nil
}

func resolveSnapshots(cfg *SnapshotConfig, y *SnapshotsYAMLConfig) error {
	if y == nil {
		return nil
	}
	if y.Dir != "" {
		cfg.Dir = y.Dir
	}
	if y.Keep > 0 {
		cfg.Keep = y.Keep
	}
	var err error
	if cfg.Interval, err = overlayDuration("snapshots", "interval", y.Interval, cfg.Interval); err != nil {
		return err
	}
	return nil
}

func resolveAuth(cfg *AuthConfig, y *AuthYAMLConfig) error {
	if y == nil {
		return nil
	}
	if y.SecretEnv != "" {
		cfg.SecretEnv = y.SecretEnv
	}
	if y.SecuritySample > 0 {
		cfg.SecuritySample = y.SecuritySample
	}
	var err error
	if cfg.NonceWindow, err = overlayDuration("auth", "nonce_window", y.NonceWindow, cfg.NonceWindow); err != nil {
		return err
	}
	// Per-class overrides merge onto the default table, so setting one
	// class's per_minute keeps every other default intact.
	if len(y.Limits) > 0 {
		if err := mergo.Merge(&cfg.Limits, y.Limits, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge rate limits: %w", err)
		}
	}
	return nil
}

func resolveElicitation(cfg *ElicitationConfig, y *ElicitationYAMLConfig) error {
	if y == nil {
		return nil
	}
	var err error
	if cfg.DefaultTimeout, err = overlayDuration("elicitation", "default_timeout", y.DefaultTimeout, cfg.DefaultTimeout); err != nil {
		return err
	}
	if cfg.MaxTimeout, err = overlayDuration("elicitation", "max_timeout", y.MaxTimeout, cfg.MaxTimeout); err != nil {
		return err
	}
	if cfg.SweepInterval, err = overlayDuration("elicitation", "sweep_interval", y.SweepInterval, cfg.SweepInterval); err != nil {
		return err
	}
	return nil
}

func resolveDispatch(cfg *DispatchConfig, y *DispatchYAMLConfig) error {
	if y == nil {
		return nil
	}
	if y.PolicyFile != "" {
		cfg.PolicyFile = y.PolicyFile
	}
	if y.CacheSize > 0 {
		cfg.CacheSize = y.CacheSize
	}
	if y.Theta > 0 {
		cfg.Theta = y.Theta
	}
	if y.MinSamples > 0 {
		cfg.MinSamples = y.MinSamples
	}
	var err error
	if cfg.CacheTTL, err = overlayDuration("dispatch", "cache_ttl", y.CacheTTL, cfg.CacheTTL); err != nil {
		return err
	}
	if cfg.ExpertTimeout, err = overlayDuration("dispatch", "expert_timeout", y.ExpertTimeout, cfg.ExpertTimeout); err != nil {
		return err
	}
	return nil
}

func resolveDegrade(cfg *DegradeConfig, y *DegradeYAMLConfig) error {
	if y == nil {
		return nil
	}
	if y.BacklogHighWater > 0 {
		cfg.BacklogHighWater = y.BacklogHighWater
	}
	if y.StorageHighWater > 0 {
		cfg.StorageHighWater = y.StorageHighWater
	}
	if len(y.CriticalComponents) > 0 {
		cfg.CriticalComponents = y.CriticalComponents
	}
	var err error
	if cfg.ProbeInterval, err = overlayDuration("degrade", "probe_interval", y.ProbeInterval, cfg.ProbeInterval); err != nil {
		return err
	}
	if cfg.BacklogSustain, err = overlayDuration("degrade", "backlog_sustain", y.BacklogSustain, cfg.BacklogSustain); err != nil {
		return err
	}
	if cfg.DrainWindow, err = overlayDuration("degrade", "drain_window", y.DrainWindow, cfg.DrainWindow); err != nil {
		return err
	}
	return nil
}
