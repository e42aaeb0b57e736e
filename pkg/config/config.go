package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the resolved runtime configuration returned by Initialize().
// Every duration is already parsed and every default applied; components
// consume these sections directly.
type Config struct {
	configDir string

	Server      ServerConfig
	Node        NodeConfig
	Log         LogConfig
	Snapshots   SnapshotConfig
	Auth        AuthConfig
	Elicitation ElicitationConfig
	Dispatch    DispatchConfig
	Degrade     DegradeConfig
}

// ServerConfig holds the HTTP gateway settings.
type ServerConfig struct {
	Listen           string
	AllowedWSOrigins []string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration

	// BootstrapTokenEnv names the environment variable carrying the
	// operator bootstrap token used for agent registration.
	BootstrapTokenEnv string
}

// NodeConfig identifies this kernel instance. The node id is embedded in
// every event id it assigns.
type NodeConfig struct {
	Name string
	ID   uint16
}

// LogConfig holds the event log's storage and batching settings. Zero values
// defer to the log's own defaults; only Dir is mandatory.
type LogConfig struct {
	Dir             string
	BatchMaxEvents  int
	BatchWait       time.Duration
	QueueSize       int
	SegmentMaxBytes int64
	MaxTotalBytes   int64
}

// SnapshotConfig holds the projection snapshot store settings.
type SnapshotConfig struct {
	Dir      string
	Interval time.Duration
	Keep     int
}

// LimitConfig is one rate class's refill rate and burst.
type LimitConfig struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// AuthConfig holds authentication, rate limiting, and replay protection
// settings. SecretEnv names the environment variable carrying the kernel
// signing secret; the secret itself never appears in YAML.
type AuthConfig struct {
	SecretEnv      string
	NonceWindow    time.Duration
	SecuritySample int
	Limits         map[string]LimitConfig
}

// ElicitationConfig bounds elicitation timeouts and the expiry sweeper.
type ElicitationConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	SweepInterval  time.Duration
}

// DispatchConfig tunes the validation dispatcher's tiers.
type DispatchConfig struct {
	// PolicyFile is an optional rule document loaded on first boot, before
	// any policy.updated event exists. Relative paths resolve against the
	// config directory.
	PolicyFile    string
	CacheSize     int
	CacheTTL      time.Duration
	Theta         float64
	MinSamples    int
	ExpertTimeout time.Duration
}

// DegradeConfig tunes the degradation controller's monitor.
type DegradeConfig struct {
	ProbeInterval      time.Duration
	BacklogHighWater   float64
	BacklogSustain     time.Duration
	StorageHighWater   float64
	DrainWindow        time.Duration
	CriticalComponents []string
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// KernelSecret reads the signing secret from the environment variable named
// by auth.secret_env. The secret is resolved at startup, never stored in
// configuration files.
func (c *Config) KernelSecret() ([]byte, error) {
	secret := os.Getenv(c.Auth.SecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%w: environment variable %s is empty", ErrMissingRequiredField, c.Auth.SecretEnv)
	}
	return []byte(secret), nil
}

// BootstrapToken reads the operator bootstrap token from the environment
// variable named by server.bootstrap_token_env. Empty disables the agent
// registration endpoint.
func (c *Config) BootstrapToken() string {
	return os.Getenv(c.Server.BootstrapTokenEnv)
}
