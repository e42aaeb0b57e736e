package config

import "time"

// Default returns the built-in configuration. Initialize starts from these
// values and overlays whatever bridged.yaml sets.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			BootstrapTokenEnv: "BRIDGE_BOOTSTRAP_TOKEN",
		},
		Node: NodeConfig{
			Name: "bridge-1",
			ID:   1,
		},
		Log: LogConfig{
			Dir: "data/log",
		},
		Snapshots: SnapshotConfig{
			Dir:      "data/snapshots",
			Interval: 30 * time.Second,
			Keep:     3,
		},
		Auth: AuthConfig{
			SecretEnv:      "BRIDGE_KERNEL_SECRET",
			NonceWindow:    15 * time.Minute,
			SecuritySample: 10,
			Limits: map[string]LimitConfig{
				"events.write":        {PerMinute: 100, Burst: 200},
				"elicitation.create":  {PerMinute: 10, Burst: 20},
				"elicitation.respond": {PerMinute: 20, Burst: 40},
				"validation.check":    {PerMinute: 300, Burst: 600},
			},
		},
		Elicitation: ElicitationConfig{
			DefaultTimeout: time.Minute,
			MaxTimeout:     10 * time.Minute,
			SweepInterval:  time.Second,
		},
		Dispatch: DispatchConfig{
			CacheSize:     4096,
			CacheTTL:      5 * time.Minute,
			Theta:         0.9,
			MinSamples:    5,
			ExpertTimeout: 30 * time.Second,
		},
		Degrade: DegradeConfig{
			ProbeInterval:      time.Second,
			BacklogHighWater:   0.90,
			BacklogSustain:     5 * time.Second,
			StorageHighWater:   0.95,
			DrainWindow:        30 * time.Second,
			CriticalComponents: []string{"vfs"},
		},
	}
}
