package config

import (
	"fmt"
	"os"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateNode(); err != nil {
		return fmt.Errorf("node validation failed: %w", err)
	}
	if err := v.validateLog(); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if err := v.validateSnapshots(); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}
	if err := v.validateAuth(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	if err := v.validateElicitation(); err != nil {
		return fmt.Errorf("elicitation validation failed: %w", err)
	}
	if err := v.validateDispatch(); err != nil {
		return fmt.Errorf("dispatch validation failed: %w", err)
	}
	if err := v.validateDegrade(); err != nil {
		return fmt.Errorf("degrade validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Listen == "" {
		return NewValidationError("server", "listen", ErrMissingRequiredField)
	}
	if s.ReadTimeout <= 0 {
		return NewValidationError("server", "read_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.WriteTimeout <= 0 {
		return NewValidationError("server", "write_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.ShutdownTimeout <= 0 {
		return NewValidationError("server", "shutdown_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateNode() error {
	if v.cfg.Node.Name == "" {
		return NewValidationError("node", "name", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateLog() error {
	l := v.cfg.Log
	if l.Dir == "" {
		return NewValidationError("log", "dir", ErrMissingRequiredField)
	}
	if l.BatchMaxEvents < 0 {
		return NewValidationError("log", "batch_max_events", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if l.QueueSize < 0 {
		return NewValidationError("log", "queue_size", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if l.SegmentMaxBytes < 0 {
		return NewValidationError("log", "segment_max_bytes", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if l.MaxTotalBytes < 0 {
		return NewValidationError("log", "max_total_bytes", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if l.MaxTotalBytes > 0 && l.SegmentMaxBytes > 0 && l.MaxTotalBytes < l.SegmentMaxBytes {
		return NewValidationError("log", "max_total_bytes", fmt.Errorf("%w: must be at least segment_max_bytes", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateSnapshots() error {
	s := v.cfg.Snapshots
	if s.Dir == "" {
		return NewValidationError("snapshots", "dir", ErrMissingRequiredField)
	}
	if s.Interval <= 0 {
		return NewValidationError("snapshots", "interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.Keep < 1 {
		return NewValidationError("snapshots", "keep", fmt.Errorf("%w: must keep at least one snapshot", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateAuth() error {
	a := v.cfg.Auth
	if a.SecretEnv == "" {
		return NewValidationError("auth", "secret_env", ErrMissingRequiredField)
	}
	if a.NonceWindow <= 0 {
		return NewValidationError("auth", "nonce_window", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	// A nonce evicted before its elicitation can expire would reopen the
	// replay window.
	if a.NonceWindow < v.cfg.Elicitation.MaxTimeout {
		return NewValidationError("auth", "nonce_window",
			fmt.Errorf("%w: must be at least elicitation max_timeout (%s)", ErrInvalidValue, v.cfg.Elicitation.MaxTimeout))
	}
	if a.SecuritySample < 1 {
		return NewValidationError("auth", "security_sample", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	for class, limit := range a.Limits {
		if limit.PerMinute <= 0 {
			return NewValidationError("auth", "limits."+class+".per_minute", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
		if limit.Burst < 1 {
			return NewValidationError("auth", "limits."+class+".burst", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateElicitation() error {
	e := v.cfg.Elicitation
	if e.DefaultTimeout <= 0 {
		return NewValidationError("elicitation", "default_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.MaxTimeout <= 0 {
		return NewValidationError("elicitation", "max_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.DefaultTimeout > e.MaxTimeout {
		return NewValidationError("elicitation", "default_timeout", fmt.Errorf("%w: must not exceed max_timeout", ErrInvalidValue))
	}
	if e.SweepInterval <= 0 {
		return NewValidationError("elicitation", "sweep_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateDispatch() error {
	d := v.cfg.Dispatch
	if d.CacheSize < 1 {
		return NewValidationError("dispatch", "cache_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if d.CacheTTL <= 0 {
		return NewValidationError("dispatch", "cache_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.Theta <= 0 || d.Theta > 1 {
		return NewValidationError("dispatch", "theta", fmt.Errorf("%w: must be in (0, 1]", ErrInvalidValue))
	}
	if d.MinSamples < 1 {
		return NewValidationError("dispatch", "min_samples", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if d.ExpertTimeout <= 0 {
		return NewValidationError("dispatch", "expert_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.PolicyFile != "" {
		if _, err := os.Stat(d.PolicyFile); err != nil {
			return NewValidationError("dispatch", "policy_file", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}
	return nil
}

func (v *ConfigValidator) validateDegrade() error {
	d := v.cfg.Degrade
	if d.ProbeInterval <= 0 {
		return NewValidationError("degrade", "probe_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.BacklogHighWater <= 0 || d.BacklogHighWater > 1 {
		return NewValidationError("degrade", "backlog_high_water", fmt.Errorf("%w: must be in (0, 1]", ErrInvalidValue))
	}
	if d.StorageHighWater <= 0 || d.StorageHighWater > 1 {
		return NewValidationError("degrade", "storage_high_water", fmt.Errorf("%w: must be in (0, 1]", ErrInvalidValue))
	}
	if d.BacklogSustain < 0 {
		return NewValidationError("degrade", "backlog_sustain", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if d.DrainWindow <= 0 {
		return NewValidationError("degrade", "drain_window", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
