package config

import "time"

// RetentionConfig controls background housekeeping of settled queue
// entries. Completed and failed entries stay visible for SettledTTL so
// clients can inspect outcomes, then the sweeper removes them.
type RetentionConfig struct {
	// Enabled toggles the background sweeper.
	Enabled bool `yaml:"enabled"`

	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SettledTTL is how long completed and failed entries are kept.
	SettledTTL time.Duration `yaml:"settled_ttl"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Enabled:       true,
		SweepInterval: 1 * time.Hour,
		SettledTTL:    24 * time.Hour,
	}
}
