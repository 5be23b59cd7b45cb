package config

import (
	"strings"
	"time"

	"github.com/crestfs/crestfs/internal/bytesize"
	"github.com/crestfs/crestfs/pkg/journal"
)

// ApplyDefaults fills unset fields after file and environment loading. Zero
// values are replaced; anything the user set explicitly is kept.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyJournalDefaults(&cfg.Journal)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Level names are matched case-insensitively elsewhere; normalize once
	// here so the config dump shows a canonical form.
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	// Metrics are opt-in; the port only matters once they are enabled.
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyJournalDefaults(cfg *JournalConfig) {
	if cfg.FlushDelay == 0 {
		cfg.FlushDelay = time.Second
	}
	if cfg.EntrySizeMax == 0 {
		cfg.EntrySizeMax = 1 * bytesize.MiB
	}
	if cfg.RequiredDevices == 0 {
		cfg.RequiredDevices = 1
	}
	if cfg.PreReserved == 0 {
		cfg.PreReserved = 32 * bytesize.MiB
	}
}

// GetDefaultConfig returns a configuration with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// JournalConfig converts the tunables into the journal's config form.
func (c *JournalConfig) JournalConfig() journal.Config {
	return journal.Config{
		FlushDelay:      c.FlushDelay,
		EntrySizeMax:    int(c.EntrySizeMax),
		RequiredDevices: c.RequiredDevices,
		PreResU64s:      uint32(c.PreReserved / 8),
	}
}
