package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for errors.
//
// Struct-level constraints are enforced via the `validate` tags using
// go-playground/validator. Cross-field rules that tags cannot express
// (duplicate device paths, replication vs. device count) are checked here.
func Validate(cfg *Config) error {
	v := validator.New()

	if err := v.Struct(cfg); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if seen[d.Path] {
			return fmt.Errorf("device path listed twice: %s", d.Path)
		}
		seen[d.Path] = true
	}

	if len(cfg.Devices) > 0 && cfg.Journal.RequiredDevices > len(cfg.Devices) {
		return fmt.Errorf("journal.required_devices is %d but only %d devices are configured",
			cfg.Journal.RequiredDevices, len(cfg.Devices))
	}

	return nil
}
