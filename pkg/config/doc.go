// Package config loads and persists the broker's process-wide
// configuration (spec §6) via spf13/viper: YAML on disk, overridable by
// environment variables, with documented defaults for every option.
package config
