package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// Config is the broker's full process-wide configuration (spec §6).
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Network   NetworkConfig   `mapstructure:"network"`
	Queue     QueueConfig     `mapstructure:"queue"`
}

type TransportConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	UseTLS          bool     `mapstructure:"use_tls"`
	CertificatePath string   `mapstructure:"certificate_path"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	MaxConnections  int      `mapstructure:"max_connections"`
}

type DiscoveryConfig struct {
	IntervalMs      int  `mapstructure:"interval_ms"`
	EnablePrinter   bool `mapstructure:"enable_printer"`
	EnableSerial    bool `mapstructure:"enable_serial"`
	EnableUSBHID    bool `mapstructure:"enable_usb_hid"`
	EnableNetwork   bool `mapstructure:"enable_network"`
	EnableBiometric bool `mapstructure:"enable_biometric"`
}

type NetworkConfig struct {
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	MaxConnections   int `mapstructure:"max_connections"`
}

type QueueConfig struct {
	DatabasePath     string `mapstructure:"database_path"`
	RetryIntervalMs  int    `mapstructure:"retry_interval_ms"`
	MaxRetryAttempts int    `mapstructure:"max_retry_attempts"`
}

// Defaults returns the documented defaults for every option (spec §4, §6).
func Defaults() Config {
	return Config{
		Transport: TransportConfig{
			Host:           "127.0.0.1",
			Port:           8743,
			UseTLS:         false,
			AllowedOrigins: []string{"*"},
			MaxConnections: 64,
		},
		Discovery: DiscoveryConfig{
			IntervalMs:    30000,
			EnablePrinter: true,
			EnableSerial:  true,
			EnableUSBHID:  true,
		},
		Network: NetworkConfig{
			DefaultTimeoutMs: 5000,
			MaxConnections:   64,
		},
		Queue: QueueConfig{
			DatabasePath:     "hwbroker-queue.db",
			RetryIntervalMs:  5000,
			MaxRetryAttempts: 3,
		},
	}
}

// Store owns the live Config and its backing viper instance, supporting
// settings.get/settings.save round-trips (spec §8 idempotence law).
type Store struct {
	mu sync.RWMutex
	v  *viper.Viper
	c  Config
}

// Load reads configuration from path, falling back to documented
// defaults for anything the file omits. Environment variables prefixed
// HWBROKER_ (e.g. HWBROKER_TRANSPORT_PORT) override both.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HWBROKER")
	v.AutomaticEnv()

	applyDefaults(v, Defaults())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &Store{v: v, c: c}, nil
}

func applyDefaults(v *viper.Viper, d Config) {
	v.SetDefault("transport.host", d.Transport.Host)
	v.SetDefault("transport.port", d.Transport.Port)
	v.SetDefault("transport.use_tls", d.Transport.UseTLS)
	v.SetDefault("transport.certificate_path", d.Transport.CertificatePath)
	v.SetDefault("transport.allowed_origins", d.Transport.AllowedOrigins)
	v.SetDefault("transport.max_connections", d.Transport.MaxConnections)

	v.SetDefault("discovery.interval_ms", d.Discovery.IntervalMs)
	v.SetDefault("discovery.enable_printer", d.Discovery.EnablePrinter)
	v.SetDefault("discovery.enable_serial", d.Discovery.EnableSerial)
	v.SetDefault("discovery.enable_usb_hid", d.Discovery.EnableUSBHID)
	v.SetDefault("discovery.enable_network", d.Discovery.EnableNetwork)
	v.SetDefault("discovery.enable_biometric", d.Discovery.EnableBiometric)

	v.SetDefault("network.default_timeout_ms", d.Network.DefaultTimeoutMs)
	v.SetDefault("network.max_connections", d.Network.MaxConnections)

	v.SetDefault("queue.database_path", d.Queue.DatabasePath)
	v.SetDefault("queue.retry_interval_ms", d.Queue.RetryIntervalMs)
	v.SetDefault("queue.max_retry_attempts", d.Queue.MaxRetryAttempts)
}

// Get returns the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c
}

// Save merges updates into the live config, persists it to the backing
// file, and returns the new effective Config.
func (s *Store) Save(updates map[string]any) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, val := range updates {
		s.v.Set(k, val)
	}
	if err := s.v.WriteConfig(); err != nil {
		return Config{}, fmt.Errorf("write config: %w", err)
	}

	var c Config
	if err := s.v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	s.c = c
	return c, nil
}
