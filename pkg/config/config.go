package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreBolt   StoreBackend = "bolt"
)

type Config struct {
	Owner   string        `json:"owner"`
	DataDir string        `json:"data_dir"`
	Store   StoreBackend  `json:"store"`
	Health  HealthConfig  `json:"health"`
	Healing HealingConfig `json:"healing"`
	Device  DeviceConfig  `json:"device"`
}

type HealthConfig struct {
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
	OfflineAfterMinutes  int `json:"offline_after_minutes"`
	MaxConcurrentConfigs int `json:"max_concurrent_configs"`
}

type HealingConfig struct {
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
}

type DeviceConfig struct {
	IOTimeoutSeconds int `json:"io_timeout_seconds"`
	MaxAttempts      int `json:"max_attempts"`
}

func Default() *Config {
	return &Config{
		Owner:   "",
		DataDir: "./data",
		Store:   StoreMemory,
		Health: HealthConfig{
			SweepIntervalMinutes: 2,
			OfflineAfterMinutes:  5,
			MaxConcurrentConfigs: 4,
		},
		Healing: HealingConfig{
			SweepIntervalMinutes: 5,
		},
		Device: DeviceConfig{
			IOTimeoutSeconds: 30,
			MaxAttempts:      3,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := Default()
	cfg.Owner = getEnv("HOMERAID_OWNER", cfg.Owner)
	cfg.DataDir = getEnv("HOMERAID_DATA_DIR", cfg.DataDir)
	cfg.Store = StoreBackend(getEnv("HOMERAID_STORE", string(cfg.Store)))
	cfg.Health.SweepIntervalMinutes = getEnvInt("HOMERAID_SWEEP_INTERVAL_MINUTES", cfg.Health.SweepIntervalMinutes)
	cfg.Health.OfflineAfterMinutes = getEnvInt("HOMERAID_OFFLINE_AFTER_MINUTES", cfg.Health.OfflineAfterMinutes)
	cfg.Healing.SweepIntervalMinutes = getEnvInt("HOMERAID_HEAL_INTERVAL_MINUTES", cfg.Healing.SweepIntervalMinutes)
	return cfg
}

// OfflineThreshold is how stale a heartbeat may be before a device counts as
// offline for an evaluation.
func (c *Config) OfflineThreshold() time.Duration {
	return time.Duration(c.Health.OfflineAfterMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Health.SweepIntervalMinutes) * time.Minute
}

func (c *Config) HealInterval() time.Duration {
	return time.Duration(c.Healing.SweepIntervalMinutes) * time.Minute
}

func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.Device.IOTimeoutSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
