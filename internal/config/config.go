package config

import (
	"fmt"
	"os"
	"time"

	"github.com/vortexlab/tradengine/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Audit struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"audit"`

	Engine EngineConfig `yaml:"engine"`

	Strategy domain.StrategyParameters `yaml:"strategy"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Metrics struct {
		Port int `yaml:"port"`
	} `yaml:"metrics"`
}

type ExchangeConfig struct {
	Name         string   `yaml:"name"`
	RESTEndpoint string   `yaml:"rest_endpoint"`
	WSEndpoint   string   `yaml:"ws_endpoint"`
	Symbols      []string `yaml:"symbols"`
}

type EngineConfig struct {
	BatchTimeBudgetMs int `yaml:"batch_time_budget_ms"`
	InitialBatchSize  int `yaml:"initial_batch_size"`
	MaxBatchSize      int `yaml:"max_batch_size"`

	LeaderTickMs   int `yaml:"leader_tick_ms"`
	LeaderLeaseMs  int `yaml:"leader_lease_ms"`
	JobTimeoutSec  int `yaml:"job_timeout_sec"`
	StaleOrderSec  int `yaml:"stale_order_sec"`
	HousekeepTicks int `yaml:"housekeep_ticks"` // leader ticks between housekeeping runs
}

// BatchBudget returns the wall-clock budget for one signal batch.
func (e EngineConfig) BatchBudget() time.Duration {
	if e.BatchTimeBudgetMs <= 0 {
		return 800 * time.Millisecond
	}
	return time.Duration(e.BatchTimeBudgetMs) * time.Millisecond
}

// JobTimeout returns the hard execution timeout for queue jobs.
func (e EngineConfig) JobTimeout() time.Duration {
	if e.JobTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.JobTimeoutSec) * time.Second
}

// StaleOrderWindow returns the WAIT_OPEN staleness timeout.
func (e EngineConfig) StaleOrderWindow() time.Duration {
	if e.StaleOrderSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.StaleOrderSec) * time.Second
}

// LeaderTick returns the leader renewal cadence (jitter is applied by
// the caller).
func (e EngineConfig) LeaderTick() time.Duration {
	if e.LeaderTickMs <= 0 {
		return time.Second
	}
	return time.Duration(e.LeaderTickMs) * time.Millisecond
}

// LeaderLease returns the leader lock TTL.
func (e EngineConfig) LeaderLease() time.Duration {
	if e.LeaderLeaseMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(e.LeaderLeaseMs) * time.Millisecond
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Exchanges) == 0 {
		return nil, fmt.Errorf("config: at least one exchange is required")
	}
	if cfg.Engine.InitialBatchSize <= 0 {
		cfg.Engine.InitialBatchSize = 8
	}
	if cfg.Engine.MaxBatchSize <= 0 {
		cfg.Engine.MaxBatchSize = 128
	}
	if cfg.Strategy.LotPercent <= 0 {
		cfg.Strategy = domain.DefaultParameters
	}
	return &cfg, nil
}
