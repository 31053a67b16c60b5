package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Claims   ClaimsConfig   `yaml:"claims"`
	Purchase PurchaseConfig `yaml:"purchase"`
	Upkeep   UpkeepConfig   `yaml:"upkeep"`
	Index    IndexConfig    `yaml:"index"`
	Workers  WorkersConfig  `yaml:"workers"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Tick     TickConfig     `yaml:"tick"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"` // sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type ProfileConfig struct {
	MaxAllocated int `yaml:"max_allocated"`
}

type ClaimsConfig struct {
	StartingChunks     int                      `yaml:"starting_chunks"`
	MaxClaimsPerPlayer int                      `yaml:"max_claims_per_player"`
	MaxChunksPerClaim  int                      `yaml:"max_chunks_per_claim"`
	Worlds             []string                 `yaml:"worlds,omitempty"`
	Profiles           map[string]ProfileConfig `yaml:"profiles,omitempty"`
}

type PurchaseConfig struct {
	Sizes                []int         `yaml:"sizes"`
	BasePriceCents       int64         `yaml:"base_price_cents"`
	PriceStepCents       int64         `yaml:"price_step_cents"`
	ClaimOrderMultiplier float64       `yaml:"claim_order_multiplier"`
	MaxPurchasedPerClaim int           `yaml:"max_purchased_per_claim"`
	RefundAttempts       int           `yaml:"refund_attempts"`
	RefundBackoff        time.Duration `yaml:"refund_backoff"`
}

type UpkeepConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	CostPerChunkCents int64         `yaml:"cost_per_chunk_cents"`
	AutoUnclaim       bool          `yaml:"auto_unclaim"`
	KeepMinChunks     int           `yaml:"keep_min_chunks"`
	PageSize          int           `yaml:"page_size"`
	SweepEvery        time.Duration `yaml:"sweep_every"`
	StartupSweep      bool          `yaml:"startup_sweep"`
}

type IndexConfig struct {
	ClaimCacheSize int           `yaml:"claim_cache_size"`
	StaleGrace     time.Duration `yaml:"stale_grace"`
}

type WorkersConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

type LedgerConfig struct {
	LogDir     string `yaml:"log_dir"`
	ArchiveDir string `yaml:"archive_dir"`
}

type TickConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Defaults() Config {
	return Config{
		Store: StoreConfig{Backend: "sqlite", SQLitePath: "./data/claims.sqlite"},
		Claims: ClaimsConfig{
			StartingChunks:     4,
			MaxClaimsPerPlayer: 5,
			MaxChunksPerClaim:  1000,
			Profiles: map[string]ProfileConfig{
				"default": {MaxAllocated: 200},
			},
		},
		Purchase: PurchaseConfig{
			Sizes:                []int{1, 5, 10, 50, 100},
			BasePriceCents:       10000,
			PriceStepCents:       500,
			ClaimOrderMultiplier: 0.5,
			MaxPurchasedPerClaim: 500,
			RefundAttempts:       3,
			RefundBackoff:        200 * time.Millisecond,
		},
		Upkeep: UpkeepConfig{
			Enabled:           true,
			Interval:          24 * time.Hour,
			GracePeriod:       72 * time.Hour,
			CostPerChunkCents: 100,
			AutoUnclaim:       true,
			KeepMinChunks:     1,
			PageSize:          100,
			SweepEvery:        10 * time.Minute,
			StartupSweep:      true,
		},
		Index:   IndexConfig{ClaimCacheSize: 4096, StaleGrace: 5 * time.Minute},
		Workers: WorkersConfig{MaxWorkers: 8, QueueSize: 1024},
		Ledger:  LedgerConfig{LogDir: "./data/ledger", ArchiveDir: "./data/archives"},
		Tick:    TickConfig{QueueSize: 4096},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:8080"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("claims.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("claims.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Claims.Profiles == nil {
		c.Claims.Profiles = map[string]ProfileConfig{}
	}
	if _, ok := c.Claims.Profiles["default"]; !ok {
		c.Claims.Profiles["default"] = ProfileConfig{MaxAllocated: 200}
	}
	sizes := make([]int, 0, len(c.Purchase.Sizes))
	seen := map[int]bool{}
	for _, s := range c.Purchase.Sizes {
		if s > 0 && !seen[s] {
			seen[s] = true
			sizes = append(sizes, s)
		}
	}
	sort.Ints(sizes)
	c.Purchase.Sizes = sizes
	if c.Purchase.RefundAttempts <= 0 {
		c.Purchase.RefundAttempts = 1
	}
	if c.Upkeep.PageSize <= 0 {
		c.Upkeep.PageSize = 100
	}
	if c.Upkeep.KeepMinChunks < 0 {
		c.Upkeep.KeepMinChunks = 0
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	for i := range c.Claims.Worlds {
		c.Claims.Worlds[i] = strings.TrimSpace(c.Claims.Worlds[i])
	}
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("store.postgres_dsn must not be empty")
		}
	default:
		return fmt.Errorf("unsupported store.backend: %s", c.Store.Backend)
	}
	if c.Claims.StartingChunks < 0 {
		return fmt.Errorf("claims.starting_chunks must be >= 0")
	}
	if c.Claims.MaxChunksPerClaim <= 0 {
		return fmt.Errorf("claims.max_chunks_per_claim must be > 0")
	}
	if len(c.Purchase.Sizes) == 0 {
		return fmt.Errorf("purchase.sizes must not be empty")
	}
	if c.Purchase.BasePriceCents <= 0 {
		return fmt.Errorf("purchase.base_price_cents must be > 0")
	}
	if c.Purchase.PriceStepCents < 0 || c.Purchase.ClaimOrderMultiplier < 0 {
		return fmt.Errorf("purchase price step and claim order multiplier must be >= 0")
	}
	if c.Upkeep.Enabled {
		if c.Upkeep.Interval <= 0 {
			return fmt.Errorf("upkeep.interval must be > 0")
		}
		if c.Upkeep.GracePeriod <= 0 {
			return fmt.Errorf("upkeep.grace_period must be > 0")
		}
		if c.Upkeep.CostPerChunkCents < 0 {
			return fmt.Errorf("upkeep.cost_per_chunk_cents must be >= 0")
		}
	}
	for name, p := range c.Claims.Profiles {
		if p.MaxAllocated < 0 {
			return fmt.Errorf("claims.profiles.%s.max_allocated must be >= 0", name)
		}
	}
	return nil
}

// WorldAllowed reports whether claims may exist in world. An empty list allows every world.
func (c ClaimsConfig) WorldAllowed(world string) bool {
	if strings.TrimSpace(world) == "" {
		return false
	}
	if len(c.Worlds) == 0 {
		return true
	}
	for _, w := range c.Worlds {
		if w == world {
			return true
		}
	}
	return false
}

// AllocationCeiling returns the per-profile allocation limit, falling back to the default profile.
func (c ClaimsConfig) AllocationCeiling(profile string) int {
	if p, ok := c.Profiles[profile]; ok {
		return p.MaxAllocated
	}
	return c.Profiles["default"].MaxAllocated
}
