// Package config loads and validates spiderhost configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/spiderhost/internal/ledger"
	"github.com/JakeFAU/spiderhost/internal/logging"
	"github.com/JakeFAU/spiderhost/internal/spider"
	"github.com/JakeFAU/spiderhost/internal/storage"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    logging.Config   `mapstructure:"logging"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Advisory   AdvisoryConfig   `mapstructure:"advisory"`
	Storage    storage.Config   `mapstructure:"storage"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Admin           bool          `mapstructure:"admin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines admin API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrokerConfig bounds thread allocation.
type BrokerConfig struct {
	MaxThreadsPerSpider int `mapstructure:"max_threads_per_spider"`
	MaxThreadsGlobal    int `mapstructure:"max_threads_global"`
}

// Limits converts the broker section into ledger limits.
func (b BrokerConfig) Limits() ledger.Limits {
	return ledger.Limits{PerSpider: b.MaxThreadsPerSpider, Global: b.MaxThreadsGlobal}
}

// AdvisoryConfig tunes the advisory hub and its optional Pub/Sub sink.
type AdvisoryConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	RecentLimit    int           `mapstructure:"recent_limit"`
	PubSub         PubSubConfig  `mapstructure:"pubsub"`
}

// PubSubConfig enables advisory publishing when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether advisories should be published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// SupervisorConfig lists the spiders to load at startup.
type SupervisorConfig struct {
	UnloadTimeout time.Duration  `mapstructure:"unload_timeout"`
	Spiders       []SpiderConfig `mapstructure:"spiders"`
}

// SpiderConfig names a catalog entry and the id to load it under.
type SpiderConfig struct {
	Name      string         `mapstructure:"name"`
	ID        string         `mapstructure:"id"`
	AutoStart bool           `mapstructure:"auto_start"`
	Params    map[string]any `mapstructure:"params"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDERHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for i := range cfg.Supervisor.Spiders {
		if cfg.Supervisor.Spiders[i].ID == "" {
			cfg.Supervisor.Spiders[i].ID = cfg.Supervisor.Spiders[i].Name
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin", true)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("broker.max_threads_per_spider", ledger.DefaultPerSpider)
	v.SetDefault("broker.max_threads_global", 0)
	v.SetDefault("advisory.buffer_size", 256)
	v.SetDefault("advisory.max_batch_events", 32)
	v.SetDefault("advisory.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("advisory.sink_timeout", 5*time.Second)
	v.SetDefault("advisory.recent_limit", 512)
	v.SetDefault("storage.tabular", storage.BackendMemory)
	v.SetDefault("storage.kv", storage.BackendMemory)
	v.SetDefault("storage.sqlite.path", storage.DefaultSQLitePath())
	v.SetDefault("storage.sqlite.wal", true)
	v.SetDefault("storage.local.base_dir", storage.DefaultLocalDir())
	v.SetDefault("storage.redis.prefix", "spiderhost")
	v.SetDefault("storage.gcs.prefix", "spiderhost")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("supervisor.unload_timeout", 30*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Broker.MaxThreadsPerSpider <= 0 {
		return fmt.Errorf("broker.max_threads_per_spider must be > 0")
	}
	if c.Broker.MaxThreadsGlobal < 0 {
		return fmt.Errorf("broker.max_threads_global must be >= 0")
	}
	if err := c.Broker.Limits().Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if c.Advisory.BufferSize <= 0 {
		return fmt.Errorf("advisory.buffer_size must be > 0")
	}
	if c.Advisory.MaxBatchEvents <= 0 {
		return fmt.Errorf("advisory.max_batch_events must be > 0")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Supervisor.Spiders))
	for i, s := range c.Supervisor.Spiders {
		if s.Name == "" {
			return fmt.Errorf("supervisor.spiders[%d].name must be set", i)
		}
		if err := spider.ID(s.ID).Validate(); err != nil {
			return fmt.Errorf("supervisor.spiders[%d].id: %w", i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("supervisor.spiders[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}
