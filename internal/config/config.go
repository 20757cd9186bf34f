// Package config loads govsync settings from an optional govsync.yaml, a
// .env file and GOVSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentworkforce/govsync/internal/aggregates"
)

const (
	envPrefix      = "GOVSYNC"
	configFileName = "govsync"
	configFileType = "yaml"
)

type Config struct {
	Addr          string                `mapstructure:"addr"`
	Profile       string                `mapstructure:"profile"`
	DataDir       string                `mapstructure:"data_dir"`
	ProductionDSN string                `mapstructure:"production_dsn"`
	Log           LogConfig             `mapstructure:"log"`
	Stores        StoreConfig           `mapstructure:"stores"`
	Source        SourceConfig          `mapstructure:"source"`
	Webhook       WebhookConfig         `mapstructure:"webhook"`
	Sync          SyncConfig            `mapstructure:"sync"`
	Refresh       RefreshConfig         `mapstructure:"refresh"`
	Auth          AuthConfig            `mapstructure:"auth"`
	RateLimit     RateLimitConfig       `mapstructure:"rate_limit"`
	Aggregates    []aggregates.Endpoint `mapstructure:"aggregates"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig holds explicit backend DSNs. Empty values fall back to the
// profile defaults.
type StoreConfig struct {
	Graph         string `mapstructure:"graph"`
	Mirror        string `mapstructure:"mirror"`
	Queue         string `mapstructure:"queue"`
	QueueCapacity int    `mapstructure:"queue_capacity"`
	Cache         string `mapstructure:"cache"`
	Replay        string `mapstructure:"replay"`
	DomainSeeds   string `mapstructure:"domain_seeds"`
}

type SourceConfig struct {
	Kind       string `mapstructure:"kind"`
	Repository string `mapstructure:"repository"`
	Ref        string `mapstructure:"ref"`
	Token      string `mapstructure:"token"`
	BaseURL    string `mapstructure:"base_url"`
	LocalRoot  string `mapstructure:"local_root"`
}

type WebhookConfig struct {
	Secret       string        `mapstructure:"secret"`
	Branch       string        `mapstructure:"branch"`
	ReplayWindow time.Duration `mapstructure:"replay_window"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type SyncConfig struct {
	Workers       int           `mapstructure:"workers"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Concurrency   int           `mapstructure:"concurrency"`
	GroupPatterns []string      `mapstructure:"group_patterns"`
}

type RefreshConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Jitter      float64       `mapstructure:"jitter"`
	Concurrency int           `mapstructure:"concurrency"`
	GroupsTTL   time.Duration `mapstructure:"groups_ttl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("profile", "durable-local")
	v.SetDefault("data_dir", ".govsync")
	v.SetDefault("production_dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("stores.graph", "")
	v.SetDefault("stores.mirror", "")
	v.SetDefault("stores.queue", "")
	v.SetDefault("stores.queue_capacity", 1024)
	v.SetDefault("stores.cache", "")
	v.SetDefault("stores.replay", "")
	v.SetDefault("stores.domain_seeds", "")
	v.SetDefault("source.kind", "github")
	v.SetDefault("source.repository", "")
	v.SetDefault("source.ref", "main")
	v.SetDefault("source.token", "")
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.local_root", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.branch", "main")
	v.SetDefault("webhook.replay_window", 24*time.Hour)
	v.SetDefault("webhook.max_body_bytes", 5<<20)
	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.retry_delay", 30*time.Second)
	v.SetDefault("sync.concurrency", 8)
	v.SetDefault("sync.group_patterns", []string{"groups/**"})
	v.SetDefault("refresh.interval", 15*time.Minute)
	v.SetDefault("refresh.jitter", 0.1)
	v.SetDefault("refresh.concurrency", 8)
	v.SetDefault("refresh.groups_ttl", time.Hour)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("rate_limit.max", 120)
	v.SetDefault("rate_limit.window", time.Minute)
}

// Load reads configuration. file may name an explicit config file; otherwise
// govsync.yaml is searched in the working directory and
// $HOME/.config/govsync. A missing file is not an error.
func Load(file string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "govsync"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// applyProfile fills every empty store DSN from the backend profile.
func (c *Config) applyProfile() error {
	defaults, err := ProfileDefaults(c.Profile, c.DataDir, c.ProductionDSN)
	if err != nil {
		return err
	}
	fill := func(dst *string, fallback string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = fallback
		}
	}
	fill(&c.Stores.Graph, defaults.Graph)
	fill(&c.Stores.Mirror, defaults.Mirror)
	fill(&c.Stores.Queue, defaults.Queue)
	fill(&c.Stores.Cache, defaults.Cache)
	fill(&c.Stores.Replay, defaults.Replay)
	return nil
}

// ProfileDefaults returns the DSNs a backend profile implies. production
// puts the graph and queue in PostgreSQL; the caches and replay records stay
// in memory unless configured.
func ProfileDefaults(profile, dataDir, productionDSN string) (StoreConfig, error) {
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".govsync"
	}
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", "custom":
		return StoreConfig{}, nil
	case "memory", "inmemory":
		return StoreConfig{Graph: "memory://", Mirror: "memory://", Queue: "memory://", Cache: "memory://", Replay: "memory://"}, nil
	case "durable-local", "local-durable":
		return StoreConfig{
			Graph:  "sqlite://" + filepath.Join(dataDir, "graph.db"),
			Mirror: "file://" + filepath.Join(dataDir, "mirror"),
			Queue:  "file://" + filepath.Join(dataDir, "sync-queue.json"),
			Cache:  "memory://",
			Replay: "memory://",
		}, nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return StoreConfig{}, fmt.Errorf("production_dsn (GOVSYNC_PRODUCTION_DSN) is required for profile %s", profile)
		}
		return StoreConfig{
			Graph:  productionDSN,
			Mirror: "file://" + filepath.Join(dataDir, "mirror"),
			Queue:  productionDSN,
			Cache:  "memory://",
			Replay: "memory://",
		}, nil
	default:
		return StoreConfig{}, fmt.Errorf("unsupported profile: %s", profile)
	}
}

func (c Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.Source.Kind) {
	case "github":
	case "local":
		if strings.TrimSpace(c.Source.LocalRoot) == "" {
			problems = append(problems, "source.local_root is required for a local source")
		}
	default:
		problems = append(problems, fmt.Sprintf("source.kind %q is not github or local", c.Source.Kind))
	}
	if c.Refresh.Jitter < 0 || c.Refresh.Jitter > 1 {
		problems = append(problems, "refresh.jitter must be within [0,1]")
	}
	seen := map[string]bool{}
	for i, ep := range c.Aggregates {
		switch {
		case strings.TrimSpace(ep.Key) == "" || strings.TrimSpace(ep.URL) == "":
			problems = append(problems, fmt.Sprintf("aggregates[%d] needs key and url", i))
		case ep.TTL <= 0:
			problems = append(problems, fmt.Sprintf("aggregates[%d] (%s) needs a positive ttl", i, ep.Key))
		case seen[ep.Key]:
			problems = append(problems, fmt.Sprintf("aggregate key %s is configured twice", ep.Key))
		}
		seen[ep.Key] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
