// Package config loads indexer configuration from defaults, an optional
// YAML file and AGT20_* environment variables, in that order.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "agt20"

type ctxKey string

const configContextKey ctxKey = "agt20.config"

// WithContext returns a copy of ctx carrying cfg.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext returns the Config stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Validation errors.
var (
	ErrNoStore       = errors.New("postgresDsn is required unless useMemory is set")
	ErrInvalidConfig = errors.New("invalid config")
)

// Config holds every tunable of the indexer.
type Config struct {
	// Storage
	PostgresDSN   string `yaml:"postgresDsn"   envconfig:"POSTGRES_DSN"`
	ClickhouseDSN string `yaml:"clickhouseDsn" envconfig:"CLICKHOUSE_DSN"`
	UseMemory     bool   `yaml:"useMemory"     split_words:"true"`

	// Feed
	FeedBaseURL       string        `yaml:"feedBaseUrl"       envconfig:"FEED_BASE_URL"`
	FeedAPIKey        string        `yaml:"feedApiKey"        envconfig:"FEED_API_KEY"`
	FeedSubmolt       string        `yaml:"feedSubmolt"       split_words:"true"`
	FeedPageSize      int           `yaml:"feedPageSize"      split_words:"true"`
	FeedRecentPages   int           `yaml:"feedRecentPages"   split_words:"true"`
	FeedTimeout       time.Duration `yaml:"feedTimeout"       split_words:"true"`
	BackfillMaxPosts  int           `yaml:"backfillMaxPosts"  split_words:"true"`
	BackfillPageDelay time.Duration `yaml:"backfillPageDelay" split_words:"true"`
	PostURLBase       string        `yaml:"postUrlBase"       envconfig:"POST_URL_BASE"`

	// Classifier
	ClassifierURL     string        `yaml:"classifierUrl"     envconfig:"CLASSIFIER_URL"`
	ClassifierAPIKey  string        `yaml:"classifierApiKey"  envconfig:"CLASSIFIER_API_KEY"`
	ClassifierModel   string        `yaml:"classifierModel"   split_words:"true"`
	ClassifierTimeout time.Duration `yaml:"classifierTimeout" split_words:"true"`

	// Chain
	ChainRPCURL  string `yaml:"chainRpcUrl"  envconfig:"CHAIN_RPC_URL"`
	ClaimFactory string `yaml:"claimFactory" split_words:"true"`

	// Server
	BindAddr         string        `yaml:"bindAddr"         split_words:"true"`
	CronSecret       string        `yaml:"cronSecret"       split_words:"true"`
	RunInterval      time.Duration `yaml:"runInterval"      split_words:"true"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval" split_words:"true"`

	// Policy
	MintCooldown   time.Duration `yaml:"mintCooldown"   split_words:"true"`
	DailyMintQuota int           `yaml:"dailyMintQuota" split_words:"true"`
	BlessingTokens []string      `yaml:"blessingTokens" split_words:"true"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		FeedBaseURL:       "https://www.moltbook.com/api/v1",
		FeedSubmolt:       "agt20",
		FeedPageSize:      50,
		FeedRecentPages:   2,
		FeedTimeout:       30 * time.Second,
		BackfillMaxPosts:  10000,
		BackfillPageDelay: 500 * time.Millisecond,
		PostURLBase:       "https://www.moltbook.com/post",
		ClassifierTimeout: 10 * time.Second,
		BindAddr:          ":8080",
		RunInterval:       5 * time.Minute,
		SnapshotInterval:  time.Hour,
		MintCooldown:      2 * time.Hour,
		DailyMintQuota:    3,
		BlessingTokens:    []string{"CNY", "RED-POCKET", "HONGBAO", "红包"},
	}
}

// Load reads configFile (if non-empty) over the defaults, then applies
// environment overrides.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.FeedBaseURL = strings.TrimRight(c.FeedBaseURL, "/")
	c.PostURLBase = strings.TrimRight(c.PostURLBase, "/")
	c.ClaimFactory = strings.ToLower(strings.TrimSpace(c.ClaimFactory))
}

// Validate rejects unusable combinations.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" && !c.UseMemory {
		return ErrNoStore
	}
	if c.FeedBaseURL == "" {
		return fmt.Errorf("%w: feedBaseUrl is empty", ErrInvalidConfig)
	}
	if c.FeedPageSize <= 0 {
		return fmt.Errorf("%w: feedPageSize must be positive, got %d", ErrInvalidConfig, c.FeedPageSize)
	}
	if c.FeedRecentPages <= 0 {
		return fmt.Errorf("%w: feedRecentPages must be positive, got %d", ErrInvalidConfig, c.FeedRecentPages)
	}
	if c.BackfillMaxPosts <= 0 {
		return fmt.Errorf("%w: backfillMaxPosts must be positive, got %d", ErrInvalidConfig, c.BackfillMaxPosts)
	}
	if c.DailyMintQuota <= 0 {
		return fmt.Errorf("%w: dailyMintQuota must be positive, got %d", ErrInvalidConfig, c.DailyMintQuota)
	}
	if c.MintCooldown < 0 {
		return fmt.Errorf("%w: mintCooldown is negative", ErrInvalidConfig)
	}
	if c.ClaimFactory != "" && c.ChainRPCURL == "" {
		return fmt.Errorf("%w: claimFactory requires chainRpcUrl", ErrInvalidConfig)
	}
	return nil
}

// SnapshotEnabled reports whether on-chain snapshot sync is configured.
func (c *Config) SnapshotEnabled() bool {
	return c.ChainRPCURL != "" && c.ClaimFactory != ""
}
