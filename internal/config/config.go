// Package config loads configuration from the environment and an optional
// config file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Filevine FilevineConfig `mapstructure:"filevine" validate:"required"`
	S3       S3Config       `mapstructure:"s3" validate:"required"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FilevineConfig covers the remote API and its credentials.
type FilevineConfig struct {
	BaseURL      string   `mapstructure:"base_url" validate:"required,url"`
	PageLimit    int      `mapstructure:"page_limit" validate:"min=1,max=1000"`
	DocPageLimit int      `mapstructure:"doc_page_limit" validate:"min=1,max=1000"`
	AccessToken  string   `mapstructure:"access_token"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url" validate:"omitempty,url"`
	Scopes       []string `mapstructure:"scopes"`
	OrgID        string   `mapstructure:"org_id"`
	UserID       string   `mapstructure:"user_id"`

	MaxRetries      int           `mapstructure:"max_retries" validate:"min=0,max=20"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter   time.Duration `mapstructure:"backoff_jitter"`
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout"`
	ContentTimeout  time.Duration `mapstructure:"content_timeout"`
}

// S3Config covers the mirror bucket.
type S3Config struct {
	Bucket     string `mapstructure:"bucket" validate:"required"`
	Prefix     string `mapstructure:"prefix"`
	Region     string `mapstructure:"region" validate:"required"`
	Endpoint   string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	PublicRead bool   `mapstructure:"public_read"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Concurrency   int      `mapstructure:"concurrency" validate:"min=1,max=64"`
	Workers       int      `mapstructure:"workers" validate:"min=1,max=32"`
	ExcludeGlobs  []string `mapstructure:"exclude_globs"`
	PruneStale    bool     `mapstructure:"prune_stale"`
	AllowlistJSON string   `mapstructure:"allowlist_json"`
}

// ServerConfig covers the webhook listener and the job store.
type ServerConfig struct {
	ListenAddr       string `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr      string `mapstructure:"metrics_addr"`
	WebhookJWTSecret string `mapstructure:"webhook_jwt_secret"`
	DatabaseURL      string `mapstructure:"database_url"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// setting binds a config key to its environment variable and default.
type setting struct {
	key string
	env string
	def any
}

var settings = []setting{
	{"filevine.base_url", "FILEVINE_BASE_URL", "https://calljacob.api.filevineapp.com"},
	{"filevine.page_limit", "FV_PAGE_LIMIT", 500},
	{"filevine.doc_page_limit", "FV_DOC_PAGE_LIMIT", 200},
	{"filevine.access_token", "FV_ACCESS_TOKEN", ""},
	{"filevine.client_id", "FV_CLIENT_ID", ""},
	{"filevine.client_secret", "FV_CLIENT_SECRET", ""},
	{"filevine.token_url", "FV_TOKEN_URL", ""},
	{"filevine.scopes", "FV_SCOPES", []string{}},
	{"filevine.org_id", "FV_ORG_ID", ""},
	{"filevine.user_id", "FV_USER_ID", ""},
	{"filevine.max_retries", "MAX_RETRIES", 5},
	{"filevine.backoff_base", "BACKOFF_BASE", 500 * time.Millisecond},
	{"filevine.backoff_cap", "BACKOFF_CAP", 8 * time.Second},
	{"filevine.backoff_jitter", "BACKOFF_JITTER", 250 * time.Millisecond},
	{"filevine.metadata_timeout", "METADATA_TIMEOUT", 15 * time.Second},
	{"filevine.content_timeout", "CONTENT_TIMEOUT", 60 * time.Second},

	{"s3.bucket", "S3_BUCKET", "two-way-sync"},
	{"s3.prefix", "S3_PREFIX", "lojedemofolder/"},
	{"s3.region", "S3_REGION", "us-east-1"},
	{"s3.endpoint", "S3_ENDPOINT", ""},
	{"s3.access_key", "S3_ACCESS_KEY", ""},
	{"s3.secret_key", "S3_SECRET_KEY", ""},
	{"s3.public_read", "S3_PUBLIC_READ", false},

	{"sync.concurrency", "SYNC_CONCURRENCY", 4},
	{"sync.workers", "SYNC_WORKERS", 1},
	{"sync.exclude_globs", "SYNC_EXCLUDE_GLOBS", []string{}},
	{"sync.prune_stale", "PRUNE_STALE_ON_UPSERT", false},
	{"sync.allowlist_json", "PROJECT_ALLOWLIST_JSON", ""},

	{"server.listen_addr", "LISTEN_ADDR", ":8080"},
	{"server.metrics_addr", "METRICS_ADDR", ":9090"},
	{"server.webhook_jwt_secret", "WEBHOOK_JWT_SECRET", ""},
	{"server.database_url", "DATABASE_URL", ""},

	{"logging.level", "LOG_LEVEL", "info"},
	{"logging.format", "LOG_FORMAT", "json"},
}

// Load reads configuration from the environment, layered over an optional
// YAML file at configPath.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", s.env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Filevine.BaseURL = strings.TrimRight(cfg.Filevine.BaseURL, "/")
	cfg.Sync.ExcludeGlobs = splitList(cfg.Sync.ExcludeGlobs)
	cfg.Filevine.Scopes = splitList(cfg.Filevine.Scopes)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// AllowedProjects parses the project allow-list. A nil map means every
// project is allowed, as does an empty list. Entries may be numbers or
// numeric strings.
func (c *SyncConfig) AllowedProjects() (map[int64]bool, error) {
	raw := strings.TrimSpace(c.AllowlistJSON)
	if raw == "" {
		return nil, nil
	}
	var entries []json.Number
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("invalid PROJECT_ALLOWLIST_JSON: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	allowed := make(map[int64]bool, len(entries))
	for _, e := range entries {
		id, err := e.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid project id %q in allow-list", e)
		}
		allowed[id] = true
	}
	return allowed, nil
}
