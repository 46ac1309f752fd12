// Package config loads ReceiptGate server configuration. Precedence:
// built-in defaults, then an optional YAML file, then RECEIPTGATE_* env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every server tunable.
type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`

	DatabaseURL         string `yaml:"database_url"`
	AutoMigrate         bool   `yaml:"auto_migrate"`
	EnableGraphLayer    bool   `yaml:"enable_graph_layer"`
	EnableSemanticLayer bool   `yaml:"enable_semantic_layer"`
	TenantID            string `yaml:"tenant_id"`

	APIKeys          []string `yaml:"api_keys"`
	AllowInsecureDev bool     `yaml:"allow_insecure_dev"`

	ReceiptBodyMaxBytes int  `yaml:"receipt_body_max_bytes"`
	RequestMaxBytes     int  `yaml:"request_max_bytes"`
	RequireCauseExists  bool `yaml:"require_cause_exists"`
	SearchDefaultLimit  int  `yaml:"search_default_limit"`
	SearchMaxLimit      int  `yaml:"search_max_limit"`
	InboxDefaultLimit   int  `yaml:"inbox_default_limit"`
	ChainMaxDepth       int  `yaml:"chain_max_depth"`
	StatsTopN           int  `yaml:"stats_top_n"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	TrustedProxies     []string `yaml:"trusted_proxies"`

	RateLimitEnabled      bool   `yaml:"rate_limit_enabled"`
	RateLimitRedisURL     string `yaml:"rate_limit_redis_url"`
	RateLimitPerIPMinute  int    `yaml:"rate_limit_per_ip_minute"`
	RateLimitPerKeyMinute int    `yaml:"rate_limit_per_key_minute"`
	RateLimitBurstRPS     int    `yaml:"rate_limit_burst_rps"`
	RateLimitBurstSize    int    `yaml:"rate_limit_burst_size"`

	LogLevel         string `yaml:"log_level"`
	LogFormat        string `yaml:"log_format"`
	LogReceiptBodies bool   `yaml:"log_receipt_bodies"`

	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		DatabaseURL:           "file:receiptgate.db?_txlock=immediate",
		AutoMigrate:           true,
		EnableGraphLayer:      true,
		TenantID:              "default",
		ReceiptBodyMaxBytes:   262144,
		RequestMaxBytes:       1 << 20,
		SearchDefaultLimit:    50,
		SearchMaxLimit:        500,
		InboxDefaultLimit:     100,
		ChainMaxDepth:         2048,
		StatsTopN:             10,
		RateLimitEnabled:      true,
		RateLimitPerIPMinute:  600,
		RateLimitPerKeyMinute: 300,
		RateLimitBurstRPS:     50,
		RateLimitBurstSize:    100,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load builds the effective configuration. If RECEIPTGATE_CONFIG names a
// YAML file it is overlaid on the defaults before env vars apply.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("RECEIPTGATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv("RECEIPTGATE_" + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv("RECEIPTGATE_" + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv("RECEIPTGATE_" + key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv("RECEIPTGATE_" + key); v != "" {
			parts := strings.Split(v, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	str("HOST", &c.Host)
	num("PORT", &c.Port)
	str("PUBLIC_URL", &c.PublicURL)

	str("DATABASE_URL", &c.DatabaseURL)
	if c.DatabaseURL == Defaults().DatabaseURL {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	flag("AUTO_MIGRATE", &c.AutoMigrate)
	flag("ENABLE_GRAPH_LAYER", &c.EnableGraphLayer)
	flag("ENABLE_SEMANTIC_LAYER", &c.EnableSemanticLayer)
	str("TENANT_ID", &c.TenantID)

	list("API_KEYS", &c.APIKeys)
	flag("ALLOW_INSECURE_DEV", &c.AllowInsecureDev)

	num("RECEIPT_BODY_MAX_BYTES", &c.ReceiptBodyMaxBytes)
	num("REQUEST_MAX_BYTES", &c.RequestMaxBytes)
	flag("REQUIRE_CAUSE_EXISTS", &c.RequireCauseExists)
	num("SEARCH_DEFAULT_LIMIT", &c.SearchDefaultLimit)
	num("SEARCH_MAX_LIMIT", &c.SearchMaxLimit)
	num("INBOX_DEFAULT_LIMIT", &c.InboxDefaultLimit)
	num("CHAIN_MAX_DEPTH", &c.ChainMaxDepth)
	num("STATS_TOP_N", &c.StatsTopN)

	list("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins)
	list("TRUSTED_PROXIES", &c.TrustedProxies)

	flag("RATE_LIMIT_ENABLED", &c.RateLimitEnabled)
	str("RATE_LIMIT_REDIS_URL", &c.RateLimitRedisURL)
	num("RATE_LIMIT_PER_IP_MINUTE", &c.RateLimitPerIPMinute)
	num("RATE_LIMIT_PER_KEY_MINUTE", &c.RateLimitPerKeyMinute)
	num("RATE_LIMIT_BURST_RPS", &c.RateLimitBurstRPS)
	num("RATE_LIMIT_BURST_SIZE", &c.RateLimitBurstSize)

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	flag("LOG_RECEIPT_BODIES", &c.LogReceiptBodies)

	str("OTLP_ENDPOINT", &c.OTLPEndpoint)
	flag("TRACING_ENABLED", &c.TracingEnabled)
}

// Validate rejects configurations the server must not boot with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if len(c.APIKeys) == 0 && !c.AllowInsecureDev {
		return fmt.Errorf("config: api_keys is required unless allow_insecure_dev is set")
	}
	if c.SearchMaxLimit < c.SearchDefaultLimit {
		return fmt.Errorf("config: search_max_limit %d below search_default_limit %d",
			c.SearchMaxLimit, c.SearchDefaultLimit)
	}
	if c.ReceiptBodyMaxBytes <= 0 {
		return fmt.Errorf("config: receipt_body_max_bytes must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DBBackend sniffs the SQL dialect from the database URL.
func (c *Config) DBBackend() string {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}
