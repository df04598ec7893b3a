// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 10 MB in bytes.
const defaultMaxMessageSize = 10 << 20

// Relay provider names.
const (
	RelayNone   = "none"
	RelayStdout = "stdout"
	RelaySES    = "ses"
	RelayGraph  = "graph"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP      SMTPConfig      `yaml:"smtp"`
	IMAP      IMAPConfig      `yaml:"imap"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	TLS       TLSConfig       `yaml:"tls"`
	Relay     RelayConfig     `yaml:"relay"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SMTPConfig holds submission listener configuration.
type SMTPConfig struct {
	Listen         string        `yaml:"listen"`
	Hostname       string        `yaml:"hostname"`
	MaxMessageSize int           `yaml:"max_message_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// IMAPConfig holds retrieval listener configuration. Users maps a login name
// to its bcrypt hash; an empty map accepts any credentials.
type IMAPConfig struct {
	Listen      string            `yaml:"listen"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
	Users       map[string]string `yaml:"users"`
}

// RateLimitConfig holds the per-protocol token bucket quotas.
type RateLimitConfig struct {
	SubmissionBurst  int           `yaml:"submission_burst"`
	SubmissionPeriod time.Duration `yaml:"submission_period"`
	RetrievalBurst   int           `yaml:"retrieval_burst"`
	RetrievalPeriod  time.Duration `yaml:"retrieval_period"`
}

// DKIMConfig holds signing configuration. Signing is on unless Disabled is
// set; without PrivateKeyFile an ephemeral key is generated at startup.
type DKIMConfig struct {
	Disabled       bool          `yaml:"disabled"`
	Domain         string        `yaml:"domain"`
	Selector       string        `yaml:"selector"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	Expiration     time.Duration `yaml:"expiration"`
}

// TLSConfig enables implicit TLS on both listeners.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RelayConfig selects where accepted messages are forwarded.
type RelayConfig struct {
	Provider string        `yaml:"provider"`
	Timeout  time.Duration `yaml:"timeout"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.Relay.SES.Region != "" && c.Relay.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	g := c.Relay.Graph
	return g.TenantID != "" && g.ClientID != "" && g.ClientSecret != "" && g.Sender != ""
}

// AuthEnabled returns true if retrieval logins are checked against configured users.
func (c *Config) AuthEnabled() bool {
	return len(c.IMAP.Users) > 0
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.SMTP.Listen == "" {
		errs = append(errs, errors.New("smtp.listen is required"))
	}
	if c.IMAP.Listen == "" {
		errs = append(errs, errors.New("imap.listen is required"))
	}
	if c.SMTP.IdleTimeout <= 0 {
		errs = append(errs, errors.New("smtp.idle_timeout must be positive"))
	}
	if c.IMAP.IdleTimeout <= 0 {
		errs = append(errs, errors.New("imap.idle_timeout must be positive"))
	}
	if c.RateLimit.SubmissionBurst < 1 || c.RateLimit.RetrievalBurst < 1 {
		errs = append(errs, errors.New("ratelimit bursts must be at least 1"))
	}
	if c.RateLimit.SubmissionPeriod <= 0 || c.RateLimit.RetrievalPeriod <= 0 {
		errs = append(errs, errors.New("ratelimit periods must be positive"))
	}
	if !c.DKIM.Disabled && (c.DKIM.Domain == "" || c.DKIM.Selector == "") {
		errs = append(errs, errors.New("dkim.domain and dkim.selector are required when signing is enabled"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	switch c.Relay.Provider {
	case RelayNone, RelayStdout:
	case RelaySES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("relay.ses.region and relay.ses.sender are required for the ses provider"))
		}
	case RelayGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("relay.graph tenant_id, client_id, client_secret and sender are required for the graph provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay provider %q", c.Relay.Provider))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.IdleTimeout = 60 * time.Second

	c.IMAP.Listen = ":2143"
	c.IMAP.IdleTimeout = 60 * time.Second

	c.RateLimit.SubmissionBurst = 10
	c.RateLimit.SubmissionPeriod = 60 * time.Second
	c.RateLimit.RetrievalBurst = 5
	c.RateLimit.RetrievalPeriod = 30 * time.Second

	c.DKIM.Domain = "example.com"
	c.DKIM.Selector = "default"

	c.Relay.Provider = RelayNone
	c.Relay.Timeout = 30 * time.Second

	c.Metrics.Listen = ":9090"
	c.Metrics.Path = "/metrics"

	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var errs []error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setString("SMTP_LISTEN", &c.SMTP.Listen)
	setString("SMTP_HOSTNAME", &c.SMTP.Hostname)
	setInt("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize)
	setDuration("SMTP_IDLE_TIMEOUT", &c.SMTP.IdleTimeout)

	setString("IMAP_LISTEN", &c.IMAP.Listen)
	setDuration("IMAP_IDLE_TIMEOUT", &c.IMAP.IdleTimeout)
	if v := os.Getenv("IMAP_USERS"); v != "" {
		users, err := parseUsers(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("IMAP_USERS: %w", err))
		} else {
			c.IMAP.Users = users
		}
	}

	setInt("RATELIMIT_SUBMISSION_BURST", &c.RateLimit.SubmissionBurst)
	setDuration("RATELIMIT_SUBMISSION_PERIOD", &c.RateLimit.SubmissionPeriod)
	setInt("RATELIMIT_RETRIEVAL_BURST", &c.RateLimit.RetrievalBurst)
	setDuration("RATELIMIT_RETRIEVAL_PERIOD", &c.RateLimit.RetrievalPeriod)

	setBool("DKIM_DISABLED", &c.DKIM.Disabled)
	setString("DKIM_DOMAIN", &c.DKIM.Domain)
	setString("DKIM_SELECTOR", &c.DKIM.Selector)
	setString("DKIM_PRIVATE_KEY_FILE", &c.DKIM.PrivateKeyFile)
	setDuration("DKIM_EXPIRATION", &c.DKIM.Expiration)

	setBool("TLS_ENABLED", &c.TLS.Enabled)
	setString("TLS_CERT_FILE", &c.TLS.CertFile)
	setString("TLS_KEY_FILE", &c.TLS.KeyFile)

	if v := os.Getenv("RELAY_PROVIDER"); v != "" {
		c.Relay.Provider = strings.ToLower(v)
	}
	setDuration("RELAY_TIMEOUT", &c.Relay.Timeout)
	setString("SES_REGION", &c.Relay.SES.Region)
	setString("SES_ACCESS_KEY_ID", &c.Relay.SES.AccessKeyID)
	setString("SES_SECRET_ACCESS_KEY", &c.Relay.SES.SecretAccessKey)
	setString("SES_SENDER", &c.Relay.SES.Sender)
	setString("GRAPH_TENANT_ID", &c.Relay.Graph.TenantID)
	setString("GRAPH_CLIENT_ID", &c.Relay.Graph.ClientID)
	setString("GRAPH_CLIENT_SECRET", &c.Relay.Graph.ClientSecret)
	setString("GRAPH_SENDER", &c.Relay.Graph.Sender)

	setBool("METRICS_ENABLED", &c.Metrics.Enabled)
	setString("METRICS_LISTEN", &c.Metrics.Listen)
	setString("METRICS_PATH", &c.Metrics.Path)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

// parseUsers reads "name:hash,name:hash". Bcrypt hashes never contain ':' or ','.
func parseUsers(v string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("malformed entry %q, want name:hash", entry)
		}
		users[name] = hash
	}
	return users, nil
}
