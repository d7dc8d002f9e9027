package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Site       SiteConfig       `yaml:"site" mapstructure:"site"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Mail       MailConfig       `yaml:"mail" mapstructure:"mail"`
	Trigger    TriggerConfig    `yaml:"trigger" mapstructure:"trigger"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`

	// TriggerAllowlist holds the addresses or CIDR prefixes allowed to call
	// POST /alert/trigger. Only the TCP peer address is checked, so behind a
	// reverse proxy on the same host every client appears as loopback and
	// the loopback default admits them all. In that setup, bind the API to a
	// private address and list the scheduler host here instead, or block
	// /alert/trigger at the proxy.
	TriggerAllowlist []string `yaml:"trigger_allowlist" mapstructure:"trigger_allowlist"`
}

// SiteConfig holds the public address links in mail point at.
type SiteConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AuthConfig holds signing secrets and the sign-in provider settings.
type AuthConfig struct {
	SecretKey       string `yaml:"secret_key" mapstructure:"secret_key"`
	SessionHashKey  string `yaml:"session_hash_key" mapstructure:"session_hash_key"`
	SessionBlockKey string `yaml:"session_block_key" mapstructure:"session_block_key"`
	GoogleClientID  string `yaml:"google_client_id" mapstructure:"google_client_id"`
	SecureCookies   bool   `yaml:"secure_cookies" mapstructure:"secure_cookies"`
}

// MailConfig configures outbound SMTP. An empty SMTPURL logs mail instead
// of sending it.
type MailConfig struct {
	SMTPURL          string        `yaml:"smtp_url" mapstructure:"smtp_url"`
	FromAddress      string        `yaml:"from_address" mapstructure:"from_address"`
	FromName         string        `yaml:"from_name" mapstructure:"from_name"`
	SkipVerify       bool          `yaml:"skip_verify" mapstructure:"skip_verify"`
	CertPath         string        `yaml:"cert_path" mapstructure:"cert_path"`
	RatePerSecond    float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst            int           `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// TriggerConfig configures the alert trigger engine.
type TriggerConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ScheduleConfig holds the cron specs used by `leadsdb schedule`.
type ScheduleConfig struct {
	Weekly     string `yaml:"weekly" mapstructure:"weekly"`
	SemiWeekly string `yaml:"semi_weekly" mapstructure:"semi_weekly"`
	Monthly    string `yaml:"monthly" mapstructure:"monthly"`
}

// MonitoringConfig configures operational alerting on trigger runs.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MailFailureThreshold int     `yaml:"mail_failure_threshold" mapstructure:"mail_failure_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.trigger_allowlist", []string{"127.0.0.1", "::1"})
	v.SetDefault("site.base_url", "https://db.algorithmtips.org")
	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.session_hash_key", "")
	v.SetDefault("auth.session_block_key", "")
	v.SetDefault("auth.google_client_id", "")
	v.SetDefault("auth.secure_cookies", true)
	v.SetDefault("mail.smtp_url", "")
	v.SetDefault("mail.from_address", "alerts@algorithmtips.org")
	v.SetDefault("mail.from_name", "Algorithm Tips")
	v.SetDefault("mail.skip_verify", false)
	v.SetDefault("mail.cert_path", "")
	v.SetDefault("mail.rate_per_second", 5.0)
	v.SetDefault("mail.burst", 5)
	v.SetDefault("mail.breaker_threshold", 5)
	v.SetDefault("mail.breaker_reset", 30*time.Second)
	v.SetDefault("trigger.concurrency", 4)
	v.SetDefault("schedule.weekly", "0 0 6 * * TUE")
	v.SetDefault("schedule.semi_weekly", "0 0 6 */10 * *")
	v.SetDefault("schedule.monthly", "0 0 6 1 * *")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.mail_failure_threshold", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys a command needs. mode is one of "serve",
// "trigger", "schedule", or "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
		check(c.Store.DatabaseURL != "", "store.database_url is required")
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	switch mode {
	case "migrate":
	case "serve":
		check(c.Auth.SecretKey != "", "auth.secret_key is required")
		check(validHexKey(c.Auth.SessionHashKey, 32, 64), "auth.session_hash_key must be 32 or 64 hex-encoded bytes")
		check(c.Auth.SessionBlockKey == "" || validHexKey(c.Auth.SessionBlockKey, 16, 24, 32),
			"auth.session_block_key must be 16, 24 or 32 hex-encoded bytes")
		check(c.Server.Port > 0, "server.port must be > 0")
		c.validateTrigger(check)
	case "trigger", "schedule":
		check(c.Auth.SecretKey != "", "auth.secret_key is required")
		c.validateTrigger(check)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateTrigger(check func(bool, string)) {
	check(c.Trigger.Concurrency >= 1 && c.Trigger.Concurrency <= 64, "trigger.concurrency must be between 1 and 64")
	check(c.Monitoring.FailureRateThreshold >= 0 && c.Monitoring.FailureRateThreshold <= 1,
		"monitoring.failure_rate_threshold must be between 0 and 1")
	check(c.Site.BaseURL != "", "site.base_url is required")
}

func validHexKey(s string, sizes ...int) bool {
	b, err := hex.DecodeString(s)
	if err != nil {
		return false
	}
	for _, n := range sizes {
		if len(b) == n {
			return true
		}
	}
	return false
}

// Redacted returns a copy of c with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Store.DatabaseURL = redactURL(c.Store.DatabaseURL)
	c.Auth.SecretKey = mask(c.Auth.SecretKey)
	c.Auth.SessionHashKey = mask(c.Auth.SessionHashKey)
	c.Auth.SessionBlockKey = mask(c.Auth.SessionBlockKey)
	c.Mail.SMTPURL = redactURL(c.Mail.SMTPURL)
	c.Monitoring.WebhookURL = mask(c.Monitoring.WebhookURL)
	return c
}

// redactURL hides the userinfo of a DSN-style URL.
func redactURL(s string) string {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return s
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return s
	}
	return scheme + "://********@" + rest[at+1:]
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
