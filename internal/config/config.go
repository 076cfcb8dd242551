// Package config loads CarePipe configuration from .env files, environment
// variables and command-line flags.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePipe state data
	DefaultStateDir = "/var/lib/carepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carepipe.db"
	// DefaultTimezone is used for instances assigned without an explicit zone.
	DefaultTimezone = "Asia/Yekaterinburg"
)

// Messaging transports.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportLog      = "log"
)

// Config holds all application configuration
type Config struct {
	StateDir    string `mapstructure:"state_dir"`
	DatabaseURL string `mapstructure:"database_url"`
	APIAddr     string `mapstructure:"api_addr"`

	Redis     RedisConfig     `mapstructure:"redis"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Twilio    TwilioConfig    `mapstructure:"twilio"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Program   ProgramConfig   `mapstructure:"program"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RedisConfig configures the message buffer and distributed locks. An empty
// address selects the in-process implementations.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
	// WebhookURL is the public URL Twilio posts to. When set, request
	// signatures are validated against it.
	WebhookURL string `mapstructure:"webhook_url"`
}

type WhatsAppConfig struct {
	DBDSN       string `mapstructure:"db_dsn"`
	QROutput    string `mapstructure:"qr_output"`
	NumericCode bool   `mapstructure:"numeric_code"`
}

type MessagingConfig struct {
	Transport string `mapstructure:"transport"`
}

// ProgramConfig holds reminder engine policy.
type ProgramConfig struct {
	DefaultTimezone     string        `mapstructure:"default_timezone"`
	SweepCron           string        `mapstructure:"sweep_cron"`
	RolloverCron        string        `mapstructure:"rollover_cron"`
	EscalationThreshold time.Duration `mapstructure:"escalation_threshold"`
	SweepConcurrency    int           `mapstructure:"sweep_concurrency"`
}

// AnalysisConfig holds debounce and analysis worker policy.
type AnalysisConfig struct {
	BufferWindow  time.Duration `mapstructure:"buffer_window"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Concurrency   int           `mapstructure:"concurrency"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
	DurableJobs   bool          `mapstructure:"durable_jobs"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Mode   string `mapstructure:"mode"` // development or production
	Redact bool   `mapstructure:"redact"`
}

// Load reads configuration from an optional .env file, the environment and
// any flags bound from fs (which may be nil).
func Load(fs *pflag.FlagSet) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("api_addr", ":8080")

	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("messaging.transport", TransportLog)

	v.SetDefault("program.default_timezone", DefaultTimezone)
	v.SetDefault("program.sweep_cron", "*/15 * * * *")
	v.SetDefault("program.rollover_cron", "5 0 * * *")
	v.SetDefault("program.escalation_threshold", 2*time.Hour)
	v.SetDefault("program.sweep_concurrency", 4)

	v.SetDefault("analysis.buffer_window", 10*time.Second)
	v.SetDefault("analysis.timeout", 30*time.Second)
	v.SetDefault("analysis.max_attempts", 3)
	v.SetDefault("analysis.concurrency", 5)
	v.SetDefault("analysis.alert_cooldown", 6*time.Hour)
	v.SetDefault("analysis.durable_jobs", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.mode", "development")
	v.SetDefault("logging.redact", true)
}

// envBindings maps config keys to environment variables.
var envBindings = map[string][]string{
	"state_dir":    {"CAREPIPE_STATE_DIR"},
	"database_url": {"DATABASE_URL"},
	"api_addr":     {"API_ADDR"},

	"redis.addr":     {"REDIS_ADDR"},
	"redis.password": {"REDIS_PASSWORD"},
	"redis.db":       {"REDIS_DB"},

	"openai.api_key": {"OPENAI_API_KEY"},
	"openai.model":   {"OPENAI_MODEL"},

	"twilio.account_sid": {"TWILIO_ACCOUNT_SID"},
	"twilio.auth_token":  {"TWILIO_AUTH_TOKEN"},
	"twilio.from_number": {"TWILIO_FROM_NUMBER"},
	"twilio.webhook_url": {"TWILIO_WEBHOOK_URL"},

	"whatsapp.db_dsn": {"WHATSAPP_DB_DSN"},

	"messaging.transport": {"MESSAGING_TRANSPORT"},

	"program.default_timezone":     {"DEFAULT_TIMEZONE"},
	"program.sweep_cron":           {"SWEEP_CRON"},
	"program.rollover_cron":        {"ROLLOVER_CRON"},
	"program.escalation_threshold": {"ESCALATION_THRESHOLD"},
	"program.sweep_concurrency":    {"SWEEP_CONCURRENCY"},

	"analysis.buffer_window":  {"BUFFER_WINDOW"},
	"analysis.timeout":        {"ANALYSIS_TIMEOUT"},
	"analysis.max_attempts":   {"ANALYSIS_MAX_ATTEMPTS"},
	"analysis.concurrency":    {"ANALYSIS_CONCURRENCY"},
	"analysis.alert_cooldown": {"ALERT_COOLDOWN"},
	"analysis.durable_jobs":   {"ANALYSIS_DURABLE_JOBS"},

	"logging.level":  {"LOG_LEVEL"},
	"logging.mode":   {"LOG_MODE"},
	"logging.redact": {"LOG_REDACTION_ENABLED"},
}

// bindEnvVars binds environment variables to config keys
func bindEnvVars(v *viper.Viper) error {
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// flagBindings maps command-line flags onto config keys.
var flagBindings = map[string]string{
	"state-dir":    "state_dir",
	"db-dsn":       "database_url",
	"api-addr":     "api_addr",
	"redis-addr":   "redis.addr",
	"transport":    "messaging.transport",
	"qr-output":    "whatsapp.qr_output",
	"numeric-code": "whatsapp.numeric_code",
	"log-level":    "logging.level",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagBindings {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// RegisterFlags declares the flags understood by Load on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("state-dir", "", "state directory for CarePipe data (overrides $CAREPIPE_STATE_DIR)")
	fs.String("db-dsn", "", "database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)")
	fs.String("api-addr", "", "API server address (overrides $API_ADDR)")
	fs.String("redis-addr", "", "Redis address for buffers and locks (overrides $REDIS_ADDR)")
	fs.String("transport", "", "messaging transport: whatsapp, twilio or log (overrides $MESSAGING_TRANSPORT)")
	fs.String("qr-output", "", "path to write WhatsApp login QR code")
	fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code")
	fs.String("log-level", "", "log level (overrides $LOG_LEVEL)")
}

// applyDerivedDefaults fills values that depend on other settings.
func (c *Config) applyDerivedDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	// If no database URL is provided, default to SQLite in the state directory
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	// Default to the application database for the WhatsApp session store
	if c.WhatsApp.DBDSN == "" {
		c.WhatsApp.DBDSN = c.DatabaseURL
	}
	c.Messaging.Transport = strings.ToLower(strings.TrimSpace(c.Messaging.Transport))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Program.DefaultTimezone); err != nil || c.Program.DefaultTimezone == "" {
		return fmt.Errorf("program.default_timezone %q is not a valid IANA zone", c.Program.DefaultTimezone)
	}
	for name, d := range map[string]time.Duration{
		"program.escalation_threshold": c.Program.EscalationThreshold,
		"analysis.buffer_window":       c.Analysis.BufferWindow,
		"analysis.timeout":             c.Analysis.Timeout,
		"analysis.alert_cooldown":      c.Analysis.AlertCooldown,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Analysis.MaxAttempts < 1 {
		return fmt.Errorf("analysis.max_attempts must be at least 1")
	}
	if c.Analysis.Concurrency < 1 || c.Program.SweepConcurrency < 1 {
		return fmt.Errorf("concurrency settings must be at least 1")
	}
	if c.Program.SweepCron == "" || c.Program.RolloverCron == "" {
		return fmt.Errorf("program.sweep_cron and program.rollover_cron are required")
	}

	switch c.Messaging.Transport {
	case TransportLog, TransportWhatsApp:
	case TransportTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.FromNumber == "" {
			return fmt.Errorf("twilio transport requires account SID, auth token and from number")
		}
	default:
		return fmt.Errorf("unknown messaging transport %q", c.Messaging.Transport)
	}
	return nil
}
