// Package config loads settings from an optional TOML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	HTTPPort int
	SMTPPort int
	// Domain is the only mail domain that is accepted and served.
	Domain       string
	APIToken     string
	TicketSecret string
	MailTTL      time.Duration
	DeviceLock   bool
	CORSOrigin   string
	LogLevel     slog.Level

	SMTPAuthEnabled bool
	SMTPUsername    string
	SMTPPassword    string
	MaxMessageBytes int64

	StoreDriver  string
	StoreOptions map[string]any
}

func defaults() Config {
	return Config{
		HTTPPort:        3025,
		SMTPPort:        2025,
		Domain:          "burnbox.local",
		MailTTL:         5 * time.Minute,
		DeviceLock:      true,
		CORSOrigin:      "*",
		LogLevel:        slog.LevelInfo,
		SMTPUsername:    "burnbox",
		SMTPPassword:    "burnbox",
		MaxMessageBytes: 10 << 20,
		StoreDriver:     "memory",
		StoreOptions:    map[string]any{},
	}
}

type fileConfig struct {
	HTTPPort     *int             `toml:"http_port"`
	SMTPPort     *int             `toml:"smtp_port"`
	Domain       string           `toml:"domain"`
	APIToken     string           `toml:"api_token"`
	TicketSecret string           `toml:"ticket_secret"`
	MailTTL      string           `toml:"mail_ttl"`
	DeviceLock   *bool            `toml:"device_lock"`
	CORSOrigin   string           `toml:"cors_origin"`
	LogLevel     string           `toml:"log_level"`
	SMTP         *smtpFileConfig  `toml:"smtp"`
	Store        *storeFileConfig `toml:"store"`
}

type smtpFileConfig struct {
	AuthEnabled     *bool  `toml:"auth_enabled"`
	Username        string `toml:"username"`
	Password        string `toml:"password"`
	MaxMessageBytes int64  `toml:"max_message_bytes"`
}

type storeFileConfig struct {
	Driver  string         `toml:"driver"`
	Options map[string]any `toml:"options"`
}

// Load reads CONFIG_FILE (if set) and then the environment.
func Load() (Config, error) {
	cfg := defaults()
	if path := getEnvString("CONFIG_FILE", ""); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if fc.HTTPPort != nil {
		cfg.HTTPPort = *fc.HTTPPort
	}
	if fc.SMTPPort != nil {
		cfg.SMTPPort = *fc.SMTPPort
	}
	setString(&cfg.Domain, fc.Domain)
	setString(&cfg.APIToken, fc.APIToken)
	setString(&cfg.TicketSecret, fc.TicketSecret)
	setString(&cfg.CORSOrigin, fc.CORSOrigin)
	if fc.MailTTL != "" {
		ttl, err := time.ParseDuration(fc.MailTTL)
		if err != nil {
			return fmt.Errorf("config file %s: mail_ttl: %w", path, err)
		}
		cfg.MailTTL = ttl
	}
	if fc.DeviceLock != nil {
		cfg.DeviceLock = *fc.DeviceLock
	}
	if fc.LogLevel != "" {
		level, err := parseLevel(fc.LogLevel)
		if err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		cfg.LogLevel = level
	}
	if fc.SMTP != nil {
		if fc.SMTP.AuthEnabled != nil {
			cfg.SMTPAuthEnabled = *fc.SMTP.AuthEnabled
		}
		setString(&cfg.SMTPUsername, fc.SMTP.Username)
		setString(&cfg.SMTPPassword, fc.SMTP.Password)
		if fc.SMTP.MaxMessageBytes > 0 {
			cfg.MaxMessageBytes = fc.SMTP.MaxMessageBytes
		}
	}
	if fc.Store != nil {
		setString(&cfg.StoreDriver, fc.Store.Driver)
		for k, v := range fc.Store.Options {
			cfg.StoreOptions[k] = v
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.SMTPPort = getEnvInt("SMTP_PORT", cfg.SMTPPort)
	cfg.Domain = getEnvString("MAIL_DOMAIN", cfg.Domain)
	cfg.APIToken = getEnvString("API_AUTH_TOKEN", cfg.APIToken)
	cfg.TicketSecret = getEnvString("TICKET_SECRET", cfg.TicketSecret)
	cfg.MailTTL = getEnvDuration("MAIL_TTL", cfg.MailTTL)
	cfg.DeviceLock = getEnvBool("DEVICE_LOCK", cfg.DeviceLock)
	cfg.CORSOrigin = getEnvString("CORS_ORIGIN", cfg.CORSOrigin)
	if raw := getEnvString("LOG_LEVEL", ""); raw != "" {
		level, err := parseLevel(raw)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	cfg.SMTPAuthEnabled = getEnvBool("SMTP_AUTH_ENABLED", cfg.SMTPAuthEnabled)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", cfg.SMTPUsername)
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.MaxMessageBytes = int64(getEnvInt("SMTP_MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes)))

	cfg.StoreDriver = getEnvString("STORE_DRIVER", cfg.StoreDriver)
	switch cfg.StoreDriver {
	case "valkey":
		setOption(cfg.StoreOptions, "addr", "VALKEY_ADDR")
		setOption(cfg.StoreOptions, "password", "VALKEY_PASSWORD")
		setOption(cfg.StoreOptions, "db", "VALKEY_DB")
	case "sqlite":
		setOption(cfg.StoreOptions, "path", "DB_PATH")
	}
	return nil
}

func (c Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.Domain) == "" {
		errs = append(errs, errors.New("mail domain is required"))
	}
	if c.MailTTL <= 0 {
		errs = append(errs, fmt.Errorf("mail ttl must be positive, got %s", c.MailTTL))
	}
	if c.HTTPPort <= 0 || c.SMTPPort <= 0 {
		errs = append(errs, errors.New("ports must be positive"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max message bytes must be positive"))
	}
	return errors.Join(errs...)
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func setString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

func setOption(options map[string]any, key, envKey string) {
	if value := getEnvString(envKey, ""); value != "" {
		options[key] = value
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("5m") or plain seconds ("300").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if secs, err := strconv.Atoi(trimmed); err == nil {
			return time.Duration(secs) * time.Second
		}
		if parsed, err := time.ParseDuration(trimmed); err == nil {
			return parsed
		}
	}
	return fallback
}
