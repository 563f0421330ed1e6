// Package config loads the server configuration. Sources are applied in
// order, each overriding the previous one: built-in defaults, a YAML file,
// a .env file, the process environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQL    = "sql"
	BackendBadger = "badger"
	BackendDoc    = "doc"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr     string `yaml:"addr" env:"CHATSYNC_ADDR"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// StoreBackend is one of sql, badger or doc.
	StoreBackend string `yaml:"store_backend" env:"STORE_BACKEND"`
	SQLDriver    string `yaml:"sql_driver" env:"SQL_DRIVER"`
	SQLDSN       string `yaml:"sql_dsn" env:"SQL_DSN"`
	// BadgerPath empty keeps the badger database in memory.
	BadgerPath   string        `yaml:"badger_path" env:"BADGER_PATH"`
	ResolveDelay time.Duration `yaml:"resolve_delay" env:"DOCSTORE_RESOLVE_DELAY"`

	ChatLimit    int           `yaml:"chat_limit" env:"CHAT_LIMIT"`
	MessageLimit int           `yaml:"message_limit" env:"MESSAGE_LIMIT"`
	OverlayTTL   time.Duration `yaml:"overlay_ttl" env:"OVERLAY_TTL"`

	JWTSecret     string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL      time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	SecureCookies bool          `yaml:"secure_cookies" env:"SECURE_COOKIES"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Addr:         ":8080",
		LogLevel:     "INFO",
		StoreBackend: BackendSQL,
		SQLDriver:    "sqlite3",
		SQLDSN:       "chatsync.db",
		BadgerPath:   "data/badger",
		ResolveDelay: 50 * time.Millisecond,
		ChatLimit:    50,
		MessageLimit: 100,
		OverlayTTL:   30 * time.Second,
		TokenTTL:     24 * time.Hour,
	}
}

// Load builds the configuration for a process started with args (without
// the program name). --config names the YAML file and --env-file the
// dotenv file; a missing file is only an error when named explicitly.
func Load(args []string) (*Config, error) {
	files := pflag.NewFlagSet("files", pflag.ContinueOnError)
	files.ParseErrorsWhitelist.UnknownFlags = true
	files.Usage = func() {}
	configPath := files.String("config", "", "")
	envFile := files.String("env-file", ".env", "")
	if err := files.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return nil, err
	}

	cfg := Default()
	if err := cfg.loadYAML(*configPath); err != nil {
		return nil, err
	}
	if err := godotenv.Load(*envFile); err != nil {
		if files.Changed("env-file") || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("env file %s: %w", *envFile, err)
		}
	}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	flags := cfg.FlagSet()
	flags.String("config", *configPath, "YAML configuration file")
	flags.String("env-file", *envFile, "dotenv file loaded into the environment")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadYAML(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// FlagSet returns flags bound to c, defaulting to its current values.
func (c *Config) FlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	flags.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "DEBUG, INFO, WARN or ERROR")
	flags.StringVar(&c.StoreBackend, "store", c.StoreBackend, "store backend: sql, badger or doc")
	flags.StringVar(&c.SQLDriver, "sql-driver", c.SQLDriver, "sqlite3 or postgres")
	flags.StringVar(&c.SQLDSN, "sql-dsn", c.SQLDSN, "SQL data source name")
	flags.StringVar(&c.BadgerPath, "badger-path", c.BadgerPath, "badger directory, empty for in-memory")
	flags.DurationVar(&c.ResolveDelay, "resolve-delay", c.ResolveDelay, "doc backend server clock delay")
	flags.IntVar(&c.ChatLimit, "chat-limit", c.ChatLimit, "max chats per listing")
	flags.IntVar(&c.MessageLimit, "message-limit", c.MessageLimit, "newest messages kept per listing")
	flags.DurationVar(&c.OverlayTTL, "overlay-ttl", c.OverlayTTL, "how long live views keep unconfirmed local writes")
	flags.StringVar(&c.JWTSecret, "jwt-secret", c.JWTSecret, "session token signing secret")
	flags.DurationVar(&c.TokenTTL, "token-ttl", c.TokenTTL, "session token lifetime")
	flags.BoolVar(&c.SecureCookies, "secure-cookies", c.SecureCookies, "mark session cookies Secure")
	return flags
}

func (c *Config) Validate() error {
	var problems []error
	if !slices.Contains([]string{BackendSQL, BackendBadger, BackendDoc}, c.StoreBackend) {
		problems = append(problems, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.StoreBackend == BackendSQL && !slices.Contains([]string{"sqlite3", "postgres"}, c.SQLDriver) {
		problems = append(problems, fmt.Errorf("unknown sql driver %q", c.SQLDriver))
	}
	if c.ChatLimit < 0 || c.MessageLimit < 0 {
		problems = append(problems, errors.New("limits must not be negative"))
	}
	if len(c.JWTSecret) < 16 {
		problems = append(problems, errors.New("jwt secret must be at least 16 characters"))
	}
	if c.TokenTTL <= 0 {
		problems = append(problems, errors.New("token ttl must be positive"))
	}
	return errors.Join(problems...)
}
