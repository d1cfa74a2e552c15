package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

var defaultDBPaths = map[string]string{
	DriverSQLite: "ChatDatabase.sqlite",
	DriverBadger: "ChatDatabase.badger",
}

type Config struct {
	Host              string        `env:"CHAT_HOST"`
	Port              int           `env:"CHAT_PORT,default=8888" validate:"gte=0,lte=65535"`
	WSAddr            string        `env:"CHAT_WS_ADDR"`
	StoreDriver       string        `env:"CHAT_STORE_DRIVER,default=sqlite" validate:"oneof=sqlite badger"`
	DBPath            string        `env:"CHAT_DB_PATH" validate:"required"` // defaults per driver
	HandshakeTimeout  time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT,default=30s" validate:"gt=0"`
	IdleTimeout       time.Duration `env:"CHAT_IDLE_TIMEOUT,default=0s" validate:"gte=0"` // 0 disables
	WriteTimeout      time.Duration `env:"CHAT_WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	StoreTimeout      time.Duration `env:"CHAT_STORE_TIMEOUT,default=5s" validate:"gt=0"`
	ShutdownTimeout   time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
	SendBuffer        int           `env:"CHAT_SEND_BUFFER,default=64" validate:"gte=1"`
	MaxLineLength     int           `env:"CHAT_MAX_LINE_LENGTH,default=4096" validate:"gte=64"`
	MaxUsernameLength int           `env:"CHAT_MAX_USERNAME_LENGTH,default=0" validate:"gte=0,ltefield=MaxLineLength"` // 0 allows a full line
	ControlSocket     string        `env:"CHAT_CONTROL_SOCKET,default=/tmp/chatd.sock"`
	CensoredWords     string        `env:"CHAT_CENSORED_WORDS"`
	CensorChar        string        `env:"CHAT_CENSOR_CHAR,default=*" validate:"len=1"`
	LogLevel          string        `env:"CHAT_LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
}

var validate = validator.New()

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPaths[cfg.StoreDriver]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the TCP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Words splits CHAT_CENSORED_WORDS, dropping blanks.
func (c *Config) Words() []string {
	var words []string
	for _, w := range strings.Split(c.CensoredWords, ",") {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func (c *Config) CensorRune() rune {
	r := []rune(c.CensorChar)
	if len(r) == 0 {
		return '*'
	}
	return r[0]
}
