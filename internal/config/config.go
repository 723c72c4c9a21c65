// Package config loads process settings from defaults, an optional YAML
// file, a .env file, the environment and command-line flags, in that order.
package config

import (
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	EncryptionKey string `yaml:"encryption_key"`
	LogLevel      string `yaml:"log_level"`

	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	HTTP struct {
		Port int `yaml:"port"`
	} `yaml:"http"`

	SSH struct {
		Port           int    `yaml:"port"`
		AuthorizedKeys string `yaml:"authorized_keys"`
		HostKey        string `yaml:"host_key"`
	} `yaml:"ssh"`

	Admin struct {
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"admin"`

	Email struct {
		From string `yaml:"from"`
	} `yaml:"email"`

	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	Cluster struct {
		Mode   string `yaml:"mode"`
		Peer   string `yaml:"peer"`
		Secret string `yaml:"secret"`
	} `yaml:"cluster"`

	Status struct {
		Enabled bool   `yaml:"enabled"`
		Title   string `yaml:"title"`
	} `yaml:"status"`
}

func Default() *Config {
	c := &Config{LogLevel: "info"}
	c.Database.Driver = "sqlite"
	c.Database.DSN = "modelwatch.db"
	c.HTTP.Port = 8080
	c.SSH.Port = 23234
	c.SSH.AuthorizedKeys = "authorized_keys"
	c.SSH.HostKey = ".ssh/id_ed25519"
	c.Admin.Username = "admin"
	c.Email.From = "Model Watch <onboarding@resend.dev>"
	c.Cluster.Mode = "leader"
	c.Status.Enabled = true
	c.Status.Title = "Model Watch"
	return c
}

// Load builds the configuration. An empty path skips the YAML layer; a
// missing .env file is ignored.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("MODELWATCH_" + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		var raw string
		str(key, &raw)
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("MODELWATCH_%s: %w", key, err))
			return
		}
		*dst = n
	}
	boolean := func(key string, dst *bool) {
		var raw string
		str(key, &raw)
		if raw == "" {
			return
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("MODELWATCH_%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("ENCRYPTION_KEY", &c.EncryptionKey)
	str("LOG_LEVEL", &c.LogLevel)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	num("HTTP_PORT", &c.HTTP.Port)
	num("SSH_PORT", &c.SSH.Port)
	str("AUTHORIZED_KEYS", &c.SSH.AuthorizedKeys)
	str("SSH_HOST_KEY", &c.SSH.HostKey)
	str("ADMIN_USERNAME", &c.Admin.Username)
	str("ADMIN_PASSWORD", &c.Admin.Password)
	str("JWT_SECRET", &c.Admin.JWTSecret)
	str("EMAIL_FROM", &c.Email.From)
	str("TELEGRAM_TOKEN", &c.Telegram.Token)
	str("CLUSTER_MODE", &c.Cluster.Mode)
	str("CLUSTER_PEER", &c.Cluster.Peer)
	str("CLUSTER_SECRET", &c.Cluster.Secret)
	boolean("STATUS_PAGE", &c.Status.Enabled)
	str("STATUS_TITLE", &c.Status.Title)

	var chat string
	str("TELEGRAM_CHAT_ID", &chat)
	if chat != "" {
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MODELWATCH_TELEGRAM_CHAT_ID: %w", err))
		} else {
			c.Telegram.ChatID = id
		}
	}
	return errors.Join(errs...)
}

// RegisterFlags declares the command-line overrides on fs.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("config", "", "Path to YAML config file")
	fs.Int("port", 0, "HTTP port for the management API")
	fs.Int("ssh-port", 0, "SSH port for the dashboard (0 keeps config)")
	fs.String("db", "", "SQLite path or Postgres DSN")
	fs.String("driver", "", "Database driver: sqlite or postgres")
	fs.String("keys", "", "Path to authorized_keys file")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
}

// ApplyFlags copies every flag explicitly set on fs over the loaded values.
func (c *Config) ApplyFlags(fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "port":
			c.HTTP.Port, _ = strconv.Atoi(v)
		case "ssh-port":
			c.SSH.Port, _ = strconv.Atoi(v)
		case "db":
			c.Database.DSN = v
		case "driver":
			c.Database.Driver = v
		case "keys":
			c.SSH.AuthorizedKeys = v
		case "log-level":
			c.LogLevel = v
		}
	})
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.EncryptionKey) == "" {
		errs = append(errs, errors.New("MODELWATCH_ENCRYPTION_KEY is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	switch c.Cluster.Mode {
	case "leader":
	case "follower":
		if c.Cluster.Peer == "" {
			errs = append(errs, errors.New("follower mode needs a cluster peer URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cluster mode %q", c.Cluster.Mode))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 || c.SSH.Port < 0 || c.SSH.Port > 65535 {
		errs = append(errs, errors.New("ports must be between 0 and 65535"))
	}
	return errors.Join(errs...)
}

// APIEnabled reports whether the management API can authenticate anyone.
func (c *Config) APIEnabled() bool { return c.Admin.Password != "" }

// JWTKey is the configured signing secret, or one derived from the
// encryption key when none is set.
func (c *Config) JWTKey() []byte {
	if c.Admin.JWTSecret != "" {
		return []byte(c.Admin.JWTSecret)
	}
	sum := sha256.Sum256([]byte("modelwatch-jwt:" + c.EncryptionKey))
	return sum[:]
}
