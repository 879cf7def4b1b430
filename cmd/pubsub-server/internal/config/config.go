// Package config provides configuration management for the PubSub standalone server.
// It loads settings from environment variables with sensible defaults.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go-simpler.org/env"

	"github.com/coregx/gopubsub"
)

// Config holds all configuration for the PubSub server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	PubSub   PubSubConfig
	Log      LogConfig
	Admin    AdminConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" default:"0.0.0.0" usage:"network listen address"`
	Port            int           `env:"SERVER_PORT" default:"44556" usage:"port to listen on"`
	Name            string        `env:"SERVER_NAME" usage:"server identity name (default: hostname)"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s" usage:"graceful shutdown deadline"`

	PathPublish     string `env:"PATH_PUBLISH" default:"/pubsub/topic/" usage:"publish path prefix"`
	PathReceive     string `env:"PATH_RECEIVE" default:"/pubsub/messages/" usage:"receive path prefix"`
	PathSubscribe   string `env:"PATH_SUBSCRIBE" default:"/pubsub/subscribe/topic/" usage:"subscribe path prefix"`
	PathUnsubscribe string `env:"PATH_UNSUBSCRIBE" default:"/pubsub/subscribe/topic/" usage:"unsubscribe path prefix"`
	PathAck         string `env:"PATH_ACK" default:"/pubsub/ack/" usage:"acknowledgement path prefix"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver      string `env:"DB_DRIVER" default:"sqlite3" usage:"mysql, postgres or sqlite3"`
	Host        string `env:"DB_HOST" default:"localhost"`
	Port        int    `env:"DB_PORT" default:"3306"`
	User        string `env:"DB_USER" default:"pubsub"`
	Password    string `env:"DB_PASSWORD" usage:"required for mysql and postgres"`
	Database    string `env:"DB_NAME" default:"pubsub.db" usage:"database name, or file path for sqlite3"`
	Prefix      string `env:"DB_PREFIX" default:"pubsub_" usage:"table prefix"`
	AutoMigrate bool   `env:"DB_AUTO_MIGRATE" default:"true" usage:"apply embedded migrations at startup"`
}

// PubSubConfig holds PubSub-specific configuration.
type PubSubConfig struct {
	MaxLen              int           `env:"PUBSUB_MAX_LEN" default:"5000000" usage:"ceiling for the total size of one pull"`
	MaxMessages         int           `env:"PUBSUB_MAX_MESSAGES" default:"1000" usage:"ceiling for the message count of one pull"`
	BatchSize           int           `env:"PUBSUB_BATCH_SIZE" default:"100" usage:"push messages per sub_key per round"`
	SweepLimit          int           `env:"PUBSUB_SWEEP_LIMIT" default:"1000" usage:"queue rows one expiry sweep may expire"`
	WorkerInterval      time.Duration `env:"PUBSUB_WORKER_INTERVAL" default:"1s" usage:"delivery worker interval"`
	PushTimeout         time.Duration `env:"PUBSUB_PUSH_TIMEOUT" default:"10s" usage:"timeout of one push request"`
	JournalPoll         time.Duration `env:"PUBSUB_JOURNAL_POLL" default:"250ms" usage:"control-plane journal poll interval"`
	JournalRetention    time.Duration `env:"PUBSUB_JOURNAL_RETENTION" default:"24h" usage:"how long control-plane journal rows are kept"`
	MsgIDRetention      time.Duration `env:"PUBSUB_MSG_ID_RETENTION" default:"8760h" usage:"how long used msg_ids are remembered to reject duplicates"`
	DefaultPriority     int           `env:"PUBSUB_DEFAULT_PRIORITY" default:"5" usage:"priority of publications without one (1-9)"`
	DefaultExpiration   time.Duration `env:"PUBSUB_DEFAULT_EXPIRATION" default:"8760h" usage:"expiration of publications without one"`
	HeartbeatInterval   time.Duration `env:"PUBSUB_HEARTBEAT_INTERVAL" default:"10s" usage:"how often this process announces itself"`
	ServerTTL           time.Duration `env:"PUBSUB_SERVER_TTL" default:"30s" usage:"silence after which a peer counts as gone"`
	EnableNotifications bool          `env:"PUBSUB_ENABLE_NOTIFICATIONS" default:"true" usage:"log delivery failures and expirations"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `env:"LOG_LEVEL" default:"info" usage:"debug, info, warn or error"`
	JSON  bool   `env:"LOG_JSON" default:"false" usage:"log in JSON format"`
}

// AdminConfig holds the credentials of the admin routes. The routes are not
// served when Password is empty.
type AdminConfig struct {
	Username string `env:"ADMIN_USERNAME" default:"admin"`
	Password string `env:"ADMIN_PASSWORD"`
}

// Enabled reports whether admin routes should be served.
func (c AdminConfig) Enabled() bool {
	return c.Password != ""
}

// Load loads configuration from environment variables.
// Follows 12-factor app principles - configuration via environment.
func Load() (*Config, error) {
	return LoadFrom(env.OS)
}

// LoadFrom loads configuration from src.
func LoadFrom(src env.Source) (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg, &env.Options{Source: src}); err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeConfiguration, "failed to load configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, pubsub.NewErrorWithCause(pubsub.ErrCodeConfiguration, "invalid configuration", err)
	}
	return cfg, nil
}

// Usage writes the list of environment variables to w.
func Usage(w io.Writer) {
	env.Usage(&Config{}, w, nil)
}

// Validate checks every group.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.Database),
		validation.Field(&c.PubSub),
		validation.Field(&c.Log),
	)
}

// Validate checks server settings.
func (c ServerConfig) Validate() error {
	path := []validation.Rule{validation.Required, validation.By(prefixPath)}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.PathPublish, path...),
		validation.Field(&c.PathReceive, path...),
		validation.Field(&c.PathSubscribe, path...),
		validation.Field(&c.PathUnsubscribe, path...),
		validation.Field(&c.PathAck, path...),
	)
}

// Validate checks database settings.
func (c DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In("mysql", "postgres", "sqlite3")),
		validation.Field(&c.Password, validation.When(c.Driver != "sqlite3", validation.Required)),
		validation.Field(&c.Database, validation.Required),
	)
}

// Validate checks delivery settings.
func (c PubSubConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxLen, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxMessages, validation.Required, validation.Min(1)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.WorkerInterval, validation.Required),
		validation.Field(&c.PushTimeout, validation.Required),
		validation.Field(&c.MsgIDRetention, validation.Required),
		validation.Field(&c.DefaultPriority, validation.Min(1), validation.Max(9)),
		validation.Field(&c.DefaultExpiration, validation.Min(time.Second)),
		validation.Field(&c.HeartbeatInterval, validation.Required),
		validation.Field(&c.ServerTTL, validation.Required, validation.Min(c.HeartbeatInterval+1)),
	)
}

// Validate checks logging settings.
func (c LogConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.In("trace", "debug", "info", "warn", "warning", "error")),
	)
}

// Library returns the settings the pubsub services take.
func (c PubSubConfig) Library() pubsub.Config {
	return pubsub.Config{
		MaxLen:            c.MaxLen,
		MaxMessages:       c.MaxMessages,
		BatchSize:         c.BatchSize,
		SweepLimit:        c.SweepLimit,

		DefaultPriority:   c.DefaultPriority,
		DefaultExpiration: c.DefaultExpiration,
	}
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database // SQLite uses file path as DSN
	default:
		return ""
	}
}

func prefixPath(value interface{}) error {
	s, _ := value.(string)
	if !strings.HasPrefix(s, "/") || !strings.HasSuffix(s, "/") {
		return fmt.Errorf("must start and end with a slash")
	}
	return nil
}
