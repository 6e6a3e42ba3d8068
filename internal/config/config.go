package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-sql-driver/mysql"
)

// Config holds runtime settings shared by the binaries.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"dev"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Dialect selects the store implementation: mysql, postgres or sqlite.
	Dialect string `env:"DB_DIALECT" envDefault:"mysql"`
	// DatabaseURL overrides the DSN assembled from MySQL when set.
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	// Sender selects the outbox channel: webhook, sqs or redis.
	Sender string `env:"NOTIFY_SENDER" envDefault:"webhook"`

	MySQL  MySQLConfig  `envPrefix:"MYSQL_"`
	Outbox OutboxConfig `envPrefix:"OUTBOX_"`
	Task   TaskConfig   `envPrefix:"TASK_"`
	Feishu FeishuConfig `envPrefix:"FEISHU_"`
	SQS    SQSConfig    `envPrefix:"SQS_"`
	Redis  RedisConfig  `envPrefix:"REDIS_"`
	Bot    BotConfig    `envPrefix:"BOT_"`
}

type MySQLConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"3306"`
	User     string `env:"USER" envDefault:"root"`
	Password string `env:"PASSWORD"`
	Database string `env:"DATABASE" envDefault:"notifybox"`
}

// DSN renders a go-sql-driver DSN with UTC time parsing.
func (c MySQLConfig) DSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

type OutboxConfig struct {
	Enabled   bool          `env:"ENABLED" envDefault:"true"`
	Interval  time.Duration `env:"INTERVAL" envDefault:"15s"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"10"`
	Retention time.Duration `env:"RETENTION" envDefault:"1h"`
	GCBatch   int           `env:"GC_BATCH" envDefault:"200"`
}

type TaskConfig struct {
	DefaultTemplateID string `env:"DEFAULT_TEMPLATE_ID" envDefault:"ai-review-notice"`
	DefaultLimit      int    `env:"DEFAULT_LIMIT" envDefault:"10"`
	MaxLimit          int    `env:"MAX_LIMIT" envDefault:"100"`
	MaxRetry          int    `env:"MAX_RETRY" envDefault:"5"`
}

type FeishuConfig struct {
	WebhookURL string        `env:"WEBHOOK_URL"`
	Secret     string        `env:"SECRET"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"6s"`
	// RatePerSecond throttles outgoing webhook calls; 0 disables throttling.
	RatePerSecond float64 `env:"RATE_PER_SECOND" envDefault:"5"`
	Burst         int     `env:"BURST" envDefault:"1"`
}

type SQSConfig struct {
	Endpoint string `env:"ENDPOINT"`
	QueueURL string `env:"QUEUE_URL"`
	Region   string `env:"REGION" envDefault:"us-east-1"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Queue    string `env:"QUEUE" envDefault:"notifybox:notifications"`
}

type BotConfig struct {
	ID string `env:"ID"`
	// Source is "db" to claim straight from the database or "http" to go
	// through the internal task API.
	Source    string `env:"SOURCE" envDefault:"db"`
	ServerURL string `env:"SERVER_URL" envDefault:"http://localhost:8080"`
	BatchSize int    `env:"BATCH_SIZE" envDefault:"10"`
}

// Load parses the environment.
func Load() (Config, error) {
	return Parse(env.Options{})
}

// Parse is Load with explicit env options; tests pass Environment.
func Parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.Dialect {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DIALECT %q is not one of mysql, postgres, sqlite", c.Dialect)
	}
	if c.Dialect == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for postgres")
	}
	switch c.Sender {
	case "webhook", "sqs", "redis":
	default:
		return fmt.Errorf("NOTIFY_SENDER %q is not one of webhook, sqs, redis", c.Sender)
	}
	switch c.Bot.Source {
	case "db", "http":
	default:
		return fmt.Errorf("BOT_SOURCE %q is not one of db, http", c.Bot.Source)
	}
	return nil
}

// DSN returns the data source name for the configured dialect.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	switch c.Dialect {
	case "sqlite":
		return "file:notifybox.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	default:
		return c.MySQL.DSN()
	}
}
