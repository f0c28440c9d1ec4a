// Package config loads service configuration from an optional YAML file and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig      `yaml:"service"`
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Notifications NotificationConfig `yaml:"notifications"`
	Auth          AuthConfig         `yaml:"auth"`
	Subjects      []string           `yaml:"subjects"`
	Tracing       TracingConfig      `yaml:"tracing"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. Driver "postgres" uses the pgx pool;
// "memory" keeps everything in process and is meant for local runs.
type DatabaseConfig struct {
	Driver      string        `yaml:"driver"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"sslmode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
}

// NotificationConfig controls the fan-out dispatcher and its sink.
type NotificationConfig struct {
	Sink          string        `yaml:"sink"` // nats | redis | hub | log
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	FanOut        int           `yaml:"fan_out"`
	PushTimeout   time.Duration `yaml:"push_timeout"`
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Breaker       BreakerConfig `yaml:"breaker"`
	SpoolPath     string        `yaml:"spool_path"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// AllowHeaderIdentity accepts X-User-ID when no bearer token is present.
	AllowHeaderIdentity bool `yaml:"allow_header_identity"`
	// AdminUsers may manage the catalog, register tenants and run
	// maintenance endpoints.
	AdminUsers []string `yaml:"admin_users"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-approval-workflows",
			Version:     "0.1.0",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "approvals",
			SSLMode:     "disable",
			MaxConns:    20,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		Notifications: NotificationConfig{
			Sink:          "hub",
			Workers:       4,
			QueueSize:     1024,
			FanOut:        16,
			PushTimeout:   3 * time.Second,
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "notifications.approvals",
			RedisAddr:     "localhost:6379",
			Breaker: BreakerConfig{
				MaxRequests:         1,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 5,
			},
			SpoolPath: "data/notification-spool.db",
		},
		Subjects: []string{"purchase_order", "expense_report", "product"},
	}
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Service.Environment, "SERVICE_ENV")
	setString(&c.Service.LogLevel, "LOG_LEVEL")
	setString(&c.Database.Driver, "STORE_DRIVER")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	setString(&c.Notifications.Sink, "NOTIFY_SINK")
	setString(&c.Notifications.NATSURL, "NATS_URL")
	setString(&c.Notifications.RedisAddr, "REDIS_ADDR")
	setString(&c.Notifications.SpoolPath, "SPOOL_PATH")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	if v := strings.TrimSpace(os.Getenv("ADMIN_USERS")); v != "" {
		c.Auth.AdminUsers = nil
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Auth.AdminUsers = append(c.Auth.AdminUsers, id)
			}
		}
	}

	for key, dst := range map[string]*int{
		"HTTP_PORT": &c.Server.Port,
		"GRPC_PORT": &c.Server.GRPCPort,
		"DB_PORT":   &c.Database.Port,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", key, v)
			}
			*dst = n
		}
	}

	for key, dst := range map[string]*bool{
		"TRACING_ENABLED":       &c.Tracing.Enabled,
		"ALLOW_HEADER_IDENTITY": &c.Auth.AllowHeaderIdentity,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: invalid boolean %q", key, v)
			}
			*dst = b
		}
	}
	return nil
}

// Validate checks settings that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	switch c.Notifications.Sink {
	case "nats", "redis", "hub", "log":
	default:
		return fmt.Errorf("notifications.sink: unsupported sink %q", c.Notifications.Sink)
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server: ports must be positive")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout: must be positive")
	}
	if c.Notifications.Workers <= 0 || c.Notifications.QueueSize <= 0 || c.Notifications.FanOut <= 0 {
		return fmt.Errorf("notifications: workers, queue_size and fan_out must be positive")
	}
	if len(c.Subjects) == 0 {
		return fmt.Errorf("subjects: at least one subject kind is required")
	}
	return nil
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
