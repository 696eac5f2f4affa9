package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPConfig holds the REST listener settings
type HTTPConfig struct {
	Port              string        `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// X-Forwarded-For is honoured only on requests from these addresses or
	// CIDRs. Empty means the peer address is always used.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies. Bare addresses become single-host
// prefixes.
func (h HTTPConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, raw := range h.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// GRPCConfig holds the health-check listener settings
type GRPCConfig struct {
	Port string `yaml:"port"`
}

// MQTTConfig holds the broker connection and topic settings
type MQTTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	ClientID      string `yaml:"client_id"`
	IngestTopic   string `yaml:"ingest_topic"`
	DecisionTopic string `yaml:"decision_topic"`
}

// InfluxConfig holds the InfluxDB v2 settings
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// DatabaseConfig holds the relational store settings
type DatabaseConfig struct {
	Driver         string         `yaml:"driver"`
	MySQL          MySQLConfig    `yaml:"mysql"`
	PostgreSQL     PostgresConfig `yaml:"postgres"`
	SQLite         SQLiteConfig   `yaml:"sqlite"`
	ConnectionPool PoolConfig     `yaml:"connection_pool"`
}

// MySQLConfig holds MySQL specific configuration
type MySQLConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	DBName    string `yaml:"dbname"`
	Charset   string `yaml:"charset"`
	ParseTime bool   `yaml:"parse_time"`
	Loc       string `yaml:"loc"`
}

// PostgresConfig holds PostgreSQL specific configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	TimeZone string `yaml:"timezone"`
}

// SQLiteConfig holds SQLite specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TelemetryConfig selects where flushed readings go
type TelemetryConfig struct {
	Backend string `yaml:"backend"` // "influx" | "sql"
}

// FlushConfig drives the periodic drain of the staging buffer
type FlushConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ItemTimeout   time.Duration `yaml:"item_timeout"`
	RequeueFailed bool          `yaml:"requeue_failed"`
	OnShutdown    bool          `yaml:"on_shutdown"`
}

// ThresholdsConfig holds the irrigation trigger levels
type ThresholdsConfig struct {
	SoilHumidity    float64 `yaml:"soil_humidity"`
	AirHumidity     float64 `yaml:"air_humidity"`
	SoilTemperature float64 `yaml:"soil_temperature"`
}

// BreakerConfig tunes the circuit breakers around the stores
type BreakerConfig struct {
	Failures int           `yaml:"failures"`
	OpenFor  time.Duration `yaml:"open_for"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	LogFile      string `yaml:"log_file"`
	LogToConsole bool   `yaml:"log_to_console"`
	LogLevel     string `yaml:"log_level"`
}

// Config holds the complete service configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Influx     InfluxConfig     `yaml:"influx"`
	Database   DatabaseConfig   `yaml:"database"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Flush      FlushConfig      `yaml:"flush"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Default returns the configuration used when neither file nor env say otherwise.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Port: "3000", ReadHeaderTimeout: 10 * time.Second, ShutdownTimeout: 5 * time.Second},
		GRPC: GRPCConfig{Port: "50051"},
		MQTT: MQTTConfig{
			Host:          "localhost",
			Port:          1883,
			User:          "guest",
			Password:      "guest",
			ClientID:      "cropsense-telemetry",
			IngestTopic:   "sensor/readings/#",
			DecisionTopic: "event/irrigationDecision/{device}",
		},
		Influx: InfluxConfig{
			URL:         "http://localhost:8086",
			Org:         "cropsense",
			Bucket:      "telemetry",
			Measurement: "sensor_reading",
		},
		Database: DatabaseConfig{
			MySQL:      MySQLConfig{Port: 3306, Charset: "utf8mb4", ParseTime: true, Loc: "UTC"},
			PostgreSQL: PostgresConfig{Port: 5432, SSLMode: "disable", TimeZone: "UTC"},
			ConnectionPool: PoolConfig{
				MaxIdleConns:    5,
				MaxOpenConns:    20,
				ConnMaxLifetime: time.Hour,
			},
		},
		Telemetry:  TelemetryConfig{Backend: "influx"},
		Flush:      FlushConfig{Interval: 30 * time.Second, ItemTimeout: 5 * time.Second, OnShutdown: true},
		Thresholds: ThresholdsConfig{SoilHumidity: 20, AirHumidity: 40, SoilTemperature: 18},
		Breaker:    BreakerConfig{Failures: 5, OpenFor: 30 * time.Second, Interval: time.Minute},
		Logging:    LoggingConfig{LogFile: "cropsense.log", LogToConsole: true, LogLevel: "info"},
	}
}

// Load reads the YAML file at configPath on top of the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file, for env-only deployments.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = env("PORT", c.HTTP.Port)
	if v := env("TRUSTED_PROXIES", ""); v != "" {
		c.HTTP.TrustedProxies = strings.Split(v, ",")
	}
	c.GRPC.Port = env("GRPC_PORT", c.GRPC.Port)

	c.MQTT.Enabled = envBool("MQTT_ENABLED", c.MQTT.Enabled)
	c.MQTT.Host = env("RABBITMQ_HOST", c.MQTT.Host)
	c.MQTT.Port = envInt("RABBITMQ_PORT", c.MQTT.Port)
	c.MQTT.User = env("RABBITMQ_USER", c.MQTT.User)
	c.MQTT.Password = env("RABBITMQ_PASSWORD", c.MQTT.Password)
	c.MQTT.ClientID = env("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.IngestTopic = env("MQTT_INGEST_TOPIC", c.MQTT.IngestTopic)
	c.MQTT.DecisionTopic = env("MQTT_DECISION_TOPIC", c.MQTT.DecisionTopic)

	c.Influx.URL = env("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = env("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = env("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = env("INFLUX_BUCKET", c.Influx.Bucket)
	c.Influx.Measurement = env("MEASUREMENT", c.Influx.Measurement)

	c.Database.Driver = env("DB_DRIVER", c.Database.Driver)
	switch c.Database.Driver {
	case "mysql":
		c.Database.MySQL.Host = env("DB_HOST", c.Database.MySQL.Host)
		c.Database.MySQL.Port = envInt("DB_PORT", c.Database.MySQL.Port)
		c.Database.MySQL.User = env("DB_USER", c.Database.MySQL.User)
		c.Database.MySQL.Password = env("DB_PASS", c.Database.MySQL.Password)
		c.Database.MySQL.DBName = env("DB_NAME", c.Database.MySQL.DBName)
	case "postgres":
		c.Database.PostgreSQL.Host = env("DB_HOST", c.Database.PostgreSQL.Host)
		c.Database.PostgreSQL.Port = envInt("DB_PORT", c.Database.PostgreSQL.Port)
		c.Database.PostgreSQL.User = env("DB_USER", c.Database.PostgreSQL.User)
		c.Database.PostgreSQL.Password = env("DB_PASS", c.Database.PostgreSQL.Password)
		c.Database.PostgreSQL.DBName = env("DB_NAME", c.Database.PostgreSQL.DBName)
	case "sqlite":
		c.Database.SQLite.Path = env("DB_PATH", c.Database.SQLite.Path)
	}

	c.Telemetry.Backend = env("TELEMETRY_BACKEND", c.Telemetry.Backend)
	c.Flush.Interval = envDuration("FLUSH_INTERVAL", c.Flush.Interval)
	c.Flush.RequeueFailed = envBool("FLUSH_REQUEUE_FAILED", c.Flush.RequeueFailed)
	c.Logging.LogLevel = env("LOG_LEVEL", c.Logging.LogLevel)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := c.HTTP.ProxyPrefixes(); err != nil {
		return err
	}
	if c.Flush.Interval <= 0 {
		return errors.New("flush interval must be positive")
	}
	if c.Flush.ItemTimeout <= 0 {
		return errors.New("flush item timeout must be positive")
	}

	switch c.Database.Driver {
	case "":
		// device metadata updates disabled
	case "mysql":
		if c.Database.MySQL.Host == "" {
			return fmt.Errorf("mysql host is required")
		}
		if c.Database.MySQL.User == "" {
			return fmt.Errorf("mysql user is required")
		}
		if c.Database.MySQL.DBName == "" {
			return fmt.Errorf("mysql database name is required")
		}
	case "postgres":
		if c.Database.PostgreSQL.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Database.PostgreSQL.User == "" {
			return fmt.Errorf("postgres user is required")
		}
		if c.Database.PostgreSQL.DBName == "" {
			return fmt.Errorf("postgres database name is required")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Telemetry.Backend {
	case "influx":
		if c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "" {
			return errors.New("influx config incomplete")
		}
	case "sql":
		if c.Database.Driver == "" {
			return errors.New("sql telemetry backend requires a database driver")
		}
	default:
		return fmt.Errorf("unsupported telemetry backend: %s", c.Telemetry.Backend)
	}

	if c.MQTT.Enabled && (c.MQTT.Host == "" || c.MQTT.IngestTopic == "") {
		return errors.New("mqtt host and ingest topic are required when mqtt is enabled")
	}
	return nil
}

// GetDSN returns the database connection string based on the configured driver
func (c *Config) GetDSN() string {
	switch c.Database.Driver {
	case "mysql":
		mysql := c.Database.MySQL
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
			mysql.User, mysql.Password, mysql.Host, mysql.Port, mysql.DBName,
			mysql.Charset, mysql.ParseTime, mysql.Loc)
	case "postgres":
		pg := c.Database.PostgreSQL
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			pg.Host, pg.Port, pg.User, pg.Password, pg.DBName, pg.SSLMode, pg.TimeZone)
	case "sqlite":
		return c.Database.SQLite.Path
	default:
		return ""
	}
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
