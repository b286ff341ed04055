// Package config loads the gateway's settings from the environment and an
// optional config file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Shell    ShellConfig
	Proxy    ProxyConfig
	Session  SessionConfig
	Grain    GrainConfig
	DNS      DNSConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Store    StoreConfig
	Worker   WorkerConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

type ServerConfig struct {
	BindIP string `validate:"omitempty,ip"`
	// Ports holds the primary port first, then the alternate ports.
	Ports []int `validate:"min=1,dive,min=1,max=65535"`
	// AlternatePortFDs makes alternate listeners use inherited fds 5, 6, ...
	AlternatePortFDs bool
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

type ShellConfig struct {
	RootURL      string `validate:"required,url"`
	DDPURL       string `validate:"omitempty,url"`
	WildcardHost string `validate:"required,contains=*"`
}

type ProxyConfig struct {
	FirstPort   int `validate:"min=1,max=65535"`
	BindAddr    string
	BindRetries int `validate:"min=1"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `validate:"gt=0"`
	GCInterval  time.Duration `validate:"gt=0"`
}

type GrainConfig struct {
	Dir             string `validate:"required"`
	SupervisorBin   string `validate:"required"`
	Spawner         string `validate:"oneof=exec docker"`
	SupervisorImage string `validate:"required_if=Spawner docker"`
	NetworkName     string
	ContainerMem    int64
	ContainerCPU    float64
}

type DNSConfig struct {
	CacheTTL        time.Duration `validate:"gt=0"`
	WwwCacheSeconds int           `validate:"min=1"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

type StoreConfig struct {
	Driver string `validate:"oneof=postgres memory"`
}

type WorkerConfig struct {
	Concurrency int `validate:"min=1"`
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

var defaults = map[string]any{
	"BIND_IP":                    "",
	"PORT":                       "6080",
	"ALTERNATE_PORT_FDS":         false,
	"SERVER_READ_TIMEOUT":        30 * time.Second,
	"SERVER_WRITE_TIMEOUT":       120 * time.Second,
	"DDP_DEFAULT_CONNECTION_URL": "",
	"PROXY_FIRST_PORT":           7000,
	"PROXY_BIND_ADDR":            "",
	"PROXY_BIND_RETRIES":         16,
	"SESSION_IDLE_TIMEOUT":       5 * time.Minute,
	"SESSION_GC_INTERVAL":        60 * time.Second,
	"GRAIN_DIR":                  "/var/sandstorm/grains",
	"SUPERVISOR_BIN":             "sandstorm-supervisor",
	"SPAWNER":                    "exec",
	"SUPERVISOR_IMAGE":           "",
	"GRAIN_NETWORK_NAME":         "grain-net",
	"GRAIN_CONTAINER_MEM_MB":     512,
	"GRAIN_CONTAINER_CPU":        0.5,
	"DNS_CACHE_TTL":              30 * time.Second,
	"WWW_CACHE_SECONDS":          30,
	"REDIS_ADDR":                 "localhost:6379",
	"REDIS_PASSWORD":             "",
	"REDIS_DB":                   0,
	"POSTGRES_ADDR":              "localhost:5432",
	"POSTGRES_USER":              "postgres",
	"POSTGRES_PASSWORD":          "postgres",
	"POSTGRES_DB":                "gateway",
	"STORE_DRIVER":               "postgres",
	"WORKER_CONCURRENCY":         5,
	"METRICS_ADDR":               ":9090",
	"LOG_LEVEL":                  "info",
}

// Load reads configuration from environment variables, falling back to
// configFile (any format viper reads) and then to defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	// Required keys have no default; bind them so AutomaticEnv sees them.
	_ = v.BindEnv("ROOT_URL")
	_ = v.BindEnv("WILDCARD_HOST")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	ports, err := parsePorts(v.GetString("PORT"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			BindIP:           v.GetString("BIND_IP"),
			Ports:            ports,
			AlternatePortFDs: v.GetBool("ALTERNATE_PORT_FDS"),
			ReadTimeout:      v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:     v.GetDuration("SERVER_WRITE_TIMEOUT"),
		},
		Shell: ShellConfig{
			RootURL:      v.GetString("ROOT_URL"),
			DDPURL:       v.GetString("DDP_DEFAULT_CONNECTION_URL"),
			WildcardHost: v.GetString("WILDCARD_HOST"),
		},
		Proxy: ProxyConfig{
			FirstPort:   v.GetInt("PROXY_FIRST_PORT"),
			BindAddr:    v.GetString("PROXY_BIND_ADDR"),
			BindRetries: v.GetInt("PROXY_BIND_RETRIES"),
		},
		Session: SessionConfig{
			IdleTimeout: v.GetDuration("SESSION_IDLE_TIMEOUT"),
			GCInterval:  v.GetDuration("SESSION_GC_INTERVAL"),
		},
		Grain: GrainConfig{
			Dir:             v.GetString("GRAIN_DIR"),
			SupervisorBin:   v.GetString("SUPERVISOR_BIN"),
			Spawner:         v.GetString("SPAWNER"),
			SupervisorImage: v.GetString("SUPERVISOR_IMAGE"),
			NetworkName:     v.GetString("GRAIN_NETWORK_NAME"),
			ContainerMem:    v.GetInt64("GRAIN_CONTAINER_MEM_MB"),
			ContainerCPU:    v.GetFloat64("GRAIN_CONTAINER_CPU"),
		},
		DNS: DNSConfig{
			CacheTTL:        v.GetDuration("DNS_CACHE_TTL"),
			WwwCacheSeconds: v.GetInt("WWW_CACHE_SECONDS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Postgres: PostgresConfig{
			Addr:     v.GetString("POSTGRES_ADDR"),
			User:     v.GetString("POSTGRES_USER"),
			Password: v.GetString("POSTGRES_PASSWORD"),
			Database: v.GetString("POSTGRES_DB"),
		},
		Store: StoreConfig{
			Driver: v.GetString("STORE_DRIVER"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("WORKER_CONCURRENCY"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("METRICS_ADDR"),
		},
		Log: LogConfig{
			Level: strings.ToLower(v.GetString("LOG_LEVEL")),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// parsePorts reads a comma-separated port list such as "80,6080".
func parsePorts(s string) ([]int, error) {
	var ports []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		port, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT entry %q: %w", field, err)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// PrimaryPort is the port the shell is served on.
func (s ServerConfig) PrimaryPort() int { return s.Ports[0] }

// AlternatePorts are served by the redirecting dispatcher.
func (s ServerConfig) AlternatePorts() []int { return s.Ports[1:] }
