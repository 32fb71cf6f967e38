package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "EMBEDDER"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Lock     LockConfig     `mapstructure:"lock"`
	Session  SessionConfig  `mapstructure:"session"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Job      JobConfig      `mapstructure:"job"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	Addr     string `mapstructure:"addr"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// RuntimeConfig selects how containers are driven. Kind "cli" shells out
// to podman or docker (Path, or the first found on PATH); "docker-api"
// talks to the engine socket from the DOCKER_* environment.
type RuntimeConfig struct {
	Kind         string        `mapstructure:"kind"`
	Path         string        `mapstructure:"path"`
	Image        string        `mapstructure:"image"`
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
}

type PortsConfig struct {
	Base        int    `mapstructure:"base"`
	Max         int    `mapstructure:"max"`
	PublishHost string `mapstructure:"publish_host"`
}

// LockConfig picks flock files on this host or redis leases shared
// between hosts.
type LockConfig struct {
	Kind      string        `mapstructure:"kind"`
	BuildPath string        `mapstructure:"build_path"`
	PortPath  string        `mapstructure:"port_path"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
	Poll      time.Duration `mapstructure:"poll"`
}

type SessionConfig struct {
	NamePrefix      string        `mapstructure:"name_prefix"`
	LaunchRetries   int           `mapstructure:"launch_retries"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ConnectRetry    time.Duration `mapstructure:"connect_retry"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	PageTimeout     time.Duration `mapstructure:"page_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	ViewportWidth   int           `mapstructure:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height"`
	MaxDownload     int64         `mapstructure:"max_download"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
}

type FetchConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	MaxBody   int64         `mapstructure:"max_body"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type JobConfig struct {
	Queue         string        `mapstructure:"queue"`
	MaxRetry      int           `mapstructure:"max_retry"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "json" or "text".
	Format string `mapstructure:"format"`
}

func Default() *Config {
	tmp := os.TempDir()
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Postgres: PostgresConfig{
			Addr:     "localhost:5432",
			User:     "postgres",
			Password: "postgres",
			Database: "embedder",
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Runtime: RuntimeConfig{
			Kind:         "cli",
			Image:        "embedder-container",
			BuildTimeout: 10 * time.Minute,
		},
		Ports: PortsConfig{
			Base:        4444,
			Max:         5444,
			PublishHost: "127.0.0.1",
		},
		Lock: LockConfig{
			Kind:      "flock",
			BuildPath: filepath.Join(tmp, "embedder-build.lock"),
			PortPath:  filepath.Join(tmp, "embedder-port.lock"),
			LeaseTTL:  2 * time.Minute,
			Poll:      100 * time.Millisecond,
		},
		Session: SessionConfig{
			NamePrefix:      "embedder",
			LaunchRetries:   3,
			ConnectTimeout:  30 * time.Second,
			ConnectRetry:    250 * time.Millisecond,
			TeardownTimeout: 30 * time.Second,
			StopGrace:       5 * time.Second,
			PageTimeout:     30 * time.Second,
			ViewportWidth:   1280,
			ViewportHeight:  800,
			MaxDownload:     64 << 20,
			ReapInterval:    time.Minute,
		},
		Fetch: FetchConfig{
			UserAgent: "embedder/1.0 (+metadata fetcher)",
			MaxBody:   8 << 20,
			Timeout:   30 * time.Second,
		},
		Job: JobConfig{
			Queue:         "default",
			MaxRetry:      3,
			Timeout:       2 * time.Minute,
			MaxAge:        15 * time.Minute,
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SetDefaults registers every key with v so environment variables are
// picked up for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("postgres.addr", d.Postgres.Addr)
	v.SetDefault("postgres.user", d.Postgres.User)
	v.SetDefault("postgres.password", d.Postgres.Password)
	v.SetDefault("postgres.database", d.Postgres.Database)

	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("runtime.kind", d.Runtime.Kind)
	v.SetDefault("runtime.path", d.Runtime.Path)
	v.SetDefault("runtime.image", d.Runtime.Image)
	v.SetDefault("runtime.build_timeout", d.Runtime.BuildTimeout)

	v.SetDefault("ports.base", d.Ports.Base)
	v.SetDefault("ports.max", d.Ports.Max)
	v.SetDefault("ports.publish_host", d.Ports.PublishHost)

	v.SetDefault("lock.kind", d.Lock.Kind)
	v.SetDefault("lock.build_path", d.Lock.BuildPath)
	v.SetDefault("lock.port_path", d.Lock.PortPath)
	v.SetDefault("lock.lease_ttl", d.Lock.LeaseTTL)
	v.SetDefault("lock.poll", d.Lock.Poll)

	v.SetDefault("session.name_prefix", d.Session.NamePrefix)
	v.SetDefault("session.launch_retries", d.Session.LaunchRetries)
	v.SetDefault("session.connect_timeout", d.Session.ConnectTimeout)
	v.SetDefault("session.connect_retry", d.Session.ConnectRetry)
	v.SetDefault("session.teardown_timeout", d.Session.TeardownTimeout)
	v.SetDefault("session.stop_grace", d.Session.StopGrace)
	v.SetDefault("session.page_timeout", d.Session.PageTimeout)
	v.SetDefault("session.user_agent", d.Session.UserAgent)
	v.SetDefault("session.viewport_width", d.Session.ViewportWidth)
	v.SetDefault("session.viewport_height", d.Session.ViewportHeight)
	v.SetDefault("session.max_download", d.Session.MaxDownload)
	v.SetDefault("session.reap_interval", d.Session.ReapInterval)

	v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	v.SetDefault("fetch.max_body", d.Fetch.MaxBody)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)

	v.SetDefault("job.queue", d.Job.Queue)
	v.SetDefault("job.max_retry", d.Job.MaxRetry)
	v.SetDefault("job.timeout", d.Job.Timeout)
	v.SetDefault("job.max_age", d.Job.MaxAge)
	v.SetDefault("job.sweep_interval", d.Job.SweepInterval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load merges defaults, the config file named by v (if any) and
// EMBEDDER_* environment variables, e.g. EMBEDDER_PORTS_BASE.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid configuration")

func (c *Config) Validate() error {
	switch c.Runtime.Kind {
	case "cli", "docker-api":
	default:
		return fmt.Errorf("%w: runtime.kind %q", ErrInvalid, c.Runtime.Kind)
	}
	switch c.Lock.Kind {
	case "flock", "redis":
	default:
		return fmt.Errorf("%w: lock.kind %q", ErrInvalid, c.Lock.Kind)
	}
	if c.Ports.Base <= 0 || c.Ports.Max < c.Ports.Base || c.Ports.Max > 65535 {
		return fmt.Errorf("%w: port range %d-%d", ErrInvalid, c.Ports.Base, c.Ports.Max)
	}
	return nil
}
