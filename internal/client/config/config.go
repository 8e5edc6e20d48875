package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATSYNC_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	// URL is the REST base; the socket endpoint is derived from it unless
	// SocketURL is set.
	URL       string `yaml:"url"`
	SocketURL string `yaml:"socket_url"`
}

type SyncConfig struct {
	PageSize         int           `yaml:"page_size"`
	PresenceInterval time.Duration `yaml:"presence_interval"`
	TypingQuiet      time.Duration `yaml:"typing_quiet"`
	TypingTTL        time.Duration `yaml:"typing_ttl"`
	MatchWindow      time.Duration `yaml:"match_window"`
}

type TransportConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	Backoff     time.Duration `yaml:"backoff"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type APIConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	Attempts        int           `yaml:"attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	ReadConcurrency int           `yaml:"read_concurrency"`
	Rate            float64       `yaml:"rate"`
	Burst           int           `yaml:"burst"`
}

type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	// Addr enables a Prometheus listener when non-empty.
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{URL: "http://localhost:8000"},
		Sync: SyncConfig{
			PageSize:         20,
			PresenceInterval: 30 * time.Second,
			TypingQuiet:      3 * time.Second,
			TypingTTL:        6 * time.Second,
			MatchWindow:      30 * time.Second,
		},
		Transport: TransportConfig{
			MaxRetries:  3,
			Backoff:     time.Second,
			DialTimeout: 10 * time.Second,
		},
		API: APIConfig{
			Timeout:         10 * time.Second,
			Attempts:        3,
			RetryDelay:      500 * time.Millisecond,
			ReadConcurrency: 4,
			Rate:            10,
			Burst:           20,
		},
		Logging: LoggingConfig{Level: "info", File: "debug.log"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists), a .env file in the working directory and CHATSYNC_* variables, in
// that order of precedence from lowest to highest.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("SERVER", &c.Server.URL)
	str("SOCKET_URL", &c.Server.SocketURL)
	num("PAGE_SIZE", &c.Sync.PageSize)
	dur("PRESENCE_INTERVAL", &c.Sync.PresenceInterval)
	dur("TYPING_QUIET", &c.Sync.TypingQuiet)
	dur("TYPING_TTL", &c.Sync.TypingTTL)
	num("MAX_RETRIES", &c.Transport.MaxRetries)
	dur("BACKOFF", &c.Transport.Backoff)
	dur("DIAL_TIMEOUT", &c.Transport.DialTimeout)
	dur("API_TIMEOUT", &c.API.Timeout)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FILE", &c.Logging.File)
	str("METRICS_ADDR", &c.Metrics.Addr)
	if v, ok := lookup(envPrefix + "DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDEBUG: %w", envPrefix, err))
		} else {
			c.Logging.Debug = b
		}
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		errs = append(errs, fmt.Errorf("server.url must be an http(s) URL, got %q", c.Server.URL))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, errors.New("sync.page_size must be positive"))
	}
	if c.Sync.TypingTTL < c.Sync.TypingQuiet {
		errs = append(errs, errors.New("sync.typing_ttl must not be shorter than sync.typing_quiet"))
	}
	if c.Transport.MaxRetries < 0 {
		errs = append(errs, errors.New("transport.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}
