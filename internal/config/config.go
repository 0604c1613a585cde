package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Port             string   `mapstructure:"PORT"`
	Env              string   `mapstructure:"ENV"`
	LogLevel         string   `mapstructure:"LOG_LEVEL"`
	LogDir           string   `mapstructure:"LOG_DIR"`
	LogShipTopic     string   `mapstructure:"LOG_SHIP_TOPIC"`
	LogShipLevel     string   `mapstructure:"LOG_SHIP_LEVEL"`
	LogShipRate      int      `mapstructure:"LOG_SHIP_RATE"`
	APIPrefix        string   `mapstructure:"API_PREFIX"`
	StorageDriver    string   `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL      string   `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32    `mapstructure:"DB_MIN_CONNS"`
	MongoURL         string   `mapstructure:"MONGO_URL"`
	MongoDatabase    string   `mapstructure:"MONGO_DATABASE"`
	AMQPURL          string   `mapstructure:"AMQP_URL"`
	AMQPExchange     string   `mapstructure:"AMQP_EXCHANGE"`
	EventQueueSize   int      `mapstructure:"EVENT_QUEUE_SIZE"`
	JWTSecret        string   `mapstructure:"JWT_SECRET"`
	AuthRoles        []string `mapstructure:"AUTH_ROLES"`
	CORSOrigins      []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int      `mapstructure:"RATE_LIMIT_BURST"`
	ScheduleTimezone string   `mapstructure:"SCHEDULE_TIMEZONE"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "API_PREFIX", "STORAGE_DRIVER",
	"LOG_DIR", "LOG_SHIP_TOPIC", "LOG_SHIP_LEVEL", "LOG_SHIP_RATE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MONGO_URL", "MONGO_DATABASE",
	"AMQP_URL", "AMQP_EXCHANGE", "EVENT_QUEUE_SIZE",
	"JWT_SECRET", "AUTH_ROLES", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "SCHEDULE_TIMEZONE",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "3001")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_SHIP_TOPIC", "microservice-logs")
	v.SetDefault("LOG_SHIP_LEVEL", "info")
	v.SetDefault("LOG_SHIP_RATE", 50)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MONGO_DATABASE", "workshifts")
	v.SetDefault("AMQP_EXCHANGE", "workshifts")
	v.SetDefault("EVENT_QUEUE_SIZE", 256)
	v.SetDefault("AUTH_ROLES", "doctor,clinicadmin")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("SCHEDULE_TIMEZONE", "UTC")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
	return v
}

func Load() (*Config, error) {
	v := newViper()

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.AuthRoles = splitList(cfg.AuthRoles, v.GetString("AUTH_ROLES"))
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.APIPrefix = strings.TrimRight(cfg.APIPrefix, "/")

	switch cfg.StorageDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case DriverMongo:
		if cfg.MongoURL == "" {
			return nil, fmt.Errorf("MONGO_URL is required")
		}
	}

	if cfg.IsDev() && cfg.JWTSecret == "" {
		log.Println("WARNING: ENV=development and JWT_SECRET is empty; requests are not authenticated.")
	}

	return cfg, nil
}

// splitList normalises comma-separated values that viper leaves as a single
// element when they come from the environment.
func splitList(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" && len(current) == 1 {
		raw = current[0]
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ShipLogs reports whether log lines are published to the broker. Only
// production ships, and only when a broker is configured.
func (c *Config) ShipLogs() bool {
	return c.IsProduction() && c.AMQPURL != "" && c.LogShipTopic != ""
}

// Location resolves SCHEDULE_TIMEZONE. Week boundaries and the daily start
// time of bulk periods are computed in this location.
func (c *Config) Location() (*time.Location, error) {
	if c.ScheduleTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULE_TIMEZONE %q: %w", c.ScheduleTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres, DriverMongo, DriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q, %q or %q, got %q",
			DriverPostgres, DriverMongo, DriverMemory, c.StorageDriver)
	}
	if c.IsProduction() && c.StorageDriver == DriverMemory {
		return fmt.Errorf("STORAGE_DRIVER=memory is not allowed in production")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be positive, got %d", c.EventQueueSize)
	}
	return nil
}

// Watcher reloads the mutable subset of the configuration (currently the log
// level) whenever the .env file changes on disk.
type Watcher struct {
	v        *viper.Viper
	mu       sync.Mutex
	onChange []func(*Config)
}

// Watch starts watching the .env file. Callbacks receive the freshly decoded
// configuration; decode errors are reported through onError and the previous
// configuration stays in effect.
func Watch(onError func(error)) *Watcher {
	w := &Watcher{v: newViper()}
	if err := w.v.ReadInConfig(); err != nil {
		// nothing to watch without a config file
		return w
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(w.v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		w.mu.Lock()
		fns := append([]func(*Config){}, w.onChange...)
		w.mu.Unlock()
		for _, fn := range fns {
			fn(cfg)
		}
	})
	w.v.WatchConfig()
	return w
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}
