package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/example/weather-imagegen/api-go/internal/model"
)

const (
	StorageLocal = "local"
	StorageMinIO = "minio"

	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueSQLite = "sqlite"
)

type Config struct {
	Addr       string `env:"WEATHER_API_ADDR" env-default:":8080"`
	BaseURL    string `env:"WEATHER_BASE_URL"`
	LogLevel   string `env:"WEATHER_LOG_LEVEL" env-default:"info"`
	RunWorkers bool   `env:"WEATHER_RUN_WORKERS" env-default:"true"`

	StorageBackend    string `env:"WEATHER_STORAGE_BACKEND" env-default:"local"`
	StorageConnection string `env:"WEATHER_STORAGE_CONNECTION"`
	DataDir           string `env:"WEATHER_DATA_DIR" env-default:"local-data"`
	OutputContainer   string `env:"WEATHER_OUTPUT_CONTAINER" env-default:"weather-images"`
	CacheContainer    string `env:"WEATHER_CACHE_CONTAINER" env-default:"background-cache"`
	CacheLRUSize      int    `env:"WEATHER_CACHE_LRU_SIZE" env-default:"64"`

	FeedURL     string `env:"WEATHER_FEED_URL"`
	PhotoAPIKey string `env:"WEATHER_PHOTO_API_KEY"`
	PhotoAPIURL string `env:"WEATHER_PHOTO_API_URL" env-default:"https://api.pexels.com/v1"`

	HTTPTimeout time.Duration `env:"WEATHER_HTTP_TIMEOUT" env-default:"15s"`
	HTTPRetries int           `env:"WEATHER_HTTP_RETRIES" env-default:"3"`

	QueueBackend      string        `env:"WEATHER_QUEUE_BACKEND" env-default:"memory"`
	QueuePrefix       string        `env:"WEATHER_QUEUE_PREFIX" env-default:"weather:"`
	RedisAddr         string        `env:"WEATHER_REDIS_ADDR" env-default:"localhost:6379"`
	VisibilityTimeout time.Duration `env:"WEATHER_QUEUE_VISIBILITY_TIMEOUT" env-default:"5m"`

	// RecoverOnStart requeues unsettled Redis deliveries at boot instead of
	// waiting out VisibilityTimeout. Only safe with a single worker process.
	RecoverOnStart bool `env:"WEATHER_QUEUE_RECOVER_ON_START" env-default:"false"`

	StationCap        int           `env:"WEATHER_STATION_CAP" env-default:"50"`
	MaxAttempts       int           `env:"WEATHER_MAX_ATTEMPTS" env-default:"5"`
	WorkerConcurrency int           `env:"WEATHER_WORKER_CONCURRENCY" env-default:"8"`
	TaskTimeout       time.Duration `env:"WEATHER_TASK_TIMEOUT" env-default:"2m"`
	SignedURLTTL      time.Duration `env:"WEATHER_SIGNED_URL_TTL" env-default:"60m"`
}

// Load reads .env (if any), then the process environment, and validates the
// result. A missing required option yields model.ErrConfigurationMissing.
func Load() (Config, error) {
	loadDotEnv()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if cfg.BaseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		cfg.BaseURL = "http://" + addr
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.StorageConnection) == "" {
		missing = append(missing, "WEATHER_STORAGE_CONNECTION")
	}
	if strings.TrimSpace(c.FeedURL) == "" {
		missing = append(missing, "WEATHER_FEED_URL")
	}
	if strings.TrimSpace(c.PhotoAPIKey) == "" {
		missing = append(missing, "WEATHER_PHOTO_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", model.ErrConfigurationMissing, strings.Join(missing, ", "))
	}

	switch c.StorageBackend {
	case StorageLocal:
		if ParseConnectionString(c.StorageConnection)["secret"] == "" {
			return fmt.Errorf("%w: WEATHER_STORAGE_CONNECTION needs secret=... for local storage", model.ErrConfigurationMissing)
		}
	case StorageMinIO:
		conn := ParseConnectionString(c.StorageConnection)
		for _, k := range []string{"endpoint", "accessKey", "secretKey"} {
			if conn[k] == "" {
				return fmt.Errorf("%w: WEATHER_STORAGE_CONNECTION needs %s=... for minio storage", model.ErrConfigurationMissing, k)
			}
		}
	default:
		return fmt.Errorf("invalid WEATHER_STORAGE_BACKEND: %s", c.StorageBackend)
	}

	switch c.QueueBackend {
	case QueueMemory, QueueRedis, QueueSQLite:
	default:
		return fmt.Errorf("invalid WEATHER_QUEUE_BACKEND: %s", c.QueueBackend)
	}
	if c.StationCap <= 0 {
		return fmt.Errorf("invalid WEATHER_STATION_CAP: %d", c.StationCap)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("invalid WEATHER_MAX_ATTEMPTS: %d", c.MaxAttempts)
	}
	return nil
}

// ParseConnectionString splits "k1=v1;k2=v2" into a map. Values may contain '='.
func ParseConnectionString(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
