package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	WorkDir  string `envconfig:"WORK_DIR" default:"/var/lib/ingestd/work"`
	DBPath   string `envconfig:"DB_PATH" default:"ingestd.db"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile  string `envconfig:"LOG_FILE"`

	Pipeline struct {
		MaxParallel      int           `split_words:"true" default:"3"`
		DispatchInterval time.Duration `split_words:"true" default:"1s"`
		ProgressInterval time.Duration `split_words:"true" default:"500ms"`
		FFmpegPath       string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
		FFprobePath      string        `envconfig:"FFPROBE_PATH" default:"ffprobe"`
	}

	Hub struct {
		SendBuffer    int           `split_words:"true" default:"16"`
		WriteDeadline time.Duration `split_words:"true" default:"5s"`
		PingInterval  time.Duration `split_words:"true" default:"30s"`
	}

	Cache struct {
		Dir string `split_words:"true" default:"/var/lib/ingestd/cache"`
	}

	ObjectStore struct {
		Endpoint  string        `split_words:"true" default:"localhost:9000"`
		AccessKey string        `split_words:"true"`
		SecretKey string        `split_words:"true"`
		Bucket    string        `split_words:"true" default:"media-library"`
		UseSSL    bool          `envconfig:"OBJECT_STORE_USE_SSL" default:"false"`
		URLExpiry time.Duration `envconfig:"OBJECT_STORE_URL_EXPIRY" default:"24h"`
	}

	Cleanup struct {
		Interval time.Duration `split_words:"true" default:"10m"`
		KeepFor  time.Duration `split_words:"true" default:"1h"`
	}

	Notifier struct {
		WebhookURL string `envconfig:"NOTIFIER_WEBHOOK_URL"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"ingestd"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8090"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
