// visionaid/config/config.go
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ErrMissingAPIKey is returned by Validate when a remote credential is absent.
var ErrMissingAPIKey = errors.New("missing API key")

type Config struct {
	Port    string `mapstructure:"PORT"`
	BaseURL string `mapstructure:"BASE"`

	UploadDir string `mapstructure:"UPLOAD_DIR"`
	OutputDir string `mapstructure:"OUTPUT_DIR"`

	GeminiAPIKey  string        `mapstructure:"GEMINI_API_KEY"`
	GeminiModel   string        `mapstructure:"GEMINI_MODEL"`
	GeminiBaseURL string        `mapstructure:"GEMINI_BASE_URL"`
	VisionTimeout time.Duration `mapstructure:"VISION_TIMEOUT"`

	FPTAPIKey     string        `mapstructure:"FPT_API_KEY"`
	FPTTTSURL     string        `mapstructure:"FPT_TTS_URL"`
	FPTSpeed      string        `mapstructure:"FPT_SPEED"`
	SpeechTimeout time.Duration `mapstructure:"SPEECH_TIMEOUT"`

	DefaultVoice    string        `mapstructure:"DEFAULT_VOICE"`
	DefaultWaitTime time.Duration `mapstructure:"DEFAULT_WAIT_TIME"`
	MaxWaitTime     time.Duration `mapstructure:"MAX_WAIT_TIME"`

	MaxInputSize      int64 `mapstructure:"MAX_INPUT_SIZE"`
	MaxImageDimension int   `mapstructure:"MAX_IMAGE_DIMENSION"`
	MinFreeDisk       int64 `mapstructure:"MIN_FREE_DISK"`

	MaxConcurrency int `mapstructure:"MAX_CONCURRENCY"`
	QueueSize      int `mapstructure:"QUEUE_SIZE"`

	ArtifactLifetime time.Duration `mapstructure:"ARTIFACT_LIFETIME"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	TaskRetention    time.Duration `mapstructure:"TASK_RETENTION"`

	TaskBackend string `mapstructure:"TASK_BACKEND"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc parses Go duration strings. Bare integers are
// read as seconds so that "10" and "10s" mean the same wait time.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return ParseSeconds(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// ParseSeconds accepts either a duration string ("1m30s") or a plain number
// of seconds ("10").
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	d, err := time.ParseDuration(s + "s")
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("PORT", "8000")
	vp.SetDefault("BASE", "")
	vp.SetDefault("UPLOAD_DIR", "uploads")
	vp.SetDefault("OUTPUT_DIR", "outputs")
	vp.SetDefault("GEMINI_API_KEY", "")
	vp.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	vp.SetDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com")
	vp.SetDefault("VISION_TIMEOUT", "60s")
	vp.SetDefault("FPT_API_KEY", "")
	vp.SetDefault("FPT_TTS_URL", "https://api.fpt.ai/hmi/tts/v5")
	vp.SetDefault("FPT_SPEED", "")
	vp.SetDefault("SPEECH_TIMEOUT", "30s")
	vp.SetDefault("DEFAULT_VOICE", "banmai")
	vp.SetDefault("DEFAULT_WAIT_TIME", "10s")
	vp.SetDefault("MAX_WAIT_TIME", "60s")
	vp.SetDefault("MAX_INPUT_SIZE", "20MB")
	vp.SetDefault("MAX_IMAGE_DIMENSION", 2048)
	vp.SetDefault("MIN_FREE_DISK", "50MB")
	vp.SetDefault("MAX_CONCURRENCY", 4)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("ARTIFACT_LIFETIME", "1h")
	vp.SetDefault("SWEEP_INTERVAL", "15m")
	vp.SetDefault("TASK_RETENTION", "0s")
	vp.SetDefault("TASK_BACKEND", "memory")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")

	vp.SetConfigName("visionaid_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/visionaid/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("VISIONAID")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports configuration defects that must stop the process at
// startup rather than fail individual requests.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("GEMINI_API_KEY: %w", ErrMissingAPIKey)
	}
	if strings.TrimSpace(c.FPTAPIKey) == "" {
		return fmt.Errorf("FPT_API_KEY: %w", ErrMissingAPIKey)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.ArtifactLifetime <= 0 {
		return fmt.Errorf("ARTIFACT_LIFETIME must be positive")
	}
	if c.DefaultWaitTime <= 0 || (c.MaxWaitTime > 0 && c.DefaultWaitTime > c.MaxWaitTime) {
		return fmt.Errorf("DEFAULT_WAIT_TIME %s out of range", c.DefaultWaitTime)
	}
	switch c.TaskBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown TASK_BACKEND %q", c.TaskBackend)
	}
	return nil
}
