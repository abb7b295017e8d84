// visionaid/config/config_test.go
package config_test

import (
	"errors"
	"testing"
	"time"

	"visionaid/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		t.Setenv("VISIONAID_PORT", "")
		t.Setenv("VISIONAID_MAX_CONCURRENCY", "")
		t.Setenv("VISIONAID_DEFAULT_WAIT_TIME", "")
		t.Setenv("VISIONAID_MAX_INPUT_SIZE", "")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "8000", cfg.Port)
		assert.Equal(t, 4, cfg.MaxConcurrency)
		assert.Equal(t, "banmai", cfg.DefaultVoice)
		assert.Equal(t, "gemini-2.5-flash", cfg.GeminiModel)
		assert.Equal(t, 10*time.Second, cfg.DefaultWaitTime)
		assert.Equal(t, time.Hour, cfg.ArtifactLifetime)
		assert.Equal(t, time.Duration(0), cfg.TaskRetention)
		assert.Equal(t, int64(20*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, "memory", cfg.TaskBackend)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("VISIONAID_PORT", "9999")
		t.Setenv("VISIONAID_MAX_CONCURRENCY", "10")
		t.Setenv("VISIONAID_DEFAULT_WAIT_TIME", "3")
		t.Setenv("VISIONAID_TASK_RETENTION", "2h")
		t.Setenv("VISIONAID_MAX_INPUT_SIZE", "5MB")
		t.Setenv("VISIONAID_FPT_API_KEY", "fpt-secret")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 10, cfg.MaxConcurrency)
		assert.Equal(t, 3*time.Second, cfg.DefaultWaitTime)
		assert.Equal(t, 2*time.Hour, cfg.TaskRetention)
		assert.Equal(t, int64(5*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, "fpt-secret", cfg.FPTAPIKey)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			GeminiAPIKey:     "g",
			FPTAPIKey:        "f",
			MaxConcurrency:   1,
			QueueSize:        1,
			ArtifactLifetime: time.Hour,
			DefaultWaitTime:  10 * time.Second,
			MaxWaitTime:      time.Minute,
			TaskBackend:      "memory",
		}
	}

	assert.NoError(t, valid().Validate())

	t.Run("missing gemini key", func(t *testing.T) {
		cfg := valid()
		cfg.GeminiAPIKey = " "
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, config.ErrMissingAPIKey))
		assert.Contains(t, err.Error(), "GEMINI_API_KEY")
	})

	t.Run("missing fpt key", func(t *testing.T) {
		cfg := valid()
		cfg.FPTAPIKey = ""
		assert.ErrorIs(t, cfg.Validate(), config.ErrMissingAPIKey)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := valid()
		cfg.TaskBackend = "etcd"
		assert.Error(t, cfg.Validate())
	})

	t.Run("default wait above maximum", func(t *testing.T) {
		cfg := valid()
		cfg.DefaultWaitTime = 2 * time.Minute
		assert.Error(t, cfg.Validate())
	})
}

func TestParseSeconds(t *testing.T) {
	d, err := config.ParseSeconds("10")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	d, err = config.ParseSeconds("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = config.ParseSeconds("soon")
	assert.Error(t, err)
}
