package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setValidEnv(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:telegram-token")
	t.Setenv("POLLINATIONS_TOKEN", "pollinations-token")
}

func TestLoadConfigDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Context.Limit)
	assert.Equal(t, 50, cfg.Media.MaxVoiceSizeMB)
	assert.Equal(t, 10, cfg.Media.MaxImageSizeMB)
	assert.Equal(t, 60, cfg.Gateway.Timeout)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.MinInterval())
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 4000, cfg.Formatting.MaxMessageLength)
	assert.True(t, cfg.Context.AutoAnalyzeImages)
	assert.Len(t, cfg.Context.Personas, 4)
	assert.Len(t, cfg.Imagine.Sizes, 8)
	assert.Len(t, cfg.Imagine.Styles, 8)
	assert.NotEmpty(t, cfg.Gateway.Refusal.Phrases)
	assert.Equal(t, "https://text.pollinations.ai/openai", cfg.Gateway.TextURL)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("CONTEXT_LIMIT", "40")
	t.Setenv("MIN_REQUEST_INTERVAL", "0.5")
	t.Setenv("MAX_REQUESTS_PER_MINUTE", "10")
	t.Setenv("AUTO_ANALYZE_GENERATED_IMAGES", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.Context.Limit)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.MinInterval())
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerMinute)
	assert.False(t, cfg.Context.AutoAnalyzeImages)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	setValidEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "context:\n  limit: 15\nformatting:\n  max_message_length: 3000\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Context.Limit)
	assert.Equal(t, 3000, cfg.Formatting.MaxMessageLength)
}

func TestLoadConfigRejectsOutOfRange(t *testing.T) {
	cases := map[string]string{
		"CONTEXT_LIMIT":           "0",
		"MAX_VOICE_SIZE_MB":       "201",
		"MAX_IMAGE_SIZE_MB":       "51",
		"API_TIMEOUT":             "5",
		"MIN_REQUEST_INTERVAL":    "0.05",
		"MAX_REQUESTS_PER_MINUTE": "101",
		"LOG_LEVEL":               "loud",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setValidEnv(t)
			t.Setenv(key, value)

			_, err := LoadConfig("")
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindConfig))
		})
	}
}

func TestLoadConfigRequiresTokens(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "short")
	t.Setenv("POLLINATIONS_TOKEN", "pollinations-token")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}
