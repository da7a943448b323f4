package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "generations", cfg.Storage.Bucket)
	assert.Equal(t, 2500*time.Millisecond, cfg.Inference.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Inference.Timeout)
	assert.Equal(t, 3, cfg.Inference.MaxPollErrors)
	assert.Equal(t, "generation-events", cfg.Kafka.Topic)
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr)
	assert.False(t, cfg.Prompt.ExpertEnabled)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("INFERENCE_POLL_INTERVAL_MS", "2000")
	t.Setenv("INFERENCE_TIMEOUT", "90")
	t.Setenv("PROMPT_EXPERT_ENABLED", "true")
	t.Setenv("INFERENCE_RATE_LIMIT", "0.5")
	t.Setenv("CREDITS_DEFAULT", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, 2*time.Second, cfg.Inference.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Inference.Timeout)
	assert.True(t, cfg.Prompt.ExpertEnabled)
	assert.InDelta(t, 0.5, cfg.Inference.RequestsPerSec, 0.0001)
	assert.Equal(t, 3, cfg.Credits.DefaultCredits, "invalid ints fall back to the default")
}

func TestValidate(t *testing.T) {
	t.Run("missing settings are listed", func(t *testing.T) {
		cfg := LoadConfig()
		cfg.Storage.Backend = "supabase"
		cfg.Supabase = SupabaseConfig{}
		cfg.Inference.APIToken = ""

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SUPABASE_URL")
		assert.Contains(t, err.Error(), "REPLICATE_API_TOKEN")
	})

	t.Run("local backend only needs the inference token", func(t *testing.T) {
		cfg := LoadConfig()
		cfg.Storage.Backend = "local"
		cfg.Supabase = SupabaseConfig{}
		cfg.Inference.APIToken = "r8_token"

		assert.NoError(t, cfg.Validate())
	})

	t.Run("expert prompt requires a gemini key", func(t *testing.T) {
		cfg := LoadConfig()
		cfg.Storage.Backend = "local"
		cfg.Supabase = SupabaseConfig{}
		cfg.Inference.APIToken = "r8_token"
		cfg.Prompt.ExpertEnabled = true
		cfg.Prompt.GeminiAPIKey = ""

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GEMINI_API_KEY")
	})
}
