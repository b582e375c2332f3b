// Package config_test tests the configuration loading for the voice bundle service.
package config_test

import (
	"testing"
	"time"

	"github.com/book-expert/voice-bundle-service/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
[nats]
url = "nats://127.0.0.1:4222"
bundle_bucket = "BUNDLES"
audio_bucket = "AUDIO"
entitlement_bucket = "PURCHASES"
synthesize_subject = "voice.synthesize"

[storage]
backend = "nats"

[access]
oracle = "ledger"

[pipeline]
ffmpeg_path = "/usr/bin/ffmpeg"
preview_seconds = 3
embedding_size = 128
max_upload_bytes = 1048576
timeout_seconds = 30

[synthesis]
api_key = "secret"
default_voice_id = "voice-default"
stability = 0.4
similarity_boost = 0.9
default_similarity_boost = 0.7
requests_per_second = 2.5
burst = 3

[http]
addr = ":9090"
timeout_seconds = 45

[paths]
base_logs_dir = "/var/log/voice"
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	err := toml.Unmarshal([]byte(fullConfig), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "BUNDLES", cfg.NATS.BundleBucket)
	assert.Equal(t, "AUDIO", cfg.NATS.AudioBucket)
	assert.Equal(t, "PURCHASES", cfg.NATS.EntitlementBucket)
	assert.Equal(t, config.StorageBackendNATS, cfg.Storage.Backend)
	assert.Equal(t, config.OracleLedger, cfg.Access.Oracle)
	assert.Equal(t, "/usr/bin/ffmpeg", cfg.Pipeline.FFmpegPath)
	assert.Equal(t, 3, cfg.Pipeline.PreviewSeconds)
	assert.Equal(t, 128, cfg.Pipeline.EmbeddingSize)
	assert.Equal(t, int64(1048576), cfg.Pipeline.MaxUploadBytes)
	assert.Equal(t, "secret", cfg.Synthesis.APIKey)
	assert.InEpsilon(t, 0.4, cfg.Synthesis.Stability, 0.001)
	assert.InEpsilon(t, 2.5, cfg.Synthesis.RequestsPerSecond, 0.001)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "/var/log/voice", cfg.Paths.BaseLogsDir)
}

func TestParse_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(`
[paths]
base_logs_dir = "logs"
`))
	require.NoError(t, err)

	assert.Equal(t, config.StorageBackendFS, cfg.Storage.Backend)
	assert.Equal(t, "data/shelby", cfg.Storage.Root)
	assert.Equal(t, config.OracleDenyAll, cfg.Access.Oracle, "no NATS means no ledger")
	assert.Equal(t, "voices", cfg.Pipeline.Namespace)
	assert.Equal(t, 5, cfg.Pipeline.PreviewSeconds)
	assert.Equal(t, 256, cfg.Pipeline.EmbeddingSize)
	assert.Equal(t, "21m00Tcm4TlvDq8ikWAM", cfg.Synthesis.DefaultVoiceID)
	assert.Equal(t, "eleven_multilingual_v2", cfg.Synthesis.ModelID)
	assert.Equal(t, "eleven", cfg.Synthesis.ProviderPrefix)
	assert.InEpsilon(t, 0.5, cfg.Synthesis.Stability, 0.001)
	assert.InEpsilon(t, 0.85, cfg.Synthesis.SimilarityBoost, 0.001)
	assert.InEpsilon(t, 0.75, cfg.Synthesis.DefaultSimilarityBoost, 0.001)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "voice.synthesize", cfg.NATS.SynthesizeSubject)
	assert.Equal(t, 120*time.Second, cfg.PipelineTimeout())
	assert.Equal(t, 60*time.Second, cfg.SynthesisTimeout())
	assert.Equal(t, 120*time.Second, cfg.HTTPTimeout())
}

func TestParse_LedgerIsDefaultWithNATS(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(`
[nats]
url = "nats://127.0.0.1:4222"
`))
	require.NoError(t, err)
	assert.Equal(t, config.OracleLedger, cfg.Access.Oracle)
}

func TestParse_Validation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		toml string
		want error
	}{
		{"unknown backend", "[storage]\nbackend = \"s3\"", config.ErrUnknownStorageBackend},
		{"nats backend without url", "[storage]\nbackend = \"nats\"", config.ErrNATSURLRequired},
		{"ledger without url", "[access]\noracle = \"ledger\"", config.ErrNATSURLRequired},
		{"unknown oracle", "[access]\noracle = \"chain\"", config.ErrUnknownOracle},
		{"stability too high", "[synthesis]\nstability = 1.5", config.ErrSettingOutOfRange},
		{"similarity negative", "[synthesis]\nsimilarity_boost = -0.1", config.ErrSettingOutOfRange},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Parse([]byte(tc.toml))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParse_MalformedTOML(t *testing.T) {
	t.Parallel()

	_, err := config.Parse([]byte("[nats\nurl ="))
	require.Error(t, err)
}

// Not parallel: t.Setenv modifies the process environment.
func TestParse_EnvironmentOverrides(t *testing.T) {
	t.Setenv("VOICE_ELEVENLABS_API_KEY", "from-env")
	t.Setenv("VOICE_HTTP_ADDR", ":7000")
	t.Setenv("VOICE_PREVIEW_SECONDS", "2")

	cfg, err := config.Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Synthesis.APIKey)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 2, cfg.Pipeline.PreviewSeconds)
	assert.Equal(t, "voice-default", cfg.Synthesis.DefaultVoiceID, "unset variables keep file values")
}
