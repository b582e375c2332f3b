// Package config provides the configuration structure for the voice bundle service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Storage backends.
const (
	StorageBackendFS   = "fs"
	StorageBackendNATS = "nats"
)

// Entitlement oracles.
const (
	OracleLedger  = "ledger"
	OracleDenyAll = "deny_all"
)

// Defaults applied to zero values.
const (
	defaultBundleBucket           = "VOICE_BUNDLES"
	defaultAudioBucket            = "VOICE_AUDIO"
	defaultEntitlementBucket      = "VOICE_ENTITLEMENTS"
	defaultSynthesizeSubject      = "voice.synthesize"
	defaultStorageRoot            = "data/shelby"
	defaultNamespace              = "voices"
	defaultPreviewSeconds         = 5
	defaultEmbeddingSize          = 256
	defaultMaxUploadBytes         = 25 << 20
	defaultPipelineTimeoutSeconds = 120
	defaultAPIBaseURL             = "https://api.elevenlabs.io"
	defaultVoiceID                = "21m00Tcm4TlvDq8ikWAM"
	defaultModelID                = "eleven_multilingual_v2"
	defaultProviderPrefix         = "eleven"
	defaultStability              = 0.5
	defaultSimilarityBoost        = 0.85
	defaultDefaultSimilarityBoost = 0.75
	defaultSynthesisTimeoutSecs   = 60
	defaultMaxTextLength          = 5000
	defaultHTTPAddr               = ":8080"
	defaultHTTPTimeoutSeconds     = 120
)

var (
	// ErrUnknownStorageBackend indicates a storage backend other than fs or nats.
	ErrUnknownStorageBackend = errors.New("unknown storage backend")
	// ErrUnknownOracle indicates an entitlement oracle other than ledger or deny_all.
	ErrUnknownOracle = errors.New("unknown entitlement oracle")
	// ErrNATSURLRequired indicates a NATS-backed component without a NATS url.
	ErrNATSURLRequired = errors.New("nats url is required")
	// ErrSettingOutOfRange indicates a provider setting outside [0, 1].
	ErrSettingOutOfRange = errors.New("voice setting must be between 0.0 and 1.0")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL               string `toml:"url"                env:"VOICE_NATS_URL"`
	BundleBucket      string `toml:"bundle_bucket"      env:"VOICE_NATS_BUNDLE_BUCKET"`
	AudioBucket       string `toml:"audio_bucket"       env:"VOICE_NATS_AUDIO_BUCKET"`
	EntitlementBucket string `toml:"entitlement_bucket" env:"VOICE_NATS_ENTITLEMENT_BUCKET"`
	SynthesizeSubject string `toml:"synthesize_subject" env:"VOICE_NATS_SYNTHESIZE_SUBJECT"`
}

// StorageConfig selects the object store behind the gateway.
type StorageConfig struct {
	Backend string `toml:"backend" env:"VOICE_STORAGE_BACKEND"`
	Root    string `toml:"root"    env:"VOICE_STORAGE_ROOT"`
}

// AccessConfig selects the entitlement oracle consulted for non-owners.
type AccessConfig struct {
	Oracle string `toml:"oracle" env:"VOICE_ACCESS_ORACLE"`
}

// PipelineConfig holds the bundle pipeline settings.
type PipelineConfig struct {
	FFmpegPath     string `toml:"ffmpeg_path"      env:"VOICE_FFMPEG_PATH"`
	Namespace      string `toml:"namespace"        env:"VOICE_PIPELINE_NAMESPACE"`
	PreviewSeconds int    `toml:"preview_seconds"  env:"VOICE_PREVIEW_SECONDS"`
	EmbeddingSize  int    `toml:"embedding_size"   env:"VOICE_EMBEDDING_SIZE"`
	MaxUploadBytes int64  `toml:"max_upload_bytes" env:"VOICE_MAX_UPLOAD_BYTES"`
	TimeoutSeconds int    `toml:"timeout_seconds"  env:"VOICE_PIPELINE_TIMEOUT_SECONDS"`
}

// SynthesisConfig holds the speech provider settings.
type SynthesisConfig struct {
	APIBaseURL             string  `toml:"api_base_url"             env:"VOICE_ELEVENLABS_BASE_URL"`
	APIKey                 string  `toml:"api_key"                  env:"VOICE_ELEVENLABS_API_KEY"`
	ProviderPrefix         string  `toml:"provider_prefix"          env:"VOICE_PROVIDER_PREFIX"`
	DefaultVoiceID         string  `toml:"default_voice_id"         env:"VOICE_DEFAULT_VOICE_ID"`
	ModelID                string  `toml:"model_id"                 env:"VOICE_MODEL_ID"`
	Stability              float64 `toml:"stability"                env:"VOICE_STABILITY"`
	SimilarityBoost        float64 `toml:"similarity_boost"         env:"VOICE_SIMILARITY_BOOST"`
	DefaultSimilarityBoost float64 `toml:"default_similarity_boost" env:"VOICE_DEFAULT_SIMILARITY_BOOST"`
	TimeoutSeconds         int     `toml:"timeout_seconds"          env:"VOICE_SYNTHESIS_TIMEOUT_SECONDS"`
	RequestsPerSecond      float64 `toml:"requests_per_second"      env:"VOICE_REQUESTS_PER_SECOND"`
	Burst                  int     `toml:"burst"                    env:"VOICE_REQUEST_BURST"`
	MaxTextLength          int     `toml:"max_text_length"          env:"VOICE_MAX_TEXT_LENGTH"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Addr           string `toml:"addr"            env:"VOICE_HTTP_ADDR"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"VOICE_HTTP_TIMEOUT_SECONDS"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir" env:"VOICE_LOGS_DIR"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Storage   StorageConfig   `toml:"storage"`
	Access    AccessConfig    `toml:"access"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	HTTP      HTTPConfig      `toml:"http"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration through the central configurator, then applies
// environment overrides and defaults.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// Parse decodes TOML data, then applies environment overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.BundleBucket, defaultBundleBucket)
	setString(&c.NATS.AudioBucket, defaultAudioBucket)
	setString(&c.NATS.EntitlementBucket, defaultEntitlementBucket)
	setString(&c.NATS.SynthesizeSubject, defaultSynthesizeSubject)

	setString(&c.Storage.Backend, StorageBackendFS)
	setString(&c.Storage.Root, defaultStorageRoot)

	if c.Access.Oracle == "" {
		c.Access.Oracle = OracleDenyAll
		if c.NATS.URL != "" {
			c.Access.Oracle = OracleLedger
		}
	}

	setString(&c.Pipeline.Namespace, defaultNamespace)
	setInt(&c.Pipeline.PreviewSeconds, defaultPreviewSeconds)
	setInt(&c.Pipeline.EmbeddingSize, defaultEmbeddingSize)
	setInt(&c.Pipeline.TimeoutSeconds, defaultPipelineTimeoutSeconds)

	if c.Pipeline.MaxUploadBytes == 0 {
		c.Pipeline.MaxUploadBytes = defaultMaxUploadBytes
	}

	setString(&c.Synthesis.APIBaseURL, defaultAPIBaseURL)
	setString(&c.Synthesis.ProviderPrefix, defaultProviderPrefix)
	setString(&c.Synthesis.DefaultVoiceID, defaultVoiceID)
	setString(&c.Synthesis.ModelID, defaultModelID)
	setFloat(&c.Synthesis.Stability, defaultStability)
	setFloat(&c.Synthesis.SimilarityBoost, defaultSimilarityBoost)
	setFloat(&c.Synthesis.DefaultSimilarityBoost, defaultDefaultSimilarityBoost)
	setInt(&c.Synthesis.TimeoutSeconds, defaultSynthesisTimeoutSecs)
	setInt(&c.Synthesis.MaxTextLength, defaultMaxTextLength)

	setString(&c.HTTP.Addr, defaultHTTPAddr)
	setInt(&c.HTTP.TimeoutSeconds, defaultHTTPTimeoutSeconds)
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendFS:
	case StorageBackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: storage backend %q", ErrNATSURLRequired, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorageBackend, c.Storage.Backend)
	}

	switch c.Access.Oracle {
	case OracleDenyAll:
	case OracleLedger:
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: entitlement oracle %q", ErrNATSURLRequired, c.Access.Oracle)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOracle, c.Access.Oracle)
	}

	for name, value := range map[string]float64{
		"stability":                c.Synthesis.Stability,
		"similarity_boost":         c.Synthesis.SimilarityBoost,
		"default_similarity_boost": c.Synthesis.DefaultSimilarityBoost,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%w: %s = %f", ErrSettingOutOfRange, name, value)
		}
	}

	return nil
}

// PipelineTimeout returns the per-recording processing limit.
func (c *Config) PipelineTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// SynthesisTimeout returns the provider request limit.
func (c *Config) SynthesisTimeout() time.Duration {
	return time.Duration(c.Synthesis.TimeoutSeconds) * time.Second
}

// HTTPTimeout returns the server read and write limit.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func setFloat(field *float64, value float64) {
	if *field == 0 {
		*field = value
	}
}
