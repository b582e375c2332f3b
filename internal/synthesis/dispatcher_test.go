package synthesis_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/access"
	"github.com/book-expert/voice-bundle-service/internal/bundle"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/gateway"
	"github.com/book-expert/voice-bundle-service/internal/metrics"
	"github.com/book-expert/voice-bundle-service/internal/objectstore"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
	"github.com/book-expert/voice-bundle-service/internal/synthesis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultVoice = "default-voice"

var (
	errRegisterRejected = errors.New("voice cloning quota exceeded")
	errSpeakRejected    = errors.New("provider unavailable")
	errDeleteRejected   = errors.New("delete failed")
)

// mockProvider records every call made to it.
type mockProvider struct {
	mu sync.Mutex

	registerErr error
	deleteErr   error
	speakErrFor map[string]error

	registered []string
	spoken     []string
	deleted    []string
	settings   []core.VoiceSettings
}

func (m *mockProvider) Speak(_ context.Context, voiceID, text string, settings core.VoiceSettings) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.spoken = append(m.spoken, voiceID)
	m.settings = append(m.settings, settings)

	if err := m.speakErrFor[voiceID]; err != nil {
		return nil, err
	}

	return []byte("audio:" + voiceID + ":" + text), nil
}

func (m *mockProvider) RegisterVoice(_ context.Context, _ []byte, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registered = append(m.registered, name)

	if m.registerErr != nil {
		return "", m.registerErr
	}

	return "transient-1", nil
}

func (m *mockProvider) DeleteVoice(_ context.Context, voiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleted = append(m.deleted, voiceID)

	return m.deleteErr
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "synthesis-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

type fixture struct {
	gateway    *gateway.Gateway
	provider   *mockProvider
	dispatcher *synthesis.Dispatcher
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T, provider *mockProvider, oracle access.EntitlementOracle) *fixture {
	t.Helper()

	store, err := objectstore.NewFS(t.TempDir())
	require.NoError(t, err)

	log := newTestLogger(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	gw := gateway.New(store, log, m)

	dispatcher := synthesis.NewDispatcher(
		provider,
		gw,
		access.NewVerifier(oracle, log, m),
		nil,
		synthesis.Settings{
			DefaultVoiceID:         defaultVoice,
			ModelID:                "eleven_multilingual_v2",
			Stability:              0.5,
			SimilarityBoost:        0.85,
			DefaultSimilarityBoost: 0.75,
		},
		log,
		m,
	)

	return &fixture{gateway: gw, provider: provider, dispatcher: dispatcher, metrics: m}
}

func (f *fixture) storeBundle(t *testing.T, withPreview bool) {
	t.Helper()

	parts := map[string][]byte{
		bundle.PartEmbedding: {0x01, 0x02},
		bundle.PartConfig:    []byte(`{"sampleRate":16000,"channels":1,"embeddingSize":2,"embeddingFormat":"float32"}`),
		bundle.PartMeta:      []byte(`{"name":"Narrator","owner":"0xabc","voiceId":"v1"}`),
	}

	if withPreview {
		parts[bundle.PartPreview] = []byte("RIFF preview")
	}

	_, err := f.gateway.Put(context.Background(), "0xabc", storageuri.NamespaceVoices, "v1", parts)
	require.NoError(t, err)
}

func TestDispatcher_NoPreviewUsesDefaultVoiceWithoutRegistration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockProvider{}, access.DenyAll{})
	f.storeBundle(t, false)

	result, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/v1",
		Text:      "Hello  world",
		Requester: "0xABC",
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("audio:default-voice:Hello world"), result.Audio)
	assert.Equal(t, synthesis.StrategyDefaultVoice, result.Strategy)
	assert.Equal(t, synthesis.RouteGateway, result.Route)
	assert.Equal(t, synthesis.ContentTypeMPEG, result.ContentType)
	assert.Empty(t, f.provider.registered, "no preview means no transient registration")
	require.Len(t, f.provider.settings, 1)
	assert.InDelta(t, 0.75, f.provider.settings[0].SimilarityBoost, 0)
}

func TestDispatcher_PreviewUsesTransientVoiceAndDeletesIt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockProvider{}, access.DenyAll{})
	f.storeBundle(t, true)

	result, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/v1",
		Text:      "Hello",
		Requester: "0xabc",
	})
	require.NoError(t, err)

	assert.Equal(t, synthesis.StrategyTransientVoice, result.Strategy)
	assert.Equal(t, []byte("audio:transient-1:Hello"), result.Audio)
	require.Len(t, f.provider.registered, 1)
	assert.Contains(t, f.provider.registered[0], "shelby-Narrator-")
	assert.Equal(t, []string{"transient-1"}, f.provider.spoken, "no further strategy once audio exists")
	assert.Equal(t, []string{"transient-1"}, f.provider.deleted)
	assert.InDelta(t, 0.85, f.provider.settings[0].SimilarityBoost, 0)
}

func TestDispatcher_RegistrationFailureFallsBackToDefaultVoice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockProvider{registerErr: errRegisterRejected}, access.DenyAll{})
	f.storeBundle(t, true)

	result, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/v1",
		Text:      "Hello",
		Requester: "0xabc",
	})
	require.NoError(t, err)

	assert.Equal(t, synthesis.StrategyDefaultVoice, result.Strategy)
	assert.Equal(t, []string{defaultVoice}, f.provider.spoken)
	assert.Empty(t, f.provider.deleted)
	assert.InDelta(t, 1, testutil.ToFloat64(
		f.metrics.StrategyAttempts.WithLabelValues(synthesis.StrategyTransientVoice, "failed")), 0)
}

func TestDispatcher_TransientSpeakFailureFallsBackAndStillDeletes(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{
		speakErrFor: map[string]error{"transient-1": errSpeakRejected},
		deleteErr:   errDeleteRejected,
	}
	f := newFixture(t, provider, access.DenyAll{})
	f.storeBundle(t, true)

	result, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/v1",
		Text:      "Hello",
		Requester: "0xabc",
	})
	require.NoError(t, err, "cleanup failures are not request failures")

	assert.Equal(t, synthesis.StrategyDefaultVoice, result.Strategy)
	assert.Equal(t, []string{"transient-1", defaultVoice}, provider.spoken)
	assert.Equal(t, []string{"transient-1"}, provider.deleted)
}

func TestDispatcher_FallbackFailureIsSynthesisError(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{
		registerErr: errRegisterRejected,
		speakErrFor: map[string]error{
			defaultVoice: core.NewDiagnosticError(core.ErrUpstreamProvider, "quota_exceeded", errSpeakRejected),
		},
	}
	f := newFixture(t, provider, access.DenyAll{})
	f.storeBundle(t, true)

	_, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/v1",
		Text:      "Hello",
		Requester: "0xabc",
	})
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.ErrorIs(t, err, errRegisterRejected)
	require.ErrorIs(t, err, errSpeakRejected)
	assert.Contains(t, err.Error(), "quota_exceeded", "provider diagnostics reach the caller")
	assert.Equal(t, core.OutcomeUnavailable, core.Classify(err))
}

func providerNotFound(voiceID string) error {
	return core.NewDiagnosticError(core.ErrUpstreamProvider, "voice_not_found",
		fmt.Errorf("%w: %s returned 404 Not Found", core.ErrProviderResourceNotFound, voiceID))
}

func TestDispatcher_DefaultVoiceNotFoundIsUnavailable(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{speakErrFor: map[string]error{defaultVoice: providerNotFound(defaultVoice)}}
	f := newFixture(t, provider, access.DenyAll{})
	f.storeBundle(t, false)

	_, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/v1",
		Text:      "Hello",
		Requester: "0xabc",
	})
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.NotErrorIs(t, err, core.ErrNotFound, "the bundle exists; a missing provider voice is upstream")
	assert.Equal(t, core.OutcomeUnavailable, core.Classify(err))
}

func TestDispatcher_UnknownProviderVoiceIsNotFound(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{speakErrFor: map[string]error{"gone": providerNotFound("gone")}}
	f := newFixture(t, provider, access.DenyAll{})

	_, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{ModelRef: "eleven:gone", Text: "Hello"})
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, core.OutcomeNotFound, core.Classify(err))
}

func TestDispatcher_AccessControl(t *testing.T) {
	t.Parallel()

	buyers := access.NewStaticOracle(map[string][]string{"shelby://0xabc/voices/v1": {"0xbuyer"}})
	f := newFixture(t, &mockProvider{}, buyers)
	f.storeBundle(t, false)

	_, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/v1",
		Text:      "Hello",
		Requester: "0xdef",
	})
	require.ErrorIs(t, err, core.ErrAccessDenied)
	assert.Empty(t, f.provider.spoken)

	_, err = f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef: "shelby://0xabc/voices/v1",
		Text:     "Hello",
	})
	require.ErrorIs(t, err, core.ErrValidation)

	result, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/v1",
		Text:      "Hello",
		Requester: "0xBuyer",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Audio)
}

func TestDispatcher_MissingModel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockProvider{}, access.DenyAll{})

	_, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef:  "shelby://0xabc/voices/missing",
		Text:      "Hello",
		Requester: "0xabc",
	})
	require.ErrorIs(t, err, core.ErrModelIncomplete)
	assert.Equal(t, core.OutcomeNotFound, core.Classify(err))
	assert.Empty(t, f.provider.spoken)
}

func TestDispatcher_ProviderScopedReference(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockProvider{}, access.DenyAll{})

	result, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
		ModelRef: "eleven:pNInz6obpgDQGcFmaJgB",
		Text:     "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, synthesis.RouteProvider, result.Route)
	assert.Equal(t, []string{"pNInz6obpgDQGcFmaJgB"}, f.provider.spoken)

	_, err = f.dispatcher.Synthesize(context.Background(), synthesis.Request{ModelRef: "eleven:", Text: "Hello"})
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestDispatcher_UnsupportedReferenceMakesNoCalls(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockProvider{}, access.DenyAll{})

	for _, ref := range []string{"", "s3://bucket/key", "openai:alloy", "shelby:/0xabc/voices/v1"} {
		_, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{
			ModelRef:  ref,
			Text:      "Hello",
			Requester: "0xabc",
		})
		require.ErrorIs(t, err, core.ErrUnsupportedReference, ref)
	}

	assert.Empty(t, f.provider.spoken)
	assert.Empty(t, f.provider.registered)
}

func TestDispatcher_EmptyTextIsBadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockProvider{}, access.DenyAll{})

	_, err := f.dispatcher.Synthesize(context.Background(), synthesis.Request{ModelRef: "eleven:abc", Text: "   "})
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, core.OutcomeBadInput, core.Classify(err))
}

// staticStrategy returns fixed output.
type staticStrategy struct {
	name  string
	audio []byte
	err   error
	calls *int
}

func (s staticStrategy) Name() string { return s.name }

func (s staticStrategy) Synthesize(context.Context, string) ([]byte, error) {
	*s.calls++

	return s.audio, s.err
}

func TestChain_FirstAudioWins(t *testing.T) {
	t.Parallel()

	var first, second, third int

	chain := synthesis.NewChain(newTestLogger(t), nil,
		staticStrategy{name: "a", err: errSpeakRejected, calls: &first},
		staticStrategy{name: "b", audio: []byte("b"), calls: &second},
		staticStrategy{name: "c", audio: []byte("c"), calls: &third},
	)

	audioData, name, err := chain.Run(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), audioData)
	assert.Equal(t, "b", name)
	assert.Equal(t, []int{1, 1, 0}, []int{first, second, third})
}

func TestChain_EmptyAudioCountsAsFailure(t *testing.T) {
	t.Parallel()

	var calls int

	chain := synthesis.NewChain(newTestLogger(t), nil, staticStrategy{name: "empty", calls: &calls})

	_, _, err := chain.Run(context.Background(), "text")
	require.ErrorIs(t, err, core.ErrSynthesis)

	_, _, err = synthesis.NewChain(newTestLogger(t), nil).Run(context.Background(), "text")
	require.ErrorIs(t, err, core.ErrSynthesis)
}

func TestChain_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	var calls int

	chain := synthesis.NewChain(newTestLogger(t), nil, staticStrategy{name: "a", audio: []byte("a"), calls: &calls})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := chain.Run(ctx, "text")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
