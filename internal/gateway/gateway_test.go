package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/bundle"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/gateway"
	"github.com/book-expert/voice-bundle-service/internal/objectstore"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var errMockStore = errors.New("mock store failure")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "gateway-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newFSGateway(t *testing.T) *gateway.Gateway {
	t.Helper()

	store, err := objectstore.NewFS(t.TempDir())
	require.NoError(t, err)

	return gateway.New(store, newTestLogger(t), nil)
}

func scenarioParts(t *testing.T) map[string][]byte {
	t.Helper()

	cfg, err := json.Marshal(map[string]any{
		"sampleRate":      16000,
		"channels":        1,
		"embeddingSize":   2,
		"embeddingFormat": "float32",
	})
	require.NoError(t, err)

	return map[string][]byte{
		bundle.PartEmbedding: {0x01, 0x02},
		bundle.PartConfig:    cfg,
	}
}

func TestGateway_PutGetScenario(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()
	parts := scenarioParts(t)

	result, err := gw.Put(ctx, "0xabc", "voices", "v1", parts)
	require.NoError(t, err)
	assert.Equal(t, "shelby://0xabc/voices/v1", result.URI)
	assert.Equal(t, 2+len(parts[bundle.PartConfig]), result.TotalSize)
	assert.Equal(t, gateway.ContentID(parts), result.ContentID)
	assert.Contains(t, result.ContentID, gateway.ContentIDPrefix)

	data, err := gw.Get(ctx, "shelby://0xabc/voices/v1", bundle.PartEmbedding)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, data)
}

func TestGateway_GetErrors(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()

	_, err := gw.Put(ctx, "0xabc", "voices", "v1", scenarioParts(t))
	require.NoError(t, err)

	_, err = gw.Get(ctx, "shelby://0xabc/voices/v1", bundle.PartPreview)
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.NotContains(t, err.Error(), "/tmp", "not-found errors must not leak store paths")

	_, err = gw.Get(ctx, "shelby://0xabc/voices", bundle.PartConfig)
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = gw.Get(ctx, "shelby://0xabc/voices/v1", "../../etc/passwd")
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestGateway_PutValidation(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()

	testCases := []struct {
		name      string
		account   string
		namespace string
		objectID  string
		parts     map[string][]byte
	}{
		{"empty account", "", "voices", "v1", scenarioParts(t)},
		{"unsafe object id", "0xabc", "voices", "v 1", scenarioParts(t)},
		{"no parts", "0xabc", "voices", "v1", map[string][]byte{}},
		{"unknown part", "0xabc", "voices", "v1", map[string][]byte{"notes.txt": []byte("x")}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := gw.Put(ctx, tc.account, tc.namespace, tc.objectID, tc.parts)
			require.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestGateway_OverwriteRemovesStaleParts(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()

	first := scenarioParts(t)
	first[bundle.PartPreview] = []byte("RIFF")
	first[bundle.PartMeta] = []byte(`{"name":"old"}`)

	_, err := gw.Put(ctx, "0xabc", "voices", "v1", first)
	require.NoError(t, err)

	second := scenarioParts(t)
	second[bundle.PartEmbedding] = []byte{0x09}

	_, err = gw.Put(ctx, "0xabc", "voices", "v1", second)
	require.NoError(t, err)

	names, err := gw.ListParts(ctx, "shelby://0xabc/voices/v1")
	require.NoError(t, err)
	assert.Equal(t, []string{bundle.PartEmbedding, bundle.PartConfig}, names)

	data, err := gw.Get(ctx, "shelby://0xabc/voices/v1", bundle.PartEmbedding)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09}, data)
}

func TestGateway_DeleteOwnership(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()

	_, err := gw.Put(ctx, "0xabc", "voices", "v1", scenarioParts(t))
	require.NoError(t, err)

	_, err = gw.Delete(ctx, "shelby://0xabc/voices/v1", "0xDEF")
	require.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = gw.Delete(ctx, "shelby://0xabc/voices/v1", "")
	require.ErrorIs(t, err, core.ErrUnauthorized)

	result, err := gw.Delete(ctx, "shelby://0xabc/voices/v1", "0xABC")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.AlreadyAbsent)
	assert.Equal(t, []string{bundle.PartConfig, bundle.PartEmbedding}, result.Removed)

	_, err = gw.Get(ctx, "shelby://0xabc/voices/v1", bundle.PartEmbedding)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestGateway_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()

	_, err := gw.Put(ctx, "0xabc", "voices", "v1", scenarioParts(t))
	require.NoError(t, err)

	first, err := gw.Delete(ctx, "shelby://0xabc/voices/v1", "0xabc")
	require.NoError(t, err)
	assert.True(t, first.Success)

	second, err := gw.Delete(ctx, "shelby://0xabc/voices/v1", "0xabc")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.AlreadyAbsent)

	_, err = gw.Delete(ctx, "not-a-uri", "0xabc")
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestGateway_LoadBundle(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()

	parts := scenarioParts(t)
	parts[bundle.PartPreview] = []byte("preview")

	_, err := gw.Put(ctx, "0xabc", "voices", "v1", parts)
	require.NoError(t, err)

	uri, err := storageuri.Parse("shelby://0xabc/voices/v1")
	require.NoError(t, err)

	decoded, err := gw.LoadBundle(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, decoded.Embedding)
	assert.Equal(t, 2, decoded.Config.EmbeddingSize)
	assert.Equal(t, []byte("preview"), decoded.Preview)
	assert.Nil(t, decoded.Meta)
}

func TestGateway_LoadBundleMissingRequiredPart(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()

	_, err := gw.Put(ctx, "0xabc", "voices", "v1", map[string][]byte{bundle.PartEmbedding: {0x01}})
	require.NoError(t, err)

	uri, err := storageuri.Parse("shelby://0xabc/voices/v1")
	require.NoError(t, err)

	_, err = gw.LoadBundle(ctx, uri)
	require.ErrorIs(t, err, core.ErrModelIncomplete)
	require.ErrorIs(t, err, core.ErrNotFound)
}

// failingStore fails every download of one key and otherwise defers to a map.
type failingStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failOnGet string
}

func (f *failingStore) Download(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if key == f.failOnGet {
		return nil, errMockStore
	}

	data, ok := f.objects[key]
	if !ok {
		return nil, core.ErrNotFound
	}

	return data, nil
}

func (f *failingStore) Upload(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[key] = data

	return nil
}

func (f *failingStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, key)

	return nil
}

func (f *failingStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string

	for key := range f.objects {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func TestGateway_LoadBundleStoreFailureIsNotNotFound(t *testing.T) {
	t.Parallel()

	store := &failingStore{
		objects:   map[string][]byte{},
		failOnGet: "0xabc/voices/v1/preview.wav",
	}
	gw := gateway.New(store, newTestLogger(t), nil)
	ctx := context.Background()

	_, err := gw.Put(ctx, "0xabc", "voices", "v1", scenarioParts(t))
	require.NoError(t, err)

	uri, err := storageuri.Parse("shelby://0xabc/voices/v1")
	require.NoError(t, err)

	_, err = gw.LoadBundle(ctx, uri)
	require.ErrorIs(t, err, errMockStore)
	assert.NotErrorIs(t, err, core.ErrNotFound)
}

func TestGateway_RoundTripProperty(t *testing.T) {
	t.Parallel()

	gw := newFSGateway(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		account := rapid.StringMatching(`0x[a-f0-9]{1,16}`).Draw(rt, "account")
		objectID := rapid.StringMatching(`[A-Za-z0-9_-]{1,20}`).Draw(rt, "objectID")

		parts := map[string][]byte{
			bundle.PartEmbedding: rapid.SliceOfN(rapid.Byte(), 1, 256).Draw(rt, "embedding"),
			bundle.PartConfig:    rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "config"),
		}

		if rapid.Bool().Draw(rt, "withMeta") {
			parts[bundle.PartMeta] = rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "meta")
		}

		if rapid.Bool().Draw(rt, "withPreview") {
			parts[bundle.PartPreview] = rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(rt, "preview")
		}

		result, err := gw.Put(ctx, account, storageuri.NamespaceVoices, objectID, parts)
		require.NoError(rt, err)

		for name, want := range parts {
			got, getErr := gw.Get(ctx, result.URI, name)
			require.NoError(rt, getErr)
			assert.Equal(rt, want, got, "part %s", name)
		}
	})
}

func TestGateway_NatsBackend(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "voice-bundles")
	require.NoError(t, err)

	gw := gateway.New(store, newTestLogger(t), nil)
	ctx := context.Background()

	_, err = gw.Put(ctx, "0xabc", "voices", "v1", scenarioParts(t))
	require.NoError(t, err)

	data, err := gw.Get(ctx, "shelby://0xabc/voices/v1", bundle.PartEmbedding)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, data)

	_, err = gw.Delete(ctx, "shelby://0xabc/voices/v1", "0xABC")
	require.NoError(t, err)

	second, err := gw.Delete(ctx, "shelby://0xabc/voices/v1", "0xABC")
	require.NoError(t, err)
	assert.True(t, second.AlreadyAbsent)
}
