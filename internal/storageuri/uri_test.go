package storageuri_test

import (
	"testing"

	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse_Valid(t *testing.T) {
	t.Parallel()

	uri, err := storageuri.Parse("shelby://0xabc/voices/v1")
	require.NoError(t, err)

	assert.Equal(t, "0xabc", uri.Account)
	assert.Equal(t, "voices", uri.Namespace)
	assert.Equal(t, "v1", uri.ObjectID)
	assert.Equal(t, "shelby://0xabc/voices/v1", uri.String())
	assert.Equal(t, "0xabc/voices/v1/embedding.bin", uri.Key("embedding.bin"))
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "no scheme", raw: "0xabc/voices/v1"},
		{name: "wrong scheme", raw: "s3://0xabc/voices/v1"},
		{name: "uppercase scheme", raw: "SHELBY://0xabc/voices/v1"},
		{name: "missing object id", raw: "shelby://0xabc/voices"},
		{name: "empty object id", raw: "shelby://0xabc/voices/"},
		{name: "empty account", raw: "shelby:///voices/v1"},
		{name: "extra segment", raw: "shelby://0xabc/voices/v1/embedding.bin"},
		{name: "dot dot", raw: "shelby://../voices/v1"},
		{name: "space", raw: "shelby://0x abc/voices/v1"},
		{name: "query", raw: "shelby://0xabc/voices/v1?x=1"},
		{name: "eleven ref", raw: "eleven:21m00Tcm4TlvDq8ikWAM"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := storageuri.Parse(testCase.raw)
			require.Error(t, err)
			require.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestOwnedBy_CaseInsensitive(t *testing.T) {
	t.Parallel()

	uri, err := storageuri.Parse("shelby://0xabc/voices/v1")
	require.NoError(t, err)

	assert.True(t, uri.OwnedBy("0xABC"))
	assert.True(t, uri.OwnedBy("0xabc"))
	assert.False(t, uri.OwnedBy("0xDEF"))
	assert.False(t, uri.OwnedBy(""))
}

func TestBuildParse_RoundTrip(t *testing.T) {
	t.Parallel()

	token := rapid.StringMatching(`[A-Za-z0-9_~-][A-Za-z0-9._~-]{0,24}`)

	rapid.Check(t, func(rt *rapid.T) {
		account := token.Draw(rt, "account")
		namespace := token.Draw(rt, "namespace")
		objectID := token.Draw(rt, "objectID")

		built, err := storageuri.Build(account, namespace, objectID)
		if err != nil {
			rt.Fatalf("build failed: %v", err)
		}

		parsed, err := storageuri.Parse(built.String())
		if err != nil {
			rt.Fatalf("parse failed: %v", err)
		}

		if parsed != built {
			rt.Fatalf("round trip mismatch: %+v != %+v", parsed, built)
		}
	})
}

func TestParse_MissingSegmentAlwaysFails(t *testing.T) {
	t.Parallel()

	token := rapid.StringMatching(`[A-Za-z0-9_-]{1,12}`)

	rapid.Check(t, func(rt *rapid.T) {
		account := token.Draw(rt, "account")
		namespace := token.Draw(rt, "namespace")

		_, err := storageuri.Parse(storageuri.Prefix + account + "/" + namespace)
		if err == nil {
			rt.Fatalf("expected failure for two-segment uri")
		}
	})
}
