package seeder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-relay/internal/credential"
)

func TestSeedCredentials(t *testing.T) {
	ctx := context.Background()
	sealed, err := credential.NewSealed(filepath.Join(t.TempDir(), "credentials.json"), "correct horse")
	require.NoError(t, err)

	keys := map[string]string{"openai": "sk-openai", "cohere": "co-key", "gemini": ""}
	n, err := SeedCredentials(ctx, sealed, keys)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := sealed.Get(ctx, "cohere")
	require.NoError(t, err)
	assert.Equal(t, "co-key", got)
	_, err = sealed.Get(ctx, "gemini")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	// A second run only writes what changed.
	keys["openai"] = "sk-rotated"
	n, err = SeedCredentials(ctx, sealed, keys)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = sealed.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated", got)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, error) {
	return "", errors.New("keyring locked")
}

func (brokenStore) Put(context.Context, string, string) error { return nil }

func TestSeedCredentials_LookupError(t *testing.T) {
	n, err := SeedCredentials(context.Background(), brokenStore{}, map[string]string{"claude": "sk-ant"})
	require.Error(t, err)
	assert.Zero(t, n)
}
