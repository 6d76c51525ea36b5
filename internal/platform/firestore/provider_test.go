package firestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocery-backoffice/api/internal/platform/config"
)

func TestProviderRequiresProjectID(t *testing.T) {
	t.Setenv(envGoogleProjectID, "")
	provider := NewProvider(config.FirestoreConfig{})

	_, err := provider.Client(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project id is required")

	// a failed dial is not cached
	_, err = provider.Client(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProviderClosed)
}

func TestProviderClosed(t *testing.T) {
	provider := NewProvider(config.FirestoreConfig{ProjectID: "closed"})
	require.NoError(t, provider.Close(context.Background()))
	require.NoError(t, provider.Close(context.Background()))

	_, err := provider.Client(context.Background())
	assert.ErrorIs(t, err, ErrProviderClosed)

	err = provider.RunTransaction(context.Background(), nil)
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestCollectionRejectsEmptyID(t *testing.T) {
	coll := NewCollection[map[string]any](NewProvider(config.FirestoreConfig{ProjectID: "p"}), "products")
	_, err := coll.Ref(context.Background(), " ")
	require.Error(t, err)
	assert.Equal(t, "products", coll.Name())
}
