package evidence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedding_Deterministic(t *testing.T) {
	embed := HashEmbedding(64)
	a, err := embed(context.Background(), "Restart the payment service")
	require.NoError(t, err)
	b, err := embed(context.Background(), "restart THE payment service.")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = embed(context.Background(), " ... ")
	assert.Error(t, err)
}

func TestChromemStore_SearchAndPolicies(t *testing.T) {
	ctx := context.Background()
	store, err := NewChromemStore("", nil)
	require.NoError(t, err)
	require.NoError(t, store.Seed(ctx, testDocuments()))

	hits, err := store.Search(ctx, IndexRunbooks, "restart payment service", 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "rb-1", hits[0].ID)
	assert.LessOrEqual(t, len(hits), 2)

	hits, err = store.Search(ctx, IndexRunbooks, "roll back release", 3, map[string]any{"service": "api"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "rb-2", hits[0].ID)

	hits, err = store.Search(ctx, IndexRunbooks, "payment", 3, map[string]any{"service": []any{"nowhere"}})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.Search(ctx, "empty", "payment", 3, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	ids, err := store.PolicyConflicts(ctx, "payment-service", "restart_service", "high")
	require.NoError(t, err)
	assert.Equal(t, []string{"pol-2"}, ids)
}

func TestChromemStore_IndexDocumentAssignsID(t *testing.T) {
	ctx := context.Background()
	store, err := NewChromemStore("", nil)
	require.NoError(t, err)

	id, err := store.IndexDocument(ctx, IndexRunbooks, map[string]any{"title": "Drain node", "body": "cordon and drain"}, "")
	require.NoError(t, err)
	assert.Equal(t, "runbooks-1", id)

	hits, err := store.Search(ctx, IndexRunbooks, "drain", 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "runbooks-1", hits[0].Source["id"])
}
