package chromem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibzlabs/fibz-memory/memory"
	"github.com/fibzlabs/fibz-memory/memory/embedder/mock"
	"github.com/fibzlabs/fibz-memory/memory/store/chromem"
)

func embedText(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := mock.New().Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func TestUpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New(chromem.Options{})
	require.NoError(t, err)

	first := memory.Record{ID: "r1", Document: "version one", Embedding: embedText(t, "version one")}
	require.NoError(t, s.Upsert(ctx, memory.CollectionMessages, []memory.Record{first}))

	second := first
	second.Document = "version two"
	second.Embedding = embedText(t, "version two")
	require.NoError(t, s.Upsert(ctx, memory.CollectionMessages, []memory.Record{second}))

	n, err := s.Count(ctx, memory.CollectionMessages)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, memory.CollectionMessages, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "version two", got[0].Document)
}

func TestUpsertRejectsMissingEmbedding(t *testing.T) {
	s, err := chromem.New(chromem.Options{})
	require.NoError(t, err)

	err = s.Upsert(context.Background(), memory.CollectionMessages, []memory.Record{{ID: "r1", Document: "no vector"}})
	assert.Error(t, err)
}

func TestWhereFilterMatchesMixedTypes(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New(chromem.Options{})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, memory.CollectionMessages, []memory.Record{
		{ID: "a", Document: "doc a", Embedding: embedText(t, "doc a"),
			Metadata: map[string]any{"user_id": "u1", "latency": int64(120)}},
		{ID: "b", Document: "doc b", Embedding: embedText(t, "doc b"),
			Metadata: map[string]any{"user_id": "u2", "latency": int64(80)}},
	}))

	got, err := s.Get(ctx, memory.CollectionMessages, map[string]any{"user_id": "u1"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, int64(120), got[0].Metadata["latency"], "original metadata types survive")

	got, err = s.Get(ctx, memory.CollectionMessages, map[string]any{"latency": int64(80)}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestQueryRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New(chromem.Options{})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, memory.CollectionMessages, []memory.Record{
		{ID: "a", Document: "alpha", Embedding: embedText(t, "alpha")},
		{ID: "b", Document: "beta", Embedding: embedText(t, "beta")},
	}))

	results, err := s.Query(ctx, memory.CollectionMessages, embedText(t, "alpha"), 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID, "identical text must rank first")
	assert.InDelta(t, 0, results[0].Distance, 1e-5)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestDeleteByFilter(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New(chromem.Options{})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, memory.CollectionMessages, []memory.Record{
		{ID: "a", Document: "doc a", Embedding: embedText(t, "doc a"), Metadata: map[string]any{"user_id": "u1"}},
		{ID: "b", Document: "doc b", Embedding: embedText(t, "doc b"), Metadata: map[string]any{"user_id": "u2"}},
	}))

	// An empty filter must not wipe the collection.
	require.NoError(t, s.Delete(ctx, memory.CollectionMessages, nil))
	n, err := s.Count(ctx, memory.CollectionMessages)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, memory.CollectionMessages, map[string]any{"user_id": "u1"}))
	n, err = s.Count(ctx, memory.CollectionMessages)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMockEmbedderIsDeterministic(t *testing.T) {
	e := mock.New()
	a, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	c, err := e.Embed(context.Background(), "different text")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, e.Dimensions())

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-3, "vectors are unit length")
}
