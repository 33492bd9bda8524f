package memstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/vectorstore"
	"docuvector-go/pkg/vectorstore/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, "mem-test", func(t *testing.T) vectorstore.Index { return New() })
}

func TestQueryTiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, vectorstore.Spec{Name: "ties", Dimension: 2, Metric: vectorstore.Cosine}))

	var entries []vectorstore.Entry
	for i := 0; i < 20; i++ {
		entries = append(entries, vectorstore.Entry{
			ID:         fmt.Sprintf("doc_%d", i),
			DocumentID: "doc",
			Vector:     []float32{1, 1},
		})
	}
	require.NoError(t, s.Upsert(ctx, entries))

	hits, err := s.Query(ctx, []float32{2, 2}, 20)
	require.NoError(t, err)
	require.Len(t, hits, 20)
	for i, h := range hits {
		assert.Equal(t, fmt.Sprintf("doc_%d", i), h.ID)
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	near := vectorstore.Entry{ID: "near", DocumentID: "d", Vector: []float32{1, 0}}
	far := vectorstore.Entry{ID: "far", DocumentID: "d", Vector: []float32{10, 10}}

	t.Run("euclidean prefers the closest point", func(t *testing.T) {
		s := New()
		require.NoError(t, s.Create(ctx, vectorstore.Spec{Name: "l2", Dimension: 2, Metric: vectorstore.Euclidean}))
		require.NoError(t, s.Upsert(ctx, []vectorstore.Entry{far, near}))
		hits, err := s.Query(ctx, []float32{1, 0}, 2)
		require.NoError(t, err)
		assert.Equal(t, "near", hits[0].ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	})
	t.Run("dot product prefers the largest projection", func(t *testing.T) {
		s := New()
		require.NoError(t, s.Create(ctx, vectorstore.Spec{Name: "dot", Dimension: 2, Metric: vectorstore.DotProduct}))
		require.NoError(t, s.Upsert(ctx, []vectorstore.Entry{near, far}))
		hits, err := s.Query(ctx, []float32{1, 0}, 2)
		require.NoError(t, err)
		assert.Equal(t, "far", hits[0].ID)
		assert.InDelta(t, 10.0, hits[0].Score, 1e-6)
	})
}

func TestCreateMetricMismatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, vectorstore.Spec{Name: "m", Dimension: 2, Metric: vectorstore.Cosine}))
	err := s.Create(ctx, vectorstore.Spec{Name: "m", Dimension: 2, Metric: vectorstore.Euclidean})
	assert.True(t, errs.Is(err, errs.Configuration))
}

func TestOperationsBeforeCreate(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Upsert(ctx, []vectorstore.Entry{{ID: "a", DocumentID: "d", Vector: []float32{1}}})
	assert.True(t, errs.Is(err, errs.Configuration))
	_, err = s.Query(ctx, []float32{1}, 1)
	assert.True(t, errs.Is(err, errs.Configuration))
}

func TestStoredEntriesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, vectorstore.Spec{Name: "copy", Dimension: 2}))
	e := vectorstore.Entry{ID: "a", DocumentID: "d", Vector: []float32{1, 0}, Metadata: map[string]string{"k": "v"}}
	require.NoError(t, s.Upsert(ctx, []vectorstore.Entry{e}))
	e.Vector[0] = -1
	e.Metadata["k"] = "changed"

	hits, err := s.Query(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "v", hits[0].Metadata["k"])
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, 1, s.Len())
}
