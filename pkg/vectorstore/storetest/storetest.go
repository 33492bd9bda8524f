// Package storetest 提供各向量索引后端共用的行为测试。
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/vectorstore"
)

// Factory 返回一个全新的、尚未 Create 的索引。
type Factory func(t *testing.T) vectorstore.Index

func entry(id, doc string, vec ...float32) vectorstore.Entry {
	return vectorstore.Entry{
		ID:         id,
		DocumentID: doc,
		Vector:     vec,
		Text:       "text of " + id,
		Metadata:   map[string]string{"document_id": doc, "chunk_id": id},
	}
}

// Run 对 factory 返回的索引执行通用行为测试，索引名为 name，维度固定为 3，度量为 cosine。
func Run(t *testing.T, name string, factory Factory) {
	ctx := context.Background()
	spec := vectorstore.Spec{Name: name, Dimension: 3, Metric: vectorstore.Cosine}

	open := func(t *testing.T) vectorstore.Index {
		idx := factory(t)
		require.NoError(t, idx.Create(ctx, spec))
		t.Cleanup(func() { _ = idx.Close() })
		return idx
	}

	t.Run("create is idempotent", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Create(ctx, spec))

		bad := spec
		bad.Dimension = 4
		err := idx.Create(ctx, bad)
		assert.True(t, errs.Is(err, errs.Configuration), "got %v", err)
	})

	t.Run("query returns fewer than k when index is small", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, []vectorstore.Entry{
			entry("a_0", "a", 1, 0, 0),
			entry("a_1", "a", 0, 1, 0),
		}))

		hits, err := idx.Query(ctx, []float32{1, 0, 0}, 5)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "a_0", hits[0].ID)
		assert.Equal(t, "a", hits[0].DocumentID)
		assert.Equal(t, "text of a_0", hits[0].Text)
		assert.Equal(t, "a", hits[0].Metadata["document_id"])
		assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
		assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
	})

	t.Run("query respects k and ranks by score", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, []vectorstore.Entry{
			entry("d_0", "d", 0, 0, 1),
			entry("d_1", "d", 1, 1, 0),
			entry("d_2", "d", 1, 0, 0),
			entry("d_3", "d", 0, 1, 0),
		}))
		hits, err := idx.Query(ctx, []float32{1, 0.1, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "d_2", hits[0].ID)
		assert.Equal(t, "d_1", hits[1].ID)
	})

	t.Run("query returns min(k, total) on a larger index", func(t *testing.T) {
		idx := open(t)
		const total = 150
		entries := make([]vectorstore.Entry, total)
		for i := range entries {
			entries[i] = entry(fmt.Sprintf("bulk_%d", i), "bulk", 1, float32(i)/total, 0.5)
		}
		require.NoError(t, idx.Upsert(ctx, entries))

		hits, err := idx.Query(ctx, []float32{0, 1, 0}, 120)
		require.NoError(t, err)
		assert.Len(t, hits, 120)

		hits, err = idx.Query(ctx, []float32{0, 1, 0}, 500)
		require.NoError(t, err)
		assert.Len(t, hits, total)
	})

	t.Run("upsert rejects invalid utf-8 text", func(t *testing.T) {
		idx := open(t)
		bad := entry("u_1", "u", 0, 1, 0)
		bad.Text = "ok \xff\xfe"
		err := idx.Upsert(ctx, []vectorstore.Entry{entry("u_0", "u", 1, 0, 0), bad})
		assert.True(t, errs.Is(err, errs.InvalidInput), "got %v", err)
		n, err := idx.Count(ctx, "u")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("upsert overwrites by id", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, []vectorstore.Entry{entry("b_0", "b", 1, 0, 0)}))
		updated := entry("b_0", "b", 0, 1, 0)
		updated.Text = "new text"
		require.NoError(t, idx.Upsert(ctx, []vectorstore.Entry{updated}))

		n, err := idx.Count(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		hits, err := idx.Query(ctx, []float32{0, 1, 0}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "new text", hits[0].Text)
	})

	t.Run("upsert rejects wrong dimension before writing", func(t *testing.T) {
		idx := open(t)
		err := idx.Upsert(ctx, []vectorstore.Entry{
			entry("c_0", "c", 1, 0, 0),
			entry("c_1", "c", 1, 0),
		})
		assert.True(t, errs.Is(err, errs.Configuration), "got %v", err)

		n, err := idx.Count(ctx, "c")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("query validates k", func(t *testing.T) {
		idx := open(t)
		_, err := idx.Query(ctx, []float32{1, 0, 0}, 0)
		assert.True(t, errs.Is(err, errs.InvalidInput), "got %v", err)
	})

	t.Run("query on empty index", func(t *testing.T) {
		idx := open(t)
		hits, err := idx.Query(ctx, []float32{1, 0, 0}, 3)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("delete by document id", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, []vectorstore.Entry{
			entry("x_0", "x", 1, 0, 0),
			entry("x_1", "x", 0, 1, 0),
			entry("y_0", "y", 0, 0, 1),
		}))

		removed, err := idx.Delete(ctx, []string{"x", "never-ingested"})
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		removed, err = idx.Delete(ctx, []string{"x"})
		require.NoError(t, err)
		assert.Zero(t, removed)

		hits, err := idx.Query(ctx, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "y_0", hits[0].ID)
	})

	t.Run("delete entries by id", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, []vectorstore.Entry{
			entry("z_0", "z", 1, 0, 0),
			entry("z_1", "z", 0, 1, 0),
		}))
		require.NoError(t, idx.DeleteEntries(ctx, []string{"z_1", "missing"}))

		n, err := idx.Count(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}
