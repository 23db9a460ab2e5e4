package cache

import (
	"context"
	"os"
	"testing"

	"github.com/ZanzyTHEbar/virtual-tokenstore/vts/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestCache materializes a cache of the given shard sizes with
// globally numbered documents (see docRow) and small chunks, so tests
// cross chunk and shard boundaries.
func buildTestCache(t *testing.T, sizes []int, opts ReaderOptions) *Cache {
	t.Helper()
	dir := t.TempDir()
	_, err := CacheDataset(context.Background(), dir, memSource(sizes),
		source.NewNumericProcessor(testColumn),
		BuildOptions{RowsPerChunk: 3, ProcessBatchSize: 2}, true)
	require.NoError(t, err)

	c, err := Load(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// unevenSizes yields 12 shards of 1, 2 or 3 documents (24 total).
func unevenSizes() []int {
	sizes := make([]int, 12)
	for i := range sizes {
		sizes[i] = i%3 + 1
	}
	return sizes
}

func TestLoadMissingCache(t *testing.T) {
	_, err := Load(t.TempDir(), ReaderOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsUnknownTokenColumn(t *testing.T) {
	dir := t.TempDir()
	_, err := CacheDataset(context.Background(), dir, memSource([]int{1}),
		source.NewNumericProcessor(testColumn), BuildOptions{}, true)
	require.NoError(t, err)

	_, err = Load(dir, ReaderOptions{TokenColumn: "no_such_column"})
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func TestBuildOrLoad(t *testing.T) {
	dir := t.TempDir()
	src := memSource([]int{3, 2})
	proc := source.NewNumericProcessor(testColumn)

	c, err := BuildOrLoad(context.Background(), dir, src, proc, BuildOptions{RowsPerChunk: 2}, ReaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.NumRows())
	id := c.BuildID()
	require.NoError(t, c.Close())

	// Second call loads the existing cache instead of rebuilding.
	c2, err := BuildOrLoad(context.Background(), dir, src, proc, BuildOptions{RowsPerChunk: 2}, ReaderOptions{})
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, id, c2.BuildID())
}

func TestRowRandomAccess(t *testing.T) {
	c := buildTestCache(t, unevenSizes(), ReaderOptions{})

	for d := 0; d < int(c.NumRows()); d++ {
		row, err := c.Row(int64(d))
		require.NoError(t, err)
		assert.Equal(t, docTokens(d), row[testColumn])
	}

	_, err := c.Row(-1)
	assert.ErrorIs(t, err, ErrRowOutOfRange)
	_, err = c.Row(c.NumRows())
	assert.ErrorIs(t, err, ErrRowOutOfRange)
}

func TestReshardingPartitionsRows(t *testing.T) {
	c := buildTestCache(t, unevenSizes(), ReaderOptions{})
	total := int(c.NumRows())
	require.Equal(t, 24, total)

	// Shard counts dividing, not dividing, and exceeding the row count,
	// all unrelated to the 12 build shards.
	for _, n := range []int{1, 2, 3, 5, 7, 12, 24, 40} {
		seen := make(map[int]int, total)
		var sum int64
		for idx := 0; idx < n; idx++ {
			v, err := c.Shard(idx, n)
			require.NoError(t, err)
			sum += v.NumRows()

			var got int64
			for it := v.Batches(); it.Next(); {
				for _, row := range it.Batch()[testColumn] {
					d := int(row[0] / 10)
					assert.Equal(t, docTokens(d), row)
					assert.Equal(t, idx, d%n, "doc %d in wrong shard of %d", d, n)
					seen[d]++
					got++
				}
			}
			assert.Equal(t, v.NumRows(), got, "view %d/%d row count", idx, n)
		}
		assert.Equal(t, int64(total), sum, "views of %d must cover all rows", n)
		for d := 0; d < total; d++ {
			assert.Equal(t, 1, seen[d], "doc %d seen %d times with %d shards", d, seen[d], n)
		}
	}
}

func TestShardValidation(t *testing.T) {
	c := buildTestCache(t, []int{2}, ReaderOptions{})
	_, err := c.Shard(0, 0)
	assert.Error(t, err)
	_, err = c.Shard(2, 2)
	assert.Error(t, err)
	_, err = c.Shard(-1, 2)
	assert.Error(t, err)
}

func TestFlattenDocs(t *testing.T) {
	c := buildTestCache(t, []int{5}, ReaderOptions{FlattenDocs: true})

	var flat [][]int32
	for it := c.Batches(); it.Next(); {
		batch := it.Batch()[testColumn]
		require.Len(t, batch, 1)
		flat = append(flat, batch[0])
	}
	// 5 docs, 3 rows per chunk: one row of 30 tokens, one of 20.
	require.Len(t, flat, 2)
	assert.Len(t, flat[0], 30)
	assert.Len(t, flat[1], 20)
	assert.Equal(t, docTokens(0), flat[0][:10])
	assert.Equal(t, docTokens(3), flat[1][:10])
}

func TestEnforceEOS(t *testing.T) {
	const eos = int32(99)
	c := buildTestCache(t, []int{2}, ReaderOptions{EnforceEOS: true, EOSToken: eos})

	it := c.Batches()
	require.True(t, it.Next())
	rows := it.Batch()[testColumn]
	require.Len(t, rows, 2)
	for d, row := range rows {
		require.Len(t, row, 11)
		assert.Equal(t, docTokens(d), row[:10])
		assert.Equal(t, eos, row[10])
	}
	assert.Equal(t, int64(22), c.TokenCount())
}

// expectedStream concatenates the token column of docs [0, n), with an
// optional EOS marker after every document.
func expectedStream(n int, eos int32, withEOS bool) []int32 {
	var out []int32
	for d := 0; d < n; d++ {
		out = append(out, docTokens(d)...)
		if withEOS {
			out = append(out, eos)
		}
	}
	return out
}

func TestTokenRange(t *testing.T) {
	c := buildTestCache(t, []int{4, 1, 3}, ReaderOptions{})
	want := expectedStream(8, 0, false)
	require.Equal(t, int64(len(want)), c.TokenCount())

	t.Run("Full", func(t *testing.T) {
		got, err := c.TokenRange(0, c.TokenCount())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("Empty", func(t *testing.T) {
		got, err := c.TokenRange(17, 17)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Sliding", func(t *testing.T) {
		// Every 13-token window; 13 is coprime to rows and chunks, so
		// windows cross document, chunk and shard boundaries.
		for start := int64(0); start+13 <= c.TokenCount(); start += 13 {
			got, err := c.TokenRange(start, start+13)
			require.NoError(t, err)
			assert.Equal(t, want[start:start+13], got, "window at %d", start)
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := c.TokenRange(-1, 5)
		assert.ErrorIs(t, err, ErrTokenOutOfRange)
		_, err = c.TokenRange(0, c.TokenCount()+1)
		assert.ErrorIs(t, err, ErrTokenOutOfRange)
		_, err = c.TokenRange(9, 3)
		assert.ErrorIs(t, err, ErrTokenOutOfRange)
	})
}

func TestTokenRangeWithEOS(t *testing.T) {
	const eos = int32(7777)
	c := buildTestCache(t, []int{4, 1, 3}, ReaderOptions{EnforceEOS: true, EOSToken: eos})
	want := expectedStream(8, eos, true)
	require.Equal(t, int64(len(want)), c.TokenCount())

	got, err := c.TokenRange(0, c.TokenCount())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for start := int64(0); start+11 <= c.TokenCount(); start += 11 {
		got, err := c.TokenRange(start, start+11)
		require.NoError(t, err)
		assert.Equal(t, want[start:start+11], got, "window at %d", start)
	}
}
