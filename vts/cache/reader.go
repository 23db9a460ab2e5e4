package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	internal "github.com/ZanzyTHEbar/virtual-tokenstore/vts"
	"github.com/ZanzyTHEbar/virtual-tokenstore/vts/source"

	"github.com/google/uuid"
)

// ReaderOptions configures how a loaded cache presents its rows.
// Explicit configuration, not hidden module state.
type ReaderOptions struct {
	// FlattenDocs concatenates every document of a batch into one
	// logical row, discarding document boundaries.
	FlattenDocs bool
	// EnforceEOS appends the EOS token to every document of the token
	// column before flattening, so flattened documents stay separated.
	EnforceEOS bool
	EOSToken   int32
	// TokenColumn names the column treated as the token stream.
	TokenColumn string
	// AllowIncomplete opens a cache whose build has not completed.
	// Only sealed chunks are visible; rows from finished shards stay
	// readable even when other shards failed.
	AllowIncomplete bool
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	if o.TokenColumn == "" {
		o.TokenColumn = internal.DefaultTokenColumn
	}
	if o.EnforceEOS && o.EOSToken == 0 {
		o.EOSToken = internal.DefaultEOSToken
	}
	return o
}

// Cache is a loaded, complete split-cache. Sealed chunks are immutable,
// so any number of readers and shard views may share one Cache
// concurrently; opened chunks are cached lock-free in a sync.Map.
type Cache struct {
	dir  string
	man  *Manifest
	opts ReaderOptions

	globals      []globalChunk
	rowOffsets   []int64 // cumulative rows per global chunk, len+1
	tokenOffsets []int64 // cumulative raw tokens of TokenColumn, len+1

	chunks sync.Map // int -> *Chunk
}

// Load opens a complete cache directory for reading.
func Load(dir string, opts ReaderOptions) (*Cache, error) {
	opts = opts.withDefaults()
	man, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	if !man.Complete && !opts.AllowIncomplete {
		return nil, fmt.Errorf("%w: %s", ErrCacheIncomplete, dir)
	}
	if !man.Schema.Has(opts.TokenColumn) {
		return nil, fmt.Errorf("%w: token column %s not in cache schema", ErrUnknownColumn, opts.TokenColumn)
	}

	c := &Cache{dir: dir, man: man, opts: opts, globals: man.globalChunks()}
	c.rowOffsets = make([]int64, len(c.globals)+1)
	c.tokenOffsets = make([]int64, len(c.globals)+1)
	for i, g := range c.globals {
		c.rowOffsets[i+1] = c.rowOffsets[i] + g.rec.Rows
		c.tokenOffsets[i+1] = c.tokenOffsets[i] + g.rec.Tokens[opts.TokenColumn]
	}
	return c, nil
}

// BuildOrLoad loads an existing complete cache, or builds it (resuming
// any partial state) and then loads it.
func BuildOrLoad(ctx context.Context, dir string, src source.ShardedSource, proc source.Processor, buildOpts BuildOptions, readerOpts ReaderOptions) (*Cache, error) {
	c, err := Load(dir, readerOpts)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrCacheIncomplete) {
		return nil, err
	}

	h, err := Build(ctx, dir, src, proc, buildOpts)
	if err != nil {
		return nil, err
	}
	if err := h.AwaitFinished(); err != nil {
		return nil, err
	}
	return Load(dir, readerOpts)
}

// Close unmaps every opened chunk.
func (c *Cache) Close() error {
	var errs []error
	c.chunks.Range(func(key, value any) bool {
		if err := value.(*Chunk).Close(); err != nil {
			errs = append(errs, err)
		}
		c.chunks.Delete(key)
		return true
	})
	return errors.Join(errs...)
}

// BuildID identifies the build that produced this cache.
func (c *Cache) BuildID() uuid.UUID { return c.man.BuildID }

// Schema returns the cache's column schema.
func (c *Cache) Schema() source.Schema { return c.man.Schema }

// NumRows returns the total row (document) count.
func (c *Cache) NumRows() int64 { return c.rowOffsets[len(c.rowOffsets)-1] }

// eosPerRow is the extra stream length EnforceEOS adds per document.
func (c *Cache) eosPerRow() int64 {
	if c.opts.EnforceEOS {
		return 1
	}
	return 0
}

// TokenCount returns the length of the logical token stream, including
// any enforced EOS markers.
func (c *Cache) TokenCount() int64 {
	return c.tokenOffsets[len(c.tokenOffsets)-1] + c.eosPerRow()*c.NumRows()
}

// chunkAt opens (or returns the cached mapping of) global chunk i.
func (c *Cache) chunkAt(i int) (*Chunk, error) {
	if v, ok := c.chunks.Load(i); ok {
		return v.(*Chunk), nil
	}
	ch, err := OpenChunk(filepath.Join(c.dir, c.globals[i].rec.File))
	if err != nil {
		return nil, err
	}
	if actual, loaded := c.chunks.LoadOrStore(i, ch); loaded {
		ch.Close()
		return actual.(*Chunk), nil
	}
	return ch, nil
}

// chunkForRow maps a global row index to (global chunk index, local row).
func (c *Cache) chunkForRow(row int64) (int, int, error) {
	if row < 0 || row >= c.NumRows() {
		return 0, 0, fmt.Errorf("%w: row %d of %d", ErrRowOutOfRange, row, c.NumRows())
	}
	ci := sort.Search(len(c.globals), func(i int) bool { return c.rowOffsets[i+1] > row })
	return ci, int(row - c.rowOffsets[ci]), nil
}

// Row returns the raw (unflattened) columns of one global row.
func (c *Cache) Row(row int64) (map[string][]int32, error) {
	ci, local, err := c.chunkForRow(row)
	if err != nil {
		return nil, err
	}
	ch, err := c.chunkAt(ci)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]int32, len(c.man.Schema))
	for _, col := range c.man.Schema {
		vals, err := ch.Row(col.Name, local)
		if err != nil {
			return nil, err
		}
		out[col.Name] = vals
	}
	return out, nil
}

// Batches iterates the whole cache in shard-then-chunk-then-row order,
// one batch per chunk. The iterator is restartable: call Batches again.
func (c *Cache) Batches() *Iterator {
	return &Iterator{c: c, idx: 0, n: 1}
}

// Shard returns the view of rows r with r mod numShards == shardIdx.
// For any numShards, the views partition the full row multiset exactly,
// independent of the shard count used at build time.
func (c *Cache) Shard(shardIdx, numShards int) (*View, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("numShards must be >= 1, got %d", numShards)
	}
	if shardIdx < 0 || shardIdx >= numShards {
		return nil, fmt.Errorf("shardIdx %d out of range [0, %d)", shardIdx, numShards)
	}
	return &View{c: c, idx: shardIdx, n: numShards}, nil
}

// View is one modulo-slice of a cache's global row sequence.
type View struct {
	c   *Cache
	idx int
	n   int
}

// NumRows counts the rows selected by this view.
func (v *View) NumRows() int64 {
	total := v.c.NumRows()
	if total <= int64(v.idx) {
		return 0
	}
	return (total-1-int64(v.idx))/int64(v.n) + 1
}

// Batches iterates the view's rows grouped by owning chunk.
func (v *View) Batches() *Iterator {
	return &Iterator{c: v.c, idx: v.idx, n: v.n}
}

// Iterator yields one ColumnBatch per chunk holding at least one
// selected row, in global chunk order.
type Iterator struct {
	c     *Cache
	idx   int
	n     int
	chunk int
	batch source.ColumnBatch
	err   error
}

// Next advances to the next non-empty batch.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.chunk < len(it.c.globals) {
		ci := it.chunk
		it.chunk++

		locals := selectRows(it.c.rowOffsets[ci], it.c.rowOffsets[ci+1], it.idx, it.n)
		if len(locals) == 0 {
			continue
		}
		batch, err := it.c.materialize(ci, locals)
		if err != nil {
			it.err = err
			return false
		}
		it.batch = batch
		return true
	}
	return false
}

// Batch returns the current batch. Valid after Next returns true.
func (it *Iterator) Batch() source.ColumnBatch { return it.batch }

// Err returns the first error hit during iteration.
func (it *Iterator) Err() error { return it.err }

// selectRows lists the local row indices of chunk rows [lo, hi) whose
// global index is congruent to idx mod n.
func selectRows(lo, hi int64, idx, n int) []int {
	if hi <= lo {
		return nil
	}
	first := lo + ((int64(idx)-lo)%int64(n)+int64(n))%int64(n)
	if first >= hi {
		return nil
	}
	out := make([]int, 0, (hi-first+int64(n)-1)/int64(n))
	for r := first; r < hi; r += int64(n) {
		out = append(out, int(r-lo))
	}
	return out
}

// materialize gathers the given local rows of one chunk into a batch,
// applying the reader's EOS and flatten options.
func (c *Cache) materialize(ci int, locals []int) (source.ColumnBatch, error) {
	ch, err := c.chunkAt(ci)
	if err != nil {
		return nil, err
	}
	out := make(source.ColumnBatch, len(c.man.Schema))
	for _, col := range c.man.Schema {
		rows := make([][]int32, 0, len(locals))
		for _, li := range locals {
			row, err := ch.Row(col.Name, li)
			if err != nil {
				return nil, err
			}
			if c.opts.EnforceEOS && col.Name == c.opts.TokenColumn {
				row = append(row, c.opts.EOSToken)
			}
			rows = append(rows, row)
		}
		if c.opts.FlattenDocs {
			var total int
			for _, r := range rows {
				total += len(r)
			}
			flat := make([]int32, 0, total)
			for _, r := range rows {
				flat = append(flat, r...)
			}
			rows = [][]int32{flat}
		}
		out[col.Name] = rows
	}
	return out, nil
}

// TokenRange copies tokens [start, end) of the logical token stream,
// crossing row and chunk boundaries as needed.
func (c *Cache) TokenRange(start, end int64) ([]int32, error) {
	total := c.TokenCount()
	if start < 0 || end < start || end > total {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrTokenOutOfRange, start, end, total)
	}
	out := make([]int32, 0, end-start)
	eos := c.eosPerRow()

	// effOffset(i): stream position where chunk i starts.
	effOffset := func(i int) int64 {
		return c.tokenOffsets[i] + eos*c.rowOffsets[i]
	}

	ci := sort.Search(len(c.globals), func(i int) bool { return effOffset(i+1) > start })
	for ; ci < len(c.globals) && effOffset(ci) < end; ci++ {
		ch, err := c.chunkAt(ci)
		if err != nil {
			return nil, err
		}
		chunkStart := effOffset(ci)
		local := start - chunkStart
		if local < 0 {
			local = 0
		}

		// First row whose stream end exceeds the local target.
		r := sort.Search(ch.Rows(), func(r int) bool {
			off, _ := ch.RowTokenOffset(c.opts.TokenColumn, r+1)
			return off+eos*int64(r+1) > local
		})

		for ; r < ch.Rows(); r++ {
			rowOff, err := ch.RowTokenOffset(c.opts.TokenColumn, r)
			if err != nil {
				return nil, err
			}
			rowStart := chunkStart + rowOff + eos*int64(r)
			if rowStart >= end {
				return out, nil
			}
			row, err := ch.Row(c.opts.TokenColumn, r)
			if err != nil {
				return nil, err
			}
			if c.opts.EnforceEOS {
				row = append(row, c.opts.EOSToken)
			}
			a := int64(0)
			if start > rowStart {
				a = start - rowStart
			}
			z := int64(len(row))
			if rowStart+z > end {
				z = end - rowStart
			}
			out = append(out, row[a:z]...)
		}
	}
	return out, nil
}
