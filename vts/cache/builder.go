// Package cache builds and serves a persisted, randomly-accessible
// token cache: a distributed, resumable builder writing an immutable
// chunked on-disk format, and a reader exposing logical iteration,
// deterministic re-sharding, and token-stream access over it.
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	internal "github.com/ZanzyTHEbar/virtual-tokenstore/vts"
	"github.com/ZanzyTHEbar/virtual-tokenstore/vts/monitor"
	"github.com/ZanzyTHEbar/virtual-tokenstore/vts/source"

	assert "github.com/ZanzyTHEbar/assert-lib"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// BuildOptions tunes one cache build. Zero values pick defaults.
type BuildOptions struct {
	RowsPerChunk     int // rows per sealed chunk (last chunk of a shard may be short)
	MaxWorkers       int // bounded worker pool size; shards may exceed it
	SealQueueDepth   int // bounded in-flight chunk-seal queue (backpressure)
	MaxSourceRetries int // transient source errors retried per shard
	ProcessBatchSize int // rows handed to the processor per call
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.RowsPerChunk <= 0 {
		o.RowsPerChunk = internal.DefaultRowsPerChunk
	}
	if o.MaxWorkers <= 0 {
		// CPU cores * 2 for I/O bound work, bounded for responsiveness
		// and against resource exhaustion
		o.MaxWorkers = min(max(runtime.NumCPU()*2, 4), 32)
	}
	if o.SealQueueDepth <= 0 {
		o.SealQueueDepth = internal.DefaultSealQueueDepth
	}
	if o.MaxSourceRetries < 0 {
		o.MaxSourceRetries = 0
	} else if o.MaxSourceRetries == 0 {
		o.MaxSourceRetries = internal.DefaultSourceRetries
	}
	if o.ProcessBatchSize <= 0 {
		o.ProcessBatchSize = internal.DefaultProcessBatchSize
	}
	return o
}

// BuildHandle tracks an in-flight (or finished) cache build.
type BuildHandle struct {
	buildID uuid.UUID
	bus     *monitor.Bus
	done    chan struct{}

	mu       sync.Mutex
	failures []error
}

// BuildID identifies this cache; it is stable across resumed builds.
func (h *BuildHandle) BuildID() uuid.UUID { return h.buildID }

// AttachMonitor subscribes a metrics monitor. Late subscribers receive
// a replay of past events plus live ones.
func (h *BuildHandle) AttachMonitor(m monitor.Monitor) { h.bus.Subscribe(m) }

// Done returns a channel closed when every shard is finished or failed.
func (h *BuildHandle) Done() <-chan struct{} { return h.done }

// AwaitFinished blocks until every shard is finished or failed, then
// returns the aggregation of all per-shard failures, or nil.
func (h *BuildHandle) AwaitFinished() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return errors.Join(h.failures...)
}

func (h *BuildHandle) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
}

// commitKind discriminates messages to the committer goroutine.
type commitKind int

const (
	commitChunk commitKind = iota
	commitFinished
	commitFailed
)

type commitMsg struct {
	kind  commitKind
	shard string
	rec   ChunkRecord
	err   error
}

// shardTask is the immutable per-shard starting point snapshotted
// before workers run.
type shardTask struct {
	name      string
	cursor    int64
	nextChunk int
}

// builder orchestrates one build: a bounded worker pool with one task
// per shard, and a single committer goroutine that owns all manifest
// mutation. Workers never touch the manifest directly; they message
// the committer, so readers observe either N or N+1 sealed chunks.
type builder struct {
	dir     string
	src     source.ShardedSource
	proc    source.Processor
	opts    BuildOptions
	man     *Manifest
	bus     *monitor.Bus
	handle  *BuildHandle
	commit  chan commitMsg
	started time.Time

	asserts *assert.AssertHandler

	failedMu sync.RWMutex
	failed   map[string]bool

	committerDone chan struct{}
}

// CacheDataset is the build entry point: it starts (or resumes) a
// build of the given source into dir and optionally blocks until it
// finishes.
func CacheDataset(ctx context.Context, dir string, src source.ShardedSource, proc source.Processor, opts BuildOptions, awaitFinished bool) (*BuildHandle, error) {
	h, err := Build(ctx, dir, src, proc, opts)
	if err != nil {
		return nil, err
	}
	if awaitFinished {
		if err := h.AwaitFinished(); err != nil {
			return h, err
		}
	}
	return h, nil
}

// Build starts a cache build without waiting for it. Re-invoking Build
// on a directory with an incomplete manifest resumes every shard from
// its last sealed chunk; completed caches return a finished handle.
func Build(ctx context.Context, dir string, src source.ShardedSource, proc source.Processor, opts BuildOptions) (*BuildHandle, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Join(dir, internal.ChunksDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	man, err := loadManifest(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		man = newManifest(proc.Schema(), src.ShardNames())
	case err != nil:
		return nil, err
	default:
		if err := checkSchema(man.Schema, proc.Schema()); err != nil {
			return nil, err
		}
		// New shards in the source are picked up; failed shards get
		// another chance on re-invocation.
		changed := false
		for _, name := range src.ShardNames() {
			if man.shard(name) == nil {
				man.Shards = append(man.Shards, &ShardState{Name: name, Status: ShardPending})
				changed = true
			}
		}
		for _, st := range man.Shards {
			if st.Status == ShardFailed {
				st.Status = ShardPending
				st.Error = ""
				changed = true
			}
		}
		// A grown source reopens a completed cache.
		if changed {
			man.Complete = false
		}
	}

	bus := monitor.NewBus()
	handle := &BuildHandle{buildID: man.BuildID, bus: bus, done: make(chan struct{})}

	if man.Complete {
		bus.Publish(monitor.Event{BuildID: man.BuildID, Finished: true})
		bus.Close()
		close(handle.done)
		return handle, nil
	}

	if err := man.save(dir); err != nil {
		return nil, err
	}

	b := &builder{
		dir:           dir,
		src:           src,
		proc:          proc,
		opts:          opts,
		man:           man,
		bus:           bus,
		handle:        handle,
		commit:        make(chan commitMsg, opts.SealQueueDepth),
		started:       time.Now(),
		asserts:       assert.NewAssertHandler(),
		failed:        make(map[string]bool),
		committerDone: make(chan struct{}),
	}

	// Snapshot per-shard starting points before any goroutine can
	// mutate the manifest.
	var tasks []shardTask
	for _, st := range man.Shards {
		if st.Status == ShardFinished {
			continue
		}
		tasks = append(tasks, shardTask{name: st.Name, cursor: st.RowCursor, nextChunk: len(st.Chunks)})
	}

	go b.run(ctx, tasks)
	return handle, nil
}

func (b *builder) run(ctx context.Context, tasks []shardTask) {
	go b.runCommitter()

	slog.Info("Cache build started",
		"dir", b.dir,
		"build", b.man.BuildID,
		"shards", len(tasks),
		"workers", b.opts.MaxWorkers,
		"rows_per_chunk", b.opts.RowsPerChunk)

	p := pool.New().WithMaxGoroutines(b.opts.MaxWorkers).WithContext(ctx)
	for _, task := range tasks {
		p.Go(func(ctx context.Context) error {
			return b.runShard(ctx, task)
		})
	}
	if err := p.Wait(); err != nil {
		// Shard failures are reported through the committer; anything
		// surfacing here is cancellation.
		b.handle.recordFailure(err)
	}

	close(b.commit)
	<-b.committerDone
	b.bus.Close()
	close(b.handle.done)
}

// runShard processes one shard end to end: read rows from the persisted
// cursor, batch them through the processor, seal full chunks, and
// report completion. Shard-level errors are recorded and isolated; only
// context cancellation propagates.
func (b *builder) runShard(ctx context.Context, task shardTask) error {
	it, err := b.src.OpenShardAtRow(ctx, task.name, task.cursor)
	if err != nil {
		b.failShard(task.name, fmt.Errorf("failed to open shard at row %d: %w", task.cursor, err))
		return nil
	}
	defer func() {
		if it != nil {
			it.Close()
		}
	}()

	acc := newAccumulator(b.proc.Schema())
	nextChunk := task.nextChunk
	absRow := task.cursor
	batch := make([]string, 0, b.opts.ProcessBatchSize)

	processBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		cols, err := b.proc.Process(ctx, batch)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProcessor, err)
		}
		n, err := cols.Rows()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProcessor, err)
		}
		if n != len(batch) {
			return fmt.Errorf("%w: got %d rows for %d inputs", ErrProcessor, n, len(batch))
		}
		if err := acc.append(cols); err != nil {
			return fmt.Errorf("%w: %v", ErrProcessor, err)
		}
		batch = batch[:0]
		for acc.rows >= b.opts.RowsPerChunk {
			if err := b.seal(ctx, task.name, nextChunk, acc.take(b.opts.RowsPerChunk)); err != nil {
				return err
			}
			nextChunk++
		}
		return nil
	}

	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.isFailed(task.name) {
			return nil
		}

		row, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if source.Transient(err) && retries < b.opts.MaxSourceRetries {
				retries++
				slog.Warn("Transient source error, reopening shard",
					"shard", task.name,
					"row", absRow,
					"attempt", retries,
					"error", err)
				it.Close()
				it, err = b.src.OpenShardAtRow(ctx, task.name, absRow)
				if err != nil {
					it = nil
					b.failShard(task.name, fmt.Errorf("failed to reopen shard at row %d: %w", absRow, err))
					return nil
				}
				continue
			}
			b.failShard(task.name, err)
			return nil
		}

		batch = append(batch, row)
		absRow++
		if len(batch) >= b.opts.ProcessBatchSize {
			if err := processBatch(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.failShard(task.name, err)
				return nil
			}
		}
	}

	if err := processBatch(); err != nil {
		b.failShard(task.name, err)
		return nil
	}
	if acc.rows > 0 {
		if err := b.seal(ctx, task.name, nextChunk, acc.take(acc.rows)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.failShard(task.name, err)
			return nil
		}
	}

	select {
	case b.commit <- commitMsg{kind: commitFinished, shard: task.name}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// seal writes one chunk blob (data + fsync + atomic rename) and queues
// its manifest commit. The bounded commit channel is the build's
// backpressure: a worker blocks here when the committer lags.
func (b *builder) seal(ctx context.Context, shard string, index int, cols source.ColumnBatch) error {
	rows, err := cols.Rows()
	if err != nil {
		return err
	}
	blob, err := encodeChunk(b.proc.Schema(), cols)
	if err != nil {
		return err
	}

	rel := chunkFileName(shard, index)
	if err := writeChunkFile(filepath.Join(b.dir, rel), blob); err != nil {
		return err
	}

	tokens := make(map[string]int64, len(b.proc.Schema()))
	for _, c := range b.proc.Schema() {
		var n int64
		for _, row := range cols[c.Name] {
			n += int64(len(row))
		}
		tokens[c.Name] = n
	}

	rec := ChunkRecord{
		Index:  index,
		File:   rel,
		Rows:   int64(rows),
		Tokens: tokens,
		CRC:    binary.LittleEndian.Uint32(blob[len(blob)-4:]),
	}

	select {
	case b.commit <- commitMsg{kind: commitChunk, shard: shard, rec: rec}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *builder) failShard(name string, err error) {
	b.setFailed(name)
	b.commit <- commitMsg{kind: commitFailed, shard: name, err: err}
}

func (b *builder) setFailed(name string) {
	b.failedMu.Lock()
	b.failed[name] = true
	b.failedMu.Unlock()
}

func (b *builder) isFailed(name string) bool {
	b.failedMu.RLock()
	defer b.failedMu.RUnlock()
	return b.failed[name]
}

// runCommitter is the supervisor owning all per-shard state. It applies
// seal/finish/fail commands in arrival order, persists the manifest
// atomically after each, and publishes metrics events off the workers'
// critical path.
func (b *builder) runCommitter() {
	defer close(b.committerDone)

	for msg := range b.commit {
		st := b.man.shard(msg.shard)
		if st == nil {
			slog.Error("Commit for unknown shard dropped", "shard", msg.shard)
			continue
		}

		switch msg.kind {
		case commitChunk:
			if st.Status == ShardFailed {
				continue
			}
			// Chunk indices are append-only per shard; a worker can
			// only seal the next index, resumed or not.
			b.asserts.Assert(context.Background(), msg.rec.Index == len(st.Chunks),
				fmt.Sprintf("shard %s committed chunk %d out of order, have %d", msg.shard, msg.rec.Index, len(st.Chunks)))
			st.Status = ShardInProgress
			st.Chunks = append(st.Chunks, msg.rec)
			st.RowCursor += msg.rec.Rows
			if err := b.man.save(b.dir); err != nil {
				b.markFailed(st, err)
				continue
			}
			b.publish(st, false)

		case commitFinished:
			if st.Status == ShardFailed {
				continue
			}
			st.Status = ShardFinished
			if err := b.man.save(b.dir); err != nil {
				b.markFailed(st, err)
				continue
			}
			b.publish(st, true)

		case commitFailed:
			b.markFailed(st, msg.err)
		}
	}

	for _, st := range b.man.Shards {
		if st.Status != ShardFinished {
			return
		}
	}
	b.man.Complete = true
	if err := b.man.save(b.dir); err != nil {
		b.handle.recordFailure(fmt.Errorf("failed to persist completed manifest: %w", err))
		return
	}
	b.bus.Publish(monitor.Event{
		BuildID:  b.man.BuildID,
		Finished: true,
		Elapsed:  time.Since(b.started),
	})
	slog.Info("Cache build complete",
		"dir", b.dir,
		"build", b.man.BuildID,
		"rows", b.man.NumRows(),
		"elapsed", time.Since(b.started))
}

func (b *builder) markFailed(st *ShardState, err error) {
	b.setFailed(st.Name)
	st.Status = ShardFailed
	st.Error = err.Error()
	if saveErr := b.man.save(b.dir); saveErr != nil {
		slog.Error("Failed to persist shard failure", "shard", st.Name, "error", saveErr)
	}
	b.handle.recordFailure(&ShardError{Shard: st.Name, Err: err})
	slog.Error("Shard failed", "shard", st.Name, "error", err)
	b.bus.Publish(monitor.Event{
		BuildID:       b.man.BuildID,
		Shard:         st.Name,
		RowsProcessed: st.RowCursor,
		ChunksSealed:  int64(len(st.Chunks)),
		Err:           err.Error(),
		Elapsed:       time.Since(b.started),
	})
}

func (b *builder) publish(st *ShardState, finished bool) {
	b.bus.Publish(monitor.Event{
		BuildID:       b.man.BuildID,
		Shard:         st.Name,
		RowsProcessed: st.RowCursor,
		ChunksSealed:  int64(len(st.Chunks)),
		Finished:      finished,
		Elapsed:       time.Since(b.started),
	})
}

// checkSchema requires an existing cache to match the processor.
func checkSchema(have, want source.Schema) error {
	if len(have) != len(want) {
		return fmt.Errorf("%w: cache schema has %d columns, processor %d", ErrManifestCorrupt, len(have), len(want))
	}
	for i := range have {
		if have[i] != want[i] {
			return fmt.Errorf("%w: cache column %v does not match processor column %v", ErrManifestCorrupt, have[i], want[i])
		}
	}
	return nil
}

// accumulator buffers processed rows until a chunk's worth is ready.
type accumulator struct {
	schema source.Schema
	cols   map[string][][]int32
	rows   int
}

func newAccumulator(schema source.Schema) *accumulator {
	a := &accumulator{schema: schema, cols: make(map[string][][]int32, len(schema))}
	for _, c := range schema {
		a.cols[c.Name] = nil
	}
	return a
}

func (a *accumulator) append(batch source.ColumnBatch) error {
	n := -1
	for _, c := range a.schema {
		col, ok := batch[c.Name]
		if !ok {
			return fmt.Errorf("%w: %s missing from processor output", ErrUnknownColumn, c.Name)
		}
		if n == -1 {
			n = len(col)
		}
		a.cols[c.Name] = append(a.cols[c.Name], col...)
	}
	if n > 0 {
		a.rows += n
	}
	return nil
}

// take removes and returns the first n accumulated rows.
func (a *accumulator) take(n int) source.ColumnBatch {
	if n > a.rows {
		n = a.rows
	}
	out := make(source.ColumnBatch, len(a.cols))
	for name, col := range a.cols {
		out[name] = col[:n:n]
		a.cols[name] = col[n:]
	}
	a.rows -= n
	return out
}
