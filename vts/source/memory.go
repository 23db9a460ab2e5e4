package source

import (
	"context"
	"fmt"
	"io"
)

// MemorySource serves shards from in-memory row slices. It exists for
// tests and for small corpora that fit in memory; it honors arbitrary
// resume offsets the same way a file-backed source would.
type MemorySource struct {
	names  []string
	shards map[string][]string
}

// NewMemorySource builds a source from shard names in the given order.
func NewMemorySource(names []string, shards map[string][]string) *MemorySource {
	return &MemorySource{names: names, shards: shards}
}

func (m *MemorySource) ShardNames() []string { return m.names }

func (m *MemorySource) OpenShardAtRow(ctx context.Context, name string, row int64) (RowIterator, error) {
	rows, ok := m.shards[name]
	if !ok {
		return nil, fmt.Errorf("unknown shard %q", name)
	}
	if row < 0 || row > int64(len(rows)) {
		return nil, fmt.Errorf("shard %q: row %d out of range [0, %d]", name, row, len(rows))
	}
	return &sliceIterator{rows: rows, pos: int(row)}, nil
}

type sliceIterator struct {
	rows []string
	pos  int
}

func (it *sliceIterator) Next() (string, error) {
	if it.pos >= len(it.rows) {
		return "", io.EOF
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}

func (it *sliceIterator) Close() error { return nil }
