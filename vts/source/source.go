// Package source defines the external contracts feeding a token cache
// build: sharded, resumable row producers and pure batch processors that
// turn raw document rows into named token columns.
package source

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient marks a source read failure that is safe to retry by
// reopening the shard at the current row.
var ErrTransient = errors.New("transient source error")

// Transient reports whether err should be retried at shard granularity.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ShardedSource produces rows grouped into named, independently resumable
// shards. ShardNames must return a stable order; OpenShardAtRow must
// support arbitrary resumption offsets, including one past the last row.
type ShardedSource interface {
	ShardNames() []string
	OpenShardAtRow(ctx context.Context, name string, row int64) (RowIterator, error)
}

// RowIterator yields raw document rows. Next returns io.EOF when the
// shard is exhausted.
type RowIterator interface {
	Next() (string, error)
	Close() error
}

// Dtype identifies the element type of a column. Only int32 token
// columns are stored today.
type Dtype string

const DtypeInt32 Dtype = "int32"

// Column names one output column of a processor.
type Column struct {
	Name  string `json:"name"`
	Dtype Dtype  `json:"dtype"`
}

// Schema is the ordered set of columns a processor emits.
type Schema []Column

// Has reports whether the schema contains a column with the given name.
func (s Schema) Has(name string) bool {
	for _, c := range s {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ColumnBatch holds the processed form of a batch of rows: for every
// schema column, one variable-length int32 array per input row.
type ColumnBatch map[string][][]int32

// Rows returns the row count of the batch, or an error if the columns
// disagree.
func (b ColumnBatch) Rows() (int, error) {
	n := -1
	for name, col := range b {
		if n == -1 {
			n = len(col)
			continue
		}
		if len(col) != n {
			return 0, fmt.Errorf("column %s has %d rows, expected %d", name, len(col), n)
		}
	}
	if n == -1 {
		n = 0
	}
	return n, nil
}

// Processor is a deterministic, stateless batch transform from raw rows
// to named columns. It must be row-aligned (one output row per input
// row) and safe to call concurrently.
type Processor interface {
	Process(ctx context.Context, rows []string) (ColumnBatch, error)
	Schema() Schema
}
