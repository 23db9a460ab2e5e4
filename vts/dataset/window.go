package dataset

import (
	"fmt"

	internal "github.com/ZanzyTHEbar/virtual-tokenstore/vts"
)

// TokenStream is the logical concatenation of a cache's token column,
// with any flatten/EOS options already applied by the reader.
type TokenStream interface {
	TokenCount() int64
	TokenRange(start, end int64) ([]int32, error)
}

// SequenceDataset derives fixed-length windows over a token stream:
// item i is tokens [i*L, (i+1)*L). Trailing tokens that do not fill a
// complete window are dropped, never padded.
type SequenceDataset struct {
	stream TokenStream
	seqLen int64
	column string
}

// NewSequenceDataset creates a window dataset of the given sequence
// length. An empty column name uses the default token column.
func NewSequenceDataset(stream TokenStream, seqLen int, column string) (*SequenceDataset, error) {
	if seqLen < 1 {
		return nil, fmt.Errorf("sequence length must be >= 1, got %d", seqLen)
	}
	if column == "" {
		column = internal.DefaultTokenColumn
	}
	return &SequenceDataset{stream: stream, seqLen: int64(seqLen), column: column}, nil
}

func (d *SequenceDataset) Len() int {
	return int(d.stream.TokenCount() / d.seqLen)
}

func (d *SequenceDataset) At(i int) (Example, error) {
	if i < 0 || i >= d.Len() {
		return nil, fmt.Errorf("window %d out of range [0, %d)", i, d.Len())
	}
	start := int64(i) * d.seqLen
	tokens, err := d.stream.TokenRange(start, start+d.seqLen)
	if err != nil {
		return nil, err
	}
	return Example{d.column: tokens}, nil
}

func (d *SequenceDataset) Shard(shardIdx, numShards int) (ShardableDataset, error) {
	return newStrideView(d, shardIdx, numShards)
}

// strideView selects every numShards-th item of a dataset starting at
// offset. Views compose, so re-sharding a shard stays correct.
type strideView struct {
	ds     ShardableDataset
	offset int
	stride int
}

func newStrideView(ds ShardableDataset, shardIdx, numShards int) (ShardableDataset, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("numShards must be >= 1, got %d", numShards)
	}
	if shardIdx < 0 || shardIdx >= numShards {
		return nil, fmt.Errorf("shardIdx %d out of range [0, %d)", shardIdx, numShards)
	}
	return &strideView{ds: ds, offset: shardIdx, stride: numShards}, nil
}

func (v *strideView) Len() int {
	n := v.ds.Len()
	if n <= v.offset {
		return 0
	}
	return (n-1-v.offset)/v.stride + 1
}

func (v *strideView) At(i int) (Example, error) {
	if i < 0 || i >= v.Len() {
		return nil, fmt.Errorf("item %d out of range [0, %d)", i, v.Len())
	}
	return v.ds.At(v.offset + i*v.stride)
}

func (v *strideView) Shard(shardIdx, numShards int) (ShardableDataset, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("numShards must be >= 1, got %d", numShards)
	}
	if shardIdx < 0 || shardIdx >= numShards {
		return nil, fmt.Errorf("shardIdx %d out of range [0, %d)", shardIdx, numShards)
	}
	return &strideView{ds: v.ds, offset: v.offset + shardIdx*v.stride, stride: v.stride * numShards}, nil
}
