package dataset

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Example is one training example: named fixed-shape int32 arrays.
type Example map[string][]int32

// Encode renders the example into canonical bytes (sorted keys,
// little-endian values) so equality can be checked bit-for-bit across
// workers.
func (e Example) Encode() []byte {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	size := 0
	for _, k := range keys {
		size += 2 + len(k) + 4 + 4*len(e[k])
	}
	buf := make([]byte, 0, size)
	for _, k := range keys {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e[k])))
		for _, v := range e[k] {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		}
	}
	return buf
}

// ShardableDataset is a finite, random-access dataset that can be
// split into modulo shards: Shard(idx, n) selects items i with
// i mod n == idx. Reads must be cheap (memory or mmap backed); no
// long-latency I/O belongs here, this runs inside the data step.
type ShardableDataset interface {
	Len() int
	At(i int) (Example, error)
	Shard(shardIdx, numShards int) (ShardableDataset, error)
}

// Batch is the materialized slice of one step's examples owned by one
// data-parallel group.
type Batch struct {
	Group    int
	Step     int
	Indices  []int
	Examples []Example
}

// Encode renders the whole batch canonically for bit-identity checks.
func (b *Batch) Encode() []byte {
	var buf []byte
	for i, ex := range b.Examples {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Indices[i]))
		enc := ex.Encode()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
	}
	return buf
}

// ShardedBatchLoader assembles per-worker batches against a worker
// mesh. Global example i of step s (range [s*B, (s+1)*B)) belongs to
// the data-parallel group i mod G; workers differing only in other
// axes (e.g. model-parallel) see byte-identical batches because
// assembly depends solely on the data-parallel coordinate.
type ShardedBatchLoader struct {
	ds        ShardableDataset
	mesh      *Mesh
	dataAxis  int
	batchSize int
}

// NewShardedBatchLoader validates the mesh/batch geometry. batchSize is
// the global batch size and must be divisible by the data axis size.
func NewShardedBatchLoader(ds ShardableDataset, mesh *Mesh, dataAxis string, batchSize int) (*ShardedBatchLoader, error) {
	axisIdx, err := mesh.AxisIndex(dataAxis)
	if err != nil {
		return nil, err
	}
	groups := mesh.axes[axisIdx].Size
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	if batchSize%groups != 0 {
		return nil, fmt.Errorf("batch size %d not divisible by %d data-parallel groups", batchSize, groups)
	}
	return &ShardedBatchLoader{ds: ds, mesh: mesh, dataAxis: axisIdx, batchSize: batchSize}, nil
}

// NumGroups returns the number of data-parallel groups.
func (l *ShardedBatchLoader) NumGroups() int { return l.mesh.axes[l.dataAxis].Size }

// BatchSize returns the global batch size.
func (l *ShardedBatchLoader) BatchSize() int { return l.batchSize }

// NumSteps returns how many full batches the dataset yields; trailing
// examples that do not fill a batch are dropped.
func (l *ShardedBatchLoader) NumSteps() int { return l.ds.Len() / l.batchSize }

// GroupFor returns the data-parallel coordinate of a worker rank.
func (l *ShardedBatchLoader) GroupFor(rank int) (int, error) {
	coord, err := l.mesh.Coord(rank)
	if err != nil {
		return 0, err
	}
	return coord[l.dataAxis], nil
}

// BatchFor materializes the batch a worker holds at one step.
func (l *ShardedBatchLoader) BatchFor(rank, step int) (*Batch, error) {
	if step < 0 || step >= l.NumSteps() {
		return nil, fmt.Errorf("step %d out of range [0, %d)", step, l.NumSteps())
	}
	group, err := l.GroupFor(rank)
	if err != nil {
		return nil, err
	}

	groups := l.NumGroups()
	base := step * l.batchSize
	b := &Batch{Group: group, Step: step}
	for i := base + group; i < base+l.batchSize; i += groups {
		ex, err := l.ds.At(i)
		if err != nil {
			return nil, fmt.Errorf("failed to load example %d: %w", i, err)
		}
		b.Indices = append(b.Indices, i)
		b.Examples = append(b.Examples, ex)
	}
	return b, nil
}
