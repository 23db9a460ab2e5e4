package dataset

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampDataset is a deterministic fixture: example i carries tokens
// derived from i, so every example is distinct.
type rampDataset int

func (d rampDataset) Len() int { return int(d) }

func (d rampDataset) At(i int) (Example, error) {
	return Example{"input_ids": []int32{int32(i), int32(i * 31), int32(i ^ 0x55)}}, nil
}

func (d rampDataset) Shard(shardIdx, numShards int) (ShardableDataset, error) {
	return newStrideView(d, shardIdx, numShards)
}

func mustMesh(t *testing.T, axes ...Axis) *Mesh {
	t.Helper()
	m, err := NewMesh(axes...)
	require.NoError(t, err)
	return m
}

func TestMeshCoord(t *testing.T) {
	m := mustMesh(t, Axis{"data", 4}, Axis{"model", 2})
	assert.Equal(t, 8, m.NumWorkers())

	// Row-major: the last axis varies fastest.
	wantCoords := [][]int{
		{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}, {3, 0}, {3, 1},
	}
	for rank, want := range wantCoords {
		coord, err := m.Coord(rank)
		require.NoError(t, err)
		assert.Equal(t, want, coord, "rank %d", rank)
	}

	_, err := m.Coord(-1)
	assert.Error(t, err)
	_, err = m.Coord(8)
	assert.Error(t, err)

	size, err := m.AxisSize("data")
	require.NoError(t, err)
	assert.Equal(t, 4, size)
	_, err = m.AxisSize("pipeline")
	assert.Error(t, err)
}

func TestMeshValidation(t *testing.T) {
	_, err := NewMesh()
	assert.Error(t, err)
	_, err = NewMesh(Axis{"", 2})
	assert.Error(t, err)
	_, err = NewMesh(Axis{"data", 0})
	assert.Error(t, err)
	_, err = NewMesh(Axis{"data", 2}, Axis{"data", 2})
	assert.Error(t, err)
}

func TestLoaderGeometry(t *testing.T) {
	mesh := mustMesh(t, Axis{"data", 4}, Axis{"model", 2})

	l, err := NewShardedBatchLoader(rampDataset(64), mesh, "data", 8)
	require.NoError(t, err)
	assert.Equal(t, 4, l.NumGroups())
	assert.Equal(t, 8, l.BatchSize())
	assert.Equal(t, 8, l.NumSteps())

	_, err = NewShardedBatchLoader(rampDataset(64), mesh, "data", 6)
	assert.Error(t, err, "batch size must divide into data-parallel groups")
	_, err = NewShardedBatchLoader(rampDataset(64), mesh, "pipeline", 8)
	assert.Error(t, err)
	_, err = NewShardedBatchLoader(rampDataset(64), mesh, "data", 0)
	assert.Error(t, err)
}

func TestLoaderDropsTrailingExamples(t *testing.T) {
	mesh := mustMesh(t, Axis{"data", 2})
	l, err := NewShardedBatchLoader(rampDataset(11), mesh, "data", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, l.NumSteps()) // 11 / 4, trailing 3 dropped

	_, err = l.BatchFor(0, 2)
	assert.Error(t, err)
}

func TestLoaderBatchIndices(t *testing.T) {
	mesh := mustMesh(t, Axis{"data", 4})
	l, err := NewShardedBatchLoader(rampDataset(64), mesh, "data", 8)
	require.NoError(t, err)

	// Step 1 spans global examples [8, 16); group g owns 8+g and 12+g.
	for g := 0; g < 4; g++ {
		b, err := l.BatchFor(g, 1)
		require.NoError(t, err)
		assert.Equal(t, g, b.Group)
		assert.Equal(t, 1, b.Step)
		assert.Equal(t, []int{8 + g, 12 + g}, b.Indices)
		require.Len(t, b.Examples, 2)
		assert.Equal(t, int32(8+g), b.Examples[0]["input_ids"][0])
	}
}

func TestLoaderModelReplicasAreIdentical(t *testing.T) {
	mesh := mustMesh(t, Axis{"data", 4}, Axis{"model", 2})
	l, err := NewShardedBatchLoader(rampDataset(64), mesh, "data", 8)
	require.NoError(t, err)

	for step := 0; step < l.NumSteps(); step++ {
		// Ranks 2g and 2g+1 share data coordinate g.
		for g := 0; g < 4; g++ {
			a, err := l.BatchFor(2*g, step)
			require.NoError(t, err)
			b, err := l.BatchFor(2*g+1, step)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(a.Encode(), b.Encode()),
				"model replicas of group %d diverge at step %d", g, step)
		}
	}
}

func TestShardedConsistency(t *testing.T) {
	meshes := []struct {
		name string
		axes []Axis
	}{
		{"Data4Model2", []Axis{{"data", 4}, {"model", 2}}},
		{"Data8", []Axis{{"data", 8}}},
		{"Model2Data4", []Axis{{"model", 2}, {"data", 4}}},
	}
	for _, tt := range meshes {
		t.Run(tt.name, func(t *testing.T) {
			mesh := mustMesh(t, tt.axes...)
			l, err := NewShardedBatchLoader(rampDataset(48), mesh, "data", 8)
			require.NoError(t, err)
			for step := 0; step < l.NumSteps(); step++ {
				assert.NoError(t, CheckShardedConsistency(l, step, true))
			}
		})
	}
}

// constantDataset returns the same example for every index, which must
// trip the disjoint-indices-are-different check.
type constantDataset int

func (d constantDataset) Len() int { return int(d) }

func (d constantDataset) At(i int) (Example, error) {
	return Example{"input_ids": []int32{1, 2, 3}}, nil
}

func (d constantDataset) Shard(shardIdx, numShards int) (ShardableDataset, error) {
	return newStrideView(d, shardIdx, numShards)
}

func TestShardedConsistencyDetectsDuplicatedData(t *testing.T) {
	mesh := mustMesh(t, Axis{"data", 4})
	l, err := NewShardedBatchLoader(constantDataset(16), mesh, "data", 8)
	require.NoError(t, err)

	assert.NoError(t, CheckShardedConsistency(l, 0, false))
	assert.Error(t, CheckShardedConsistency(l, 0, true))
}

func TestExampleEncodeIsCanonical(t *testing.T) {
	a := Example{"b": {1, 2}, "a": {3}}
	b := Example{"a": {3}, "b": {1, 2}}
	assert.Equal(t, a.Encode(), b.Encode())

	c := Example{"a": {3}, "b": {1, 9}}
	assert.NotEqual(t, a.Encode(), c.Encode())
}
