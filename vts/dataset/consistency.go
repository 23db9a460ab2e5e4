package dataset

import (
	"bytes"
	"fmt"

	roaring "github.com/RoaringBitmap/roaring"
)

// CheckShardedConsistency verifies the cross-worker contract of one
// loader step: every pair of workers sharing a data-parallel coordinate
// must hold bit-identical batches; the index sets of distinct groups
// must be pairwise disjoint and together cover exactly the step's
// range; and, when checkDisjointIndicesAreDifferent is set, workers
// over disjoint indices must hold different bytes.
func CheckShardedConsistency(l *ShardedBatchLoader, step int, checkDisjointIndicesAreDifferent bool) error {
	groups := l.NumGroups()
	encoded := make([][]byte, groups)
	payload := make([][]byte, groups)
	indices := make([]*roaring.Bitmap, groups)

	for rank := 0; rank < l.mesh.NumWorkers(); rank++ {
		g, err := l.GroupFor(rank)
		if err != nil {
			return err
		}
		batch, err := l.BatchFor(rank, step)
		if err != nil {
			return err
		}
		enc := batch.Encode()

		if encoded[g] == nil {
			encoded[g] = enc
			// Example payloads without indices, for the cross-group
			// difference check below.
			var pay []byte
			for _, ex := range batch.Examples {
				pay = append(pay, ex.Encode()...)
			}
			payload[g] = pay
			bm := roaring.New()
			for _, i := range batch.Indices {
				bm.Add(uint32(i))
			}
			indices[g] = bm
			continue
		}
		if !bytes.Equal(encoded[g], enc) {
			return fmt.Errorf("rank %d diverges from its data-parallel group %d at step %d", rank, g, step)
		}
	}

	union := roaring.New()
	for g := 0; g < groups; g++ {
		if indices[g] == nil {
			return fmt.Errorf("no worker observed for data-parallel group %d", g)
		}
		for h := g + 1; h < groups; h++ {
			if indices[h] != nil && roaring.And(indices[g], indices[h]).GetCardinality() > 0 {
				return fmt.Errorf("groups %d and %d share example indices at step %d", g, h, step)
			}
		}
		union.Or(indices[g])
	}
	if got, want := union.GetCardinality(), uint64(l.BatchSize()); got != want {
		return fmt.Errorf("step %d covers %d examples, want %d", step, got, want)
	}
	lo := uint32(step * l.BatchSize())
	if union.Minimum() != lo || union.Maximum() != lo+uint32(l.BatchSize())-1 {
		return fmt.Errorf("step %d index range [%d, %d] outside expected [%d, %d]",
			step, union.Minimum(), union.Maximum(), lo, lo+uint32(l.BatchSize())-1)
	}

	if checkDisjointIndicesAreDifferent {
		for g := 0; g < groups; g++ {
			for h := g + 1; h < groups; h++ {
				if bytes.Equal(payload[g], payload[h]) {
					return fmt.Errorf("groups %d and %d hold identical data over disjoint indices at step %d", g, h, step)
				}
			}
		}
	}
	return nil
}
