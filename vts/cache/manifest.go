package cache

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/virtual-tokenstore/vts"
	"github.com/ZanzyTHEbar/virtual-tokenstore/vts/source"

	"github.com/google/uuid"
)

// ShardStatus tracks the lifecycle of one source shard during a build.
type ShardStatus string

const (
	ShardPending    ShardStatus = "pending"
	ShardInProgress ShardStatus = "in-progress"
	ShardFinished   ShardStatus = "finished"
	ShardFailed     ShardStatus = "failed"
)

// ChunkRecord is the manifest entry for one sealed chunk.
type ChunkRecord struct {
	Index  int              `json:"index"`
	File   string           `json:"file"` // relative to the cache dir
	Rows   int64            `json:"rows"`
	Tokens map[string]int64 `json:"tokens"`
	CRC    uint32           `json:"crc"`
}

// ShardState is the persisted build state of one shard: its cursor,
// status, failure cause, and sealed chunks in index order.
type ShardState struct {
	Name      string        `json:"name"`
	Status    ShardStatus   `json:"status"`
	RowCursor int64         `json:"rowCursor"`
	Error     string        `json:"error,omitempty"`
	Chunks    []ChunkRecord `json:"chunks"`
}

// Manifest is the single persisted index of a split-cache: schema,
// per-shard build state, and the global completion flag. Global row
// order is shards in source order, chunks by index, rows in source
// order. It doubles as the resumable build state.
type Manifest struct {
	BuildID  uuid.UUID     `json:"buildId"`
	Schema   source.Schema `json:"schema"`
	Complete bool          `json:"complete"`
	Shards   []*ShardState `json:"shards"`
}

// globalChunk is one entry of the manifest's flattened chunk list.
type globalChunk struct {
	shard string
	rec   ChunkRecord
}

func newManifest(schema source.Schema, shardNames []string) *Manifest {
	m := &Manifest{
		BuildID: uuid.New(),
		Schema:  schema,
		Shards:  make([]*ShardState, 0, len(shardNames)),
	}
	for _, name := range shardNames {
		m.Shards = append(m.Shards, &ShardState{Name: name, Status: ShardPending})
	}
	return m
}

func manifestPath(dir string) string {
	return filepath.Join(dir, internal.ManifestFileName)
}

// loadManifest reads and validates the manifest of a cache directory.
func loadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validate checks the manifest invariants: chunk indices strictly
// increase per shard and row counts are non-negative.
func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Shards))
	for _, st := range m.Shards {
		if st == nil || st.Name == "" {
			return fmt.Errorf("%w: empty shard entry", ErrManifestCorrupt)
		}
		if seen[st.Name] {
			return fmt.Errorf("%w: duplicate shard %s", ErrManifestCorrupt, st.Name)
		}
		seen[st.Name] = true

		var rows int64
		for i, rec := range st.Chunks {
			if rec.Index != i {
				return fmt.Errorf("%w: shard %s chunk %d has index %d", ErrManifestCorrupt, st.Name, i, rec.Index)
			}
			if rec.Rows < 0 {
				return fmt.Errorf("%w: shard %s chunk %d has negative rows", ErrManifestCorrupt, st.Name, i)
			}
			rows += rec.Rows
		}
		if rows > st.RowCursor {
			return fmt.Errorf("%w: shard %s cursor %d behind sealed rows %d", ErrManifestCorrupt, st.Name, st.RowCursor, rows)
		}
		if m.Complete && st.Status != ShardFinished {
			return fmt.Errorf("%w: complete cache has unfinished shard %s", ErrManifestCorrupt, st.Name)
		}
	}
	return nil
}

// save persists the manifest atomically: temp file, fsync, rename.
// Readers observe either the previous or the new manifest, never a
// torn one.
func (m *Manifest) save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmpName, manifestPath(dir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename manifest into place: %w", err)
	}
	return nil
}

// shard returns the state entry for a shard name, or nil.
func (m *Manifest) shard(name string) *ShardState {
	for _, st := range m.Shards {
		if st.Name == name {
			return st
		}
	}
	return nil
}

// globalChunks flattens the manifest into global chunk order.
func (m *Manifest) globalChunks() []globalChunk {
	var out []globalChunk
	for _, st := range m.Shards {
		for _, rec := range st.Chunks {
			out = append(out, globalChunk{shard: st.Name, rec: rec})
		}
	}
	return out
}

// NumRows returns the total sealed row count.
func (m *Manifest) NumRows() int64 {
	var n int64
	for _, st := range m.Shards {
		for _, rec := range st.Chunks {
			n += rec.Rows
		}
	}
	return n
}

// chunkFileName builds the on-disk name of a chunk blob. Shard names
// may contain separators (e.g. URL-ish ids); they are flattened, and a
// checksum of the raw name keeps distinct shards from colliding after
// flattening ("a/b" vs "a_b").
func chunkFileName(shard string, index int) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", string(os.PathSeparator), "_").Replace(shard)
	return filepath.Join(internal.ChunksDirName,
		fmt.Sprintf("%s-%08x-%06d.bin", safe, crc32.ChecksumIEEE([]byte(shard)), index))
}
