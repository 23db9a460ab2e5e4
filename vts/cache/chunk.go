package cache

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/virtual-tokenstore/vts/source"

	"golang.org/x/sys/unix"
)

// Chunk blob layout (little-endian):
//
//	magic "VTSC" | u32 version | u32 ncols | u32 nrows
//	per column: u16 nameLen | name | u8 dtype
//	per column: (nrows+1) x u64 cumulative element offsets | data int32 x total
//	u32 crc32(IEEE) over everything above
//
// The offsets table gives O(1) random row access without decoding the
// rest of the chunk. Sealed chunks are immutable, so readers share them
// freely.
const (
	chunkMagic   = "VTSC"
	chunkVersion = 1

	dtypeInt32 = 1
)

// colRegion locates one column's offsets table and data area inside the
// chunk buffer.
type colRegion struct {
	offStart  int   // byte offset of the offsets table
	dataStart int   // byte offset of the int32 data
	elems     int64 // total elements in the column
}

// Chunk is a sealed, immutable, memory-mapped chunk blob.
type Chunk struct {
	path    string
	buf     []byte
	mmapped bool
	rows    int
	schema  source.Schema
	cols    map[string]colRegion
}

// encodeChunk serializes rows of the given schema into the chunk blob
// format. Every schema column must be present in cols with the same row
// count.
func encodeChunk(schema source.Schema, cols source.ColumnBatch) ([]byte, error) {
	rows, err := cols.Rows()
	if err != nil {
		return nil, err
	}
	for _, c := range schema {
		if _, ok := cols[c.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, c.Name)
		}
	}

	size := 4 + 4 + 4 + 4
	for _, c := range schema {
		size += 2 + len(c.Name) + 1
		size += (rows + 1) * 8
		for _, row := range cols[c.Name] {
			size += len(row) * 4
		}
	}
	size += 4 // crc footer

	buf := make([]byte, 0, size)
	buf = append(buf, chunkMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, chunkVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(schema)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rows))

	for _, c := range schema {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.Name)))
		buf = append(buf, c.Name...)
		buf = append(buf, dtypeInt32)
	}

	for _, c := range schema {
		col := cols[c.Name]
		var total uint64
		buf = binary.LittleEndian.AppendUint64(buf, 0)
		for _, row := range col {
			total += uint64(len(row))
			buf = binary.LittleEndian.AppendUint64(buf, total)
		}
		for _, row := range col {
			for _, v := range row {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
			}
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// writeChunkFile seals a chunk atomically: temp file, fsync, rename.
// The blob is never visible at its final path in a torn state.
func writeChunkFile(path string, blob []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-chunk-*")
	if err != nil {
		return fmt.Errorf("failed to create temp chunk file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write chunk %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync chunk %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close chunk %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename chunk into place %s: %w", path, err)
	}
	return nil
}

// OpenChunk maps a sealed chunk read-only and verifies its checksum.
func OpenChunk(path string) (*Chunk, error) {
	buf, mmapped, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	c := &Chunk{path: path, buf: buf, mmapped: mmapped}
	if err := c.parse(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// mapFile mmaps the file when possible, falling back to a plain read.
func mapFile(path string) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open chunk %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("failed to stat chunk %s: %w", path, err)
	}
	if fi.Size() == 0 {
		return nil, false, fmt.Errorf("%w: %s is empty", ErrChunkCorrupt, path)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return buf, true, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read chunk %s: %w", path, err)
	}
	return data, false, nil
}

func (c *Chunk) parse() error {
	buf := c.buf
	if len(buf) < 16+4 {
		return fmt.Errorf("%w: %s too short", ErrChunkCorrupt, c.path)
	}
	if string(buf[:4]) != chunkMagic {
		return fmt.Errorf("%w: %s has bad magic", ErrChunkCorrupt, c.path)
	}

	stored := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(buf[:len(buf)-4]) != stored {
		return fmt.Errorf("%w: %s CRC mismatch", ErrChunkCorrupt, c.path)
	}

	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != chunkVersion {
		return fmt.Errorf("%w: %s has unsupported version %d", ErrChunkCorrupt, c.path, version)
	}
	ncols := int(binary.LittleEndian.Uint32(buf[8:12]))
	c.rows = int(binary.LittleEndian.Uint32(buf[12:16]))

	pos := 16
	c.schema = make(source.Schema, 0, ncols)
	for i := 0; i < ncols; i++ {
		if pos+2 > len(buf) {
			return fmt.Errorf("%w: %s truncated column header", ErrChunkCorrupt, c.path)
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+nameLen+1 > len(buf) {
			return fmt.Errorf("%w: %s truncated column name", ErrChunkCorrupt, c.path)
		}
		name := string(buf[pos : pos+nameLen])
		pos += nameLen
		if buf[pos] != dtypeInt32 {
			return fmt.Errorf("%w: %s column %s has unsupported dtype %d", ErrChunkCorrupt, c.path, name, buf[pos])
		}
		pos++
		c.schema = append(c.schema, source.Column{Name: name, Dtype: source.DtypeInt32})
	}

	c.cols = make(map[string]colRegion, ncols)
	for _, col := range c.schema {
		offStart := pos
		offEnd := offStart + (c.rows+1)*8
		if offEnd > len(buf)-4 {
			return fmt.Errorf("%w: %s truncated offsets for %s", ErrChunkCorrupt, c.path, col.Name)
		}
		elems := int64(binary.LittleEndian.Uint64(buf[offEnd-8 : offEnd]))
		dataEnd := offEnd + int(elems)*4
		if dataEnd > len(buf)-4 {
			return fmt.Errorf("%w: %s truncated data for %s", ErrChunkCorrupt, c.path, col.Name)
		}
		c.cols[col.Name] = colRegion{offStart: offStart, dataStart: offEnd, elems: elems}
		pos = dataEnd
	}
	return nil
}

// Close unmaps the chunk. The Chunk must not be used afterwards.
func (c *Chunk) Close() error {
	if c.mmapped && c.buf != nil {
		buf := c.buf
		c.buf = nil
		return unix.Munmap(buf)
	}
	c.buf = nil
	return nil
}

// Rows returns the row count.
func (c *Chunk) Rows() int { return c.rows }

// Schema returns the chunk's column schema.
func (c *Chunk) Schema() source.Schema { return c.schema }

// TokenCount returns the total element count of a column.
func (c *Chunk) TokenCount(col string) (int64, error) {
	r, ok := c.cols[col]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownColumn, col)
	}
	return r.elems, nil
}

// rowBounds returns the [start, end) element offsets of row i.
func (c *Chunk) rowBounds(r colRegion, i int) (int64, int64) {
	start := int64(binary.LittleEndian.Uint64(c.buf[r.offStart+8*i:]))
	end := int64(binary.LittleEndian.Uint64(c.buf[r.offStart+8*(i+1):]))
	return start, end
}

// Row decodes the i-th row of a column.
func (c *Chunk) Row(col string, i int) ([]int32, error) {
	r, ok := c.cols[col]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, col)
	}
	if i < 0 || i >= c.rows {
		return nil, fmt.Errorf("%w: row %d of %d in %s", ErrRowOutOfRange, i, c.rows, c.path)
	}
	start, end := c.rowBounds(r, i)
	out := make([]int32, end-start)
	base := r.dataStart + int(start)*4
	for j := range out {
		out[j] = int32(binary.LittleEndian.Uint32(c.buf[base+4*j:]))
	}
	return out, nil
}

// RowTokenOffset returns the number of elements stored before row i in
// a column, i.e. the in-chunk token prefix sum.
func (c *Chunk) RowTokenOffset(col string, i int) (int64, error) {
	r, ok := c.cols[col]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownColumn, col)
	}
	if i < 0 || i > c.rows {
		return 0, fmt.Errorf("%w: row %d of %d in %s", ErrRowOutOfRange, i, c.rows, c.path)
	}
	return int64(binary.LittleEndian.Uint64(c.buf[r.offStart+8*i:])), nil
}
