package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Blob layout: magic, version, dim, slot count, vector payload, tombstone
// bytes, SHA-256 checksum over everything preceding it. The sidecar holds
// the slot→chunk_id mapping as JSON so operators can inspect it.

var blobMagic = [4]byte{'C', 'B', 'I', 'X'}

const blobVersion = 1

// ErrChecksum indicates a corrupted blob. Loading code quarantines the
// tenant rather than rebuilding silently.
var ErrChecksum = fmt.Errorf("index blob failed checksum")

type sidecar struct {
	Version  int      `json:"version"`
	Dim      int      `json:"dim"`
	ChunkIDs []string `json:"chunk_ids"`
}

// EncodeBlob serializes the vectors and tombstones.
func (ix *Index) EncodeBlob() []byte {
	slots := len(ix.chunkIDs)
	size := 4 + 4 + 4 + 4 + len(ix.vectors)*4 + slots + sha256.Size
	buf := bytes.NewBuffer(make([]byte, 0, size))

	buf.Write(blobMagic[:])
	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:], blobVersion)
	binary.LittleEndian.PutUint32(header[4:], uint32(ix.dim))
	binary.LittleEndian.PutUint32(header[8:], uint32(slots))
	buf.Write(header[:])

	var scratch [4]byte
	for _, f := range ix.vectors {
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
		buf.Write(scratch[:])
	}
	for _, dead := range ix.tombstones {
		if dead {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

// EncodeSidecar serializes the slot→chunk_id mapping.
func (ix *Index) EncodeSidecar() ([]byte, error) {
	data, err := json.Marshal(sidecar{Version: blobVersion, Dim: ix.dim, ChunkIDs: ix.chunkIDs})
	if err != nil {
		return nil, fmt.Errorf("encoding sidecar: %w", err)
	}
	return data, nil
}

// Decode reconstructs an Index from a blob and its sidecar. A checksum
// mismatch returns ErrChecksum; a sidecar inconsistent with the blob is
// treated the same way.
func Decode(blob, sidecarData []byte) (*Index, error) {
	minSize := 4 + 12 + sha256.Size
	if len(blob) < minSize {
		return nil, ErrChecksum
	}
	if !bytes.Equal(blob[:4], blobMagic[:]) {
		return nil, ErrChecksum
	}

	body := blob[:len(blob)-sha256.Size]
	var stored [sha256.Size]byte
	copy(stored[:], blob[len(blob)-sha256.Size:])
	if sha256.Sum256(body) != stored {
		return nil, ErrChecksum
	}

	version := binary.LittleEndian.Uint32(blob[4:])
	if version != blobVersion {
		return nil, fmt.Errorf("unsupported index blob version %d", version)
	}
	dim := int(binary.LittleEndian.Uint32(blob[8:]))
	slots := int(binary.LittleEndian.Uint32(blob[12:]))

	expected := 16 + slots*dim*4 + slots + sha256.Size
	if len(blob) != expected {
		return nil, ErrChecksum
	}

	var sc sidecar
	if err := json.Unmarshal(sidecarData, &sc); err != nil {
		return nil, fmt.Errorf("decoding sidecar: %w", err)
	}
	if sc.Dim != dim || len(sc.ChunkIDs) != slots {
		return nil, ErrChecksum
	}

	ix := &Index{
		dim:        dim,
		vectors:    make([]float32, slots*dim),
		chunkIDs:   sc.ChunkIDs,
		tombstones: make([]bool, slots),
	}
	off := 16
	for i := range ix.vectors {
		ix.vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[off:]))
		off += 4
	}
	for i := 0; i < slots; i++ {
		if blob[off+i] == 1 {
			ix.tombstones[i] = true
			ix.tombstoned++
		}
	}
	return ix, nil
}
