package gaiav2

import (
	"encoding/binary"
	"fmt"
)

// PixelEntrySize is the stride of one HEALPix index entry.
const PixelEntrySize = 16

// PixelEntry names a non-empty HEALPix pixel and the contiguous run of
// records belonging to it in the spatially-sorted data region. Entries are
// stored sorted by PixelID so the reader can binary-search them.
type PixelEntry struct {
	PixelID      uint32
	FirstStarIdx uint64
	NumStars     uint32
}

func (e *PixelEntry) Store(buf []byte) {
	_ = buf[PixelEntrySize-1]
	binary.LittleEndian.PutUint32(buf[0:4], e.PixelID)
	binary.LittleEndian.PutUint64(buf[4:12], e.FirstStarIdx)
	binary.LittleEndian.PutUint32(buf[12:16], e.NumStars)
}

func (e *PixelEntry) Load(buf []byte) {
	_ = buf[PixelEntrySize-1]
	e.PixelID = binary.LittleEndian.Uint32(buf[0:4])
	e.FirstStarIdx = binary.LittleEndian.Uint64(buf[4:12])
	e.NumStars = binary.LittleEndian.Uint32(buf[12:16])
}

// ChunkDescriptorSize is the stride of one chunk index entry.
const ChunkDescriptorSize = 40

// ChunkDescriptor locates one compressed chunk. FileOffset is the absolute
// offset of the payload in the monolithic file; in the multi-file layout
// the payload lives in ChunkFileName(ChunkID) instead and FileOffset is
// zero.
type ChunkDescriptor struct {
	ChunkID          uint64
	FirstStarIdx     uint64
	NumStars         uint32
	CompressedSize   uint32
	UncompressedSize uint32
	FileOffset       uint64
}

func (d *ChunkDescriptor) Store(buf []byte) {
	_ = buf[ChunkDescriptorSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], d.ChunkID)
	binary.LittleEndian.PutUint64(buf[8:16], d.FirstStarIdx)
	binary.LittleEndian.PutUint32(buf[16:20], d.NumStars)
	binary.LittleEndian.PutUint32(buf[20:24], d.CompressedSize)
	binary.LittleEndian.PutUint32(buf[24:28], d.UncompressedSize)
	binary.LittleEndian.PutUint64(buf[28:36], d.FileOffset)
	binary.LittleEndian.PutUint32(buf[36:40], 0)
}

func (d *ChunkDescriptor) Load(buf []byte) {
	_ = buf[ChunkDescriptorSize-1]
	d.ChunkID = binary.LittleEndian.Uint64(buf[0:8])
	d.FirstStarIdx = binary.LittleEndian.Uint64(buf[8:16])
	d.NumStars = binary.LittleEndian.Uint32(buf[16:20])
	d.CompressedSize = binary.LittleEndian.Uint32(buf[20:24])
	d.UncompressedSize = binary.LittleEndian.Uint32(buf[24:28])
	d.FileOffset = binary.LittleEndian.Uint64(buf[28:36])
}

// StorePixelIndex serializes the HEALPix index region.
func StorePixelIndex(entries []PixelEntry) []byte {
	buf := make([]byte, len(entries)*PixelEntrySize)
	for i := range entries {
		entries[i].Store(buf[i*PixelEntrySize:])
	}
	return buf
}

// LoadPixelIndex parses the HEALPix index region.
func LoadPixelIndex(buf []byte) ([]PixelEntry, error) {
	if len(buf)%PixelEntrySize != 0 {
		return nil, fmt.Errorf("%w: healpix index length %d", ErrTruncated, len(buf))
	}
	out := make([]PixelEntry, len(buf)/PixelEntrySize)
	for i := range out {
		out[i].Load(buf[i*PixelEntrySize:])
	}
	return out, nil
}

// StoreChunkIndex serializes the chunk index region.
func StoreChunkIndex(chunks []ChunkDescriptor) []byte {
	buf := make([]byte, len(chunks)*ChunkDescriptorSize)
	for i := range chunks {
		chunks[i].Store(buf[i*ChunkDescriptorSize:])
	}
	return buf
}

// LoadChunkIndex parses the chunk index region.
func LoadChunkIndex(buf []byte) ([]ChunkDescriptor, error) {
	if len(buf)%ChunkDescriptorSize != 0 {
		return nil, fmt.Errorf("%w: chunk index length %d", ErrTruncated, len(buf))
	}
	out := make([]ChunkDescriptor, len(buf)/ChunkDescriptorSize)
	for i := range out {
		out[i].Load(buf[i*ChunkDescriptorSize:])
	}
	return out, nil
}

// ValidatePixelIndex checks the pixel index invariants: entries sorted by
// ascending pixel id, record runs contiguous from zero, pixel ids within
// the mesh, and star counts summing to totalStars.
func ValidatePixelIndex(entries []PixelEntry, npix uint32, totalStars uint64) error {
	var next uint64
	for i := range entries {
		e := &entries[i]
		if e.PixelID >= npix {
			return fmt.Errorf("%w: pixel id %d out of range (npix=%d)", ErrCorruptedIndex, e.PixelID, npix)
		}
		if i > 0 && entries[i-1].PixelID >= e.PixelID {
			return fmt.Errorf("%w: pixel ids not strictly ascending at entry %d", ErrCorruptedIndex, i)
		}
		if e.FirstStarIdx != next {
			return fmt.Errorf("%w: pixel %d starts at %d, want %d", ErrCorruptedIndex, e.PixelID, e.FirstStarIdx, next)
		}
		if e.NumStars == 0 {
			return fmt.Errorf("%w: empty pixel entry %d stored", ErrCorruptedIndex, e.PixelID)
		}
		next += uint64(e.NumStars)
	}
	if next != totalStars {
		return fmt.Errorf("%w: pixel entries cover %d stars, want %d", ErrCorruptedIndex, next, totalStars)
	}
	return nil
}

// ValidateChunkIndex checks that chunks partition [0, totalStars) without
// gap or overlap and that payload sizes are consistent with the record
// stride.
func ValidateChunkIndex(chunks []ChunkDescriptor, totalStars uint64, starsPerChunk uint32) error {
	var next uint64
	for i := range chunks {
		d := &chunks[i]
		if d.ChunkID != uint64(i) {
			return fmt.Errorf("%w: chunk %d has id %d", ErrCorruptedIndex, i, d.ChunkID)
		}
		if d.FirstStarIdx != next {
			return fmt.Errorf("%w: chunk %d starts at %d, want %d", ErrCorruptedIndex, i, d.FirstStarIdx, next)
		}
		if d.NumStars == 0 || (i < len(chunks)-1 && d.NumStars != starsPerChunk) {
			return fmt.Errorf("%w: chunk %d holds %d stars", ErrCorruptedIndex, i, d.NumStars)
		}
		if d.UncompressedSize != d.NumStars*RecordSize {
			return fmt.Errorf("%w: chunk %d uncompressed size %d for %d stars",
				ErrCorruptedIndex, i, d.UncompressedSize, d.NumStars)
		}
		if d.CompressedSize == 0 {
			return fmt.Errorf("%w: chunk %d has empty payload", ErrCorruptedIndex, i)
		}
		next += uint64(d.NumStars)
	}
	if next != totalStars {
		return fmt.Errorf("%w: chunks cover %d stars, want %d", ErrCorruptedIndex, next, totalStars)
	}
	return nil
}
