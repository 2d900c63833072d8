package gaiav2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Magic are the first eight bytes of a V2 catalog file.
var Magic = [8]byte{'G', 'A', 'I', 'A', '1', '8', 'V', '2'}

const Version = uint32(2)

// HeaderSize is the fixed, zero-padded size of the header region.
const HeaderSize = 256

// DefaultStarsPerChunk is the logical chunk size used by the builder.
const DefaultStarsPerChunk = 1_000_000

// FlagUncompressed marks a catalog whose chunk payloads are stored raw
// (multi-file layout); when clear, payloads are zlib streams.
const FlagUncompressed = uint32(1 << 0)

// Names of the pieces of the multi-file layout.
const (
	MetadataFileName = "metadata.dat"
	ChunksDirName    = "chunks"
)

// ChunkFileName returns the relative path of a chunk payload inside a
// multi-file catalog directory, e.g. "chunks/chunk_007.dat".
func ChunkFileName(chunkID uint64) string {
	return fmt.Sprintf("%s/chunk_%03d.dat", ChunksDirName, chunkID)
}

var (
	ErrInvalidMagic       = errors.New("invalid catalog magic")
	ErrUnsupportedVersion = errors.New("unsupported catalog version")
	ErrTruncated          = errors.New("truncated catalog data")
	ErrCorruptedIndex     = errors.New("corrupted catalog index")
)

// Header is the fixed 256-byte descriptor at the start of a monolithic
// catalog (or of metadata.dat in the multi-file layout). Offsets are
// absolute within the monolithic file.
type Header struct {
	FormatFlags uint32

	TotalStars    uint64
	TotalChunks   uint64
	StarsPerChunk uint32
	HealpixNside  uint32

	MagLimit float64
	RAMin    float64
	RAMax    float64
	DecMin   float64
	DecMax   float64

	HealpixIndexOffset uint64
	HealpixIndexSize   uint64
	NumHealpixPixels   uint32

	ChunkIndexOffset uint64
	ChunkIndexSize   uint64

	DataOffset uint64
	DataSize   uint64

	// CreationDate is an ISO-8601 timestamp, SourceCatalog the name of the
	// upstream the catalog was built from. Both are stored NUL-padded in
	// 32-byte fields.
	CreationDate  string
	SourceCatalog string
}

// Uncompressed reports whether chunk payloads are stored raw.
func (h *Header) Uncompressed() bool {
	return h.FormatFlags&FlagUncompressed != 0
}

// Store serializes the header into a 256-byte buffer. The version and
// header_size fields are written from the package constants.
func (h *Header) Store(buf *[HeaderSize]byte) {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[0:8], Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.FormatFlags)
	binary.LittleEndian.PutUint64(buf[16:24], h.TotalStars)
	binary.LittleEndian.PutUint64(buf[24:32], h.TotalChunks)
	binary.LittleEndian.PutUint32(buf[32:36], h.StarsPerChunk)
	binary.LittleEndian.PutUint32(buf[36:40], h.HealpixNside)
	binary.LittleEndian.PutUint64(buf[40:48], math.Float64bits(h.MagLimit))
	binary.LittleEndian.PutUint64(buf[48:56], math.Float64bits(h.RAMin))
	binary.LittleEndian.PutUint64(buf[56:64], math.Float64bits(h.RAMax))
	binary.LittleEndian.PutUint64(buf[64:72], math.Float64bits(h.DecMin))
	binary.LittleEndian.PutUint64(buf[72:80], math.Float64bits(h.DecMax))
	binary.LittleEndian.PutUint64(buf[80:88], HeaderSize)
	binary.LittleEndian.PutUint64(buf[88:96], h.HealpixIndexOffset)
	binary.LittleEndian.PutUint64(buf[96:104], h.HealpixIndexSize)
	binary.LittleEndian.PutUint32(buf[104:108], h.NumHealpixPixels)
	binary.LittleEndian.PutUint64(buf[108:116], h.ChunkIndexOffset)
	binary.LittleEndian.PutUint64(buf[116:124], h.ChunkIndexSize)
	binary.LittleEndian.PutUint64(buf[124:132], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[132:140], h.DataSize)
	putPaddedString(buf[140:172], h.CreationDate)
	putPaddedString(buf[172:204], h.SourceCatalog)
	// buf[204:256] reserved
}

// Load deserializes and validates the magic and version.
func (h *Header) Load(buf *[HeaderSize]byte) error {
	if !bytes.Equal(buf[0:8], Magic[:]) {
		return fmt.Errorf("%w: got %q", ErrInvalidMagic, buf[0:8])
	}
	if v := binary.LittleEndian.Uint32(buf[8:12]); v != Version {
		return fmt.Errorf("%w: want %d, got %d", ErrUnsupportedVersion, Version, v)
	}
	h.FormatFlags = binary.LittleEndian.Uint32(buf[12:16])
	h.TotalStars = binary.LittleEndian.Uint64(buf[16:24])
	h.TotalChunks = binary.LittleEndian.Uint64(buf[24:32])
	h.StarsPerChunk = binary.LittleEndian.Uint32(buf[32:36])
	h.HealpixNside = binary.LittleEndian.Uint32(buf[36:40])
	h.MagLimit = math.Float64frombits(binary.LittleEndian.Uint64(buf[40:48]))
	h.RAMin = math.Float64frombits(binary.LittleEndian.Uint64(buf[48:56]))
	h.RAMax = math.Float64frombits(binary.LittleEndian.Uint64(buf[56:64]))
	h.DecMin = math.Float64frombits(binary.LittleEndian.Uint64(buf[64:72]))
	h.DecMax = math.Float64frombits(binary.LittleEndian.Uint64(buf[72:80]))
	if hs := binary.LittleEndian.Uint64(buf[80:88]); hs != HeaderSize {
		return fmt.Errorf("%w: header_size %d", ErrCorruptedIndex, hs)
	}
	h.HealpixIndexOffset = binary.LittleEndian.Uint64(buf[88:96])
	h.HealpixIndexSize = binary.LittleEndian.Uint64(buf[96:104])
	h.NumHealpixPixels = binary.LittleEndian.Uint32(buf[104:108])
	h.ChunkIndexOffset = binary.LittleEndian.Uint64(buf[108:116])
	h.ChunkIndexSize = binary.LittleEndian.Uint64(buf[116:124])
	h.DataOffset = binary.LittleEndian.Uint64(buf[124:132])
	h.DataSize = binary.LittleEndian.Uint64(buf[132:140])
	h.CreationDate = paddedString(buf[140:172])
	h.SourceCatalog = paddedString(buf[172:204])
	return nil
}

// Validate checks that the region layout is internally consistent and,
// when fileSize >= 0, that every region fits inside the file.
func (h *Header) Validate(fileSize int64) error {
	if h.HealpixNside == 0 || h.HealpixNside&(h.HealpixNside-1) != 0 {
		return fmt.Errorf("%w: nside %d is not a power of two", ErrCorruptedIndex, h.HealpixNside)
	}
	if h.StarsPerChunk == 0 {
		return fmt.Errorf("%w: stars_per_chunk is zero", ErrCorruptedIndex)
	}
	if h.HealpixIndexSize != uint64(h.NumHealpixPixels)*PixelEntrySize {
		return fmt.Errorf("%w: healpix index size %d does not match %d entries",
			ErrCorruptedIndex, h.HealpixIndexSize, h.NumHealpixPixels)
	}
	if h.ChunkIndexSize != h.TotalChunks*ChunkDescriptorSize {
		return fmt.Errorf("%w: chunk index size %d does not match %d chunks",
			ErrCorruptedIndex, h.ChunkIndexSize, h.TotalChunks)
	}
	if h.HealpixIndexOffset < HeaderSize ||
		h.ChunkIndexOffset < h.HealpixIndexOffset+h.HealpixIndexSize ||
		h.DataOffset < h.ChunkIndexOffset+h.ChunkIndexSize {
		return fmt.Errorf("%w: region offsets overlap", ErrCorruptedIndex)
	}
	wantChunks := (h.TotalStars + uint64(h.StarsPerChunk) - 1) / uint64(h.StarsPerChunk)
	if h.TotalStars > 0 && h.TotalChunks != wantChunks {
		return fmt.Errorf("%w: %d chunks for %d stars at %d stars/chunk",
			ErrCorruptedIndex, h.TotalChunks, h.TotalStars, h.StarsPerChunk)
	}
	if fileSize >= 0 {
		end := h.DataOffset + h.DataSize
		if end > uint64(fileSize) {
			return fmt.Errorf("%w: data region ends at %d but file is %d bytes",
				ErrCorruptedIndex, end, fileSize)
		}
	}
	return nil
}

func putPaddedString(dst []byte, s string) {
	if len(s) > len(dst)-1 {
		s = s[:len(dst)-1] // keep a trailing NUL
	}
	copy(dst, s)
}

func paddedString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}
