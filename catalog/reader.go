// Package catalog serves spatial and identifier queries over a V2 star
// catalog. A single Reader is safe for concurrent use by many goroutines:
// the header and both indexes are immutable after open, chunk payloads go
// through a shared chunk cache, and the optional source-id index is built
// once under lock on first use.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/exp/mmap"
	"k8s.io/klog/v2"

	"github.com/manvalan/gaialib/chunkcache"
	"github.com/manvalan/gaialib/gaiav2"
)

var (
	// ErrInvalidArgument is returned for queries with NaN coordinates,
	// negative radii or inverted magnitude ranges. It is raised before any
	// I/O happens.
	ErrInvalidArgument = errors.New("invalid query argument")
	// ErrClosed is returned by queries on a closed reader.
	ErrClosed = errors.New("catalog reader is closed")
)

// Cache capacity defaults per physical layout. Multi-file chunks skip
// decompression, so a larger resident set pays off there.
const (
	DefaultCacheCapacity          = 10
	DefaultMultiFileCacheCapacity = 50
)

// Options tune a Reader at open time.
type Options struct {
	// CacheCapacity is the maximum number of resident decompressed chunks
	// (roughly 80 MB each at the standard chunk size). Zero selects the
	// layout default.
	CacheCapacity int
	// DisableSourceIDIndex makes QueryBySourceID scan chunks instead of
	// building the in-memory id map (~16 bytes per star). Lookups become
	// much slower; use only when memory is tight.
	DisableSourceIDIndex bool
}

// Reader is an open catalog in either physical layout (single monolithic
// file, or a directory holding metadata.dat plus per-chunk files).
type Reader struct {
	path      string
	multiFile bool

	header     gaiav2.Header
	pixelIndex []gaiav2.PixelEntry
	chunkIndex []gaiav2.ChunkDescriptor

	// Monolithic layout only: random-access handle on the catalog file.
	// ReadAt carries no file position, so concurrent chunk loads need no
	// seek lock. Multi-file chunk loads open their own file per load.
	data       io.ReaderAt
	dataCloser io.Closer

	cache *chunkcache.Cache

	parallelEnabled atomic.Bool
	parallelThreads atomic.Int32

	disableIDIndex bool
	idMu           sync.Mutex
	idMap          map[uint64]uint64 // source_id -> global record index

	errMu        sync.Mutex
	lastChunkErr error

	activeReaders atomic.Int64
	closed        atomic.Bool
}

// Stats is a snapshot of a reader's runtime counters.
type Stats struct {
	Cache         chunkcache.Stats
	ActiveReaders int64
}

// Open opens a catalog with default options. path may be a monolithic
// catalog file or a multi-file catalog directory.
func Open(path string) (*Reader, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens a catalog with explicit tuning.
func OpenWithOptions(path string, opts Options) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	r := &Reader{
		path:           path,
		multiFile:      info.IsDir(),
		disableIDIndex: opts.DisableSourceIDIndex,
	}
	if r.multiFile {
		err = r.openMultiFile(opts)
	} else {
		err = r.openMonolithic(opts)
	}
	if err != nil {
		return nil, err
	}
	r.parallelEnabled.Store(true)
	r.parallelThreads.Store(0) // auto
	klog.V(2).Infof("opened catalog %s: %d stars, %d pixels, %d chunks, nside=%d",
		path, r.header.TotalStars, r.header.NumHealpixPixels, r.header.TotalChunks,
		r.header.HealpixNside)
	return r, nil
}

func (r *Reader) openMonolithic(opts Options) error {
	data, closer, size, err := openReaderAt(r.path)
	if err != nil {
		return fmt.Errorf("failed to open catalog %s: %w", r.path, err)
	}
	headerBuf := make([]byte, gaiav2.HeaderSize)
	if _, err := data.ReadAt(headerBuf, 0); err != nil {
		closer.Close()
		return fmt.Errorf("failed to read catalog header: %w", err)
	}
	if err := r.header.Load((*[gaiav2.HeaderSize]byte)(headerBuf)); err != nil {
		closer.Close()
		return err
	}
	if err := r.header.Validate(size); err != nil {
		closer.Close()
		return err
	}
	if err := r.loadIndexes(data); err != nil {
		closer.Close()
		return err
	}
	r.data = data
	r.dataCloser = closer

	capacity := opts.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	r.cache = chunkcache.New(capacity, r.loadMonolithicChunk)
	return nil
}

func (r *Reader) openMultiFile(opts Options) error {
	metaPath := filepath.Join(r.path, gaiav2.MetadataFileName)
	meta, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("failed to read catalog metadata: %w", err)
	}
	if len(meta) < gaiav2.HeaderSize {
		return fmt.Errorf("%w: metadata file is %d bytes", gaiav2.ErrTruncated, len(meta))
	}
	if err := r.header.Load((*[gaiav2.HeaderSize]byte)(meta[:gaiav2.HeaderSize])); err != nil {
		return err
	}
	if err := r.header.Validate(-1); err != nil {
		return err
	}
	// Both index regions immediately follow the header, so the monolithic
	// offsets are valid within metadata.dat as well.
	end := r.header.ChunkIndexOffset + r.header.ChunkIndexSize
	if end > uint64(len(meta)) {
		return fmt.Errorf("%w: metadata file is %d bytes, indexes end at %d",
			gaiav2.ErrTruncated, len(meta), end)
	}
	if err := r.parseIndexes(
		meta[r.header.HealpixIndexOffset:r.header.HealpixIndexOffset+r.header.HealpixIndexSize],
		meta[r.header.ChunkIndexOffset:end],
	); err != nil {
		return err
	}

	capacity := opts.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultMultiFileCacheCapacity
	}
	r.cache = chunkcache.New(capacity, r.loadChunkFile)
	return nil
}

func (r *Reader) loadIndexes(data io.ReaderAt) error {
	pixelBuf := make([]byte, r.header.HealpixIndexSize)
	if _, err := data.ReadAt(pixelBuf, int64(r.header.HealpixIndexOffset)); err != nil {
		return fmt.Errorf("failed to read healpix index: %w", err)
	}
	chunkBuf := make([]byte, r.header.ChunkIndexSize)
	if _, err := data.ReadAt(chunkBuf, int64(r.header.ChunkIndexOffset)); err != nil {
		return fmt.Errorf("failed to read chunk index: %w", err)
	}
	return r.parseIndexes(pixelBuf, chunkBuf)
}

func (r *Reader) parseIndexes(pixelBuf, chunkBuf []byte) error {
	pixelIndex, err := gaiav2.LoadPixelIndex(pixelBuf)
	if err != nil {
		return err
	}
	chunkIndex, err := gaiav2.LoadChunkIndex(chunkBuf)
	if err != nil {
		return err
	}
	npix := 12 * r.header.HealpixNside * r.header.HealpixNside
	if err := gaiav2.ValidatePixelIndex(pixelIndex, npix, r.header.TotalStars); err != nil {
		return err
	}
	if err := gaiav2.ValidateChunkIndex(chunkIndex, r.header.TotalStars, r.header.StarsPerChunk); err != nil {
		return err
	}
	r.pixelIndex = pixelIndex
	r.chunkIndex = chunkIndex
	return nil
}

// loadMonolithicChunk is the cache loader for the single-file layout.
func (r *Reader) loadMonolithicChunk(chunkID uint64) ([]gaiav2.Record, error) {
	if chunkID >= uint64(len(r.chunkIndex)) {
		return nil, fmt.Errorf("%w: chunk %d out of range", gaiav2.ErrCorruptedIndex, chunkID)
	}
	desc := &r.chunkIndex[chunkID]
	payload := make([]byte, desc.CompressedSize)
	if _, err := r.data.ReadAt(payload, int64(desc.FileOffset)); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", chunkID, err)
	}
	return r.decodeChunk(desc, payload)
}

// loadChunkFile is the cache loader for the multi-file layout. Each load
// opens its own file, so no handle is shared between goroutines.
func (r *Reader) loadChunkFile(chunkID uint64) ([]gaiav2.Record, error) {
	if chunkID >= uint64(len(r.chunkIndex)) {
		return nil, fmt.Errorf("%w: chunk %d out of range", gaiav2.ErrCorruptedIndex, chunkID)
	}
	desc := &r.chunkIndex[chunkID]
	payload, err := os.ReadFile(filepath.Join(r.path, gaiav2.ChunkFileName(chunkID)))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", chunkID, err)
	}
	return r.decodeChunk(desc, payload)
}

func (r *Reader) decodeChunk(desc *gaiav2.ChunkDescriptor, payload []byte) ([]gaiav2.Record, error) {
	raw := payload
	if !r.header.Uncompressed() {
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %d: %w", desc.ChunkID, err)
		}
		defer zr.Close()
		raw = make([]byte, 0, desc.UncompressedSize)
		buf := bytes.NewBuffer(raw)
		if _, err := io.Copy(buf, zr); err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %d: %w", desc.ChunkID, err)
		}
		raw = buf.Bytes()
	}
	if uint32(len(raw)) != desc.UncompressedSize {
		return nil, fmt.Errorf("%w: chunk %d decompressed to %d bytes, want %d",
			gaiav2.ErrCorruptedIndex, desc.ChunkID, len(raw), desc.UncompressedSize)
	}
	records, err := gaiav2.LoadRecords(raw)
	if err != nil {
		return nil, err
	}
	if uint32(len(records)) != desc.NumStars {
		return nil, fmt.Errorf("%w: chunk %d holds %d records, want %d",
			gaiav2.ErrCorruptedIndex, desc.ChunkID, len(records), desc.NumStars)
	}
	return records, nil
}

// openReaderAt memory-maps the file when possible and falls back to a
// plain descriptor otherwise.
func openReaderAt(path string) (io.ReaderAt, io.Closer, int64, error) {
	if m, err := mmap.Open(path); err == nil {
		return m, m, int64(m.Len()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	return f, f, info.Size(), nil
}

// Close releases the underlying file. Records previously returned stay
// valid.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.dataCloser != nil {
		return r.dataCloser.Close()
	}
	return nil
}

// Catalog metadata accessors. All are cheap and lock-free.

func (r *Reader) TotalStars() uint64    { return r.header.TotalStars }
func (r *Reader) MagLimit() float64     { return r.header.MagLimit }
func (r *Reader) NumPixels() uint32     { return r.header.NumHealpixPixels }
func (r *Reader) NumChunks() uint64     { return r.header.TotalChunks }
func (r *Reader) Nside() uint32         { return r.header.HealpixNside }
func (r *Reader) CreationDate() string  { return r.header.CreationDate }
func (r *Reader) SourceCatalog() string { return r.header.SourceCatalog }
func (r *Reader) IsMultiFile() bool     { return r.multiFile }

// SkyBounds returns the catalog's coordinate coverage in degrees.
func (r *Reader) SkyBounds() (raMin, raMax, decMin, decMax float64) {
	return r.header.RAMin, r.header.RAMax, r.header.DecMin, r.header.DecMax
}

// Header returns a copy of the catalog header.
func (r *Reader) Header() gaiav2.Header { return r.header }

// PixelIndex returns the in-memory HEALPix index. Treat as read-only.
func (r *Reader) PixelIndex() []gaiav2.PixelEntry { return r.pixelIndex }

// ChunkIndex returns the in-memory chunk index. Treat as read-only.
func (r *Reader) ChunkIndex() []gaiav2.ChunkDescriptor { return r.chunkIndex }

// ChunkRecords returns the decompressed records of one chunk through the
// cache. Treat the slice as read-only.
func (r *Reader) ChunkRecords(chunkID uint64) ([]gaiav2.Record, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if chunkID >= r.header.TotalChunks {
		return nil, fmt.Errorf("%w: chunk %d of %d", ErrInvalidArgument, chunkID, r.header.TotalChunks)
	}
	return r.cache.Get(chunkID)
}

// SetParallelProcessing toggles the parallel fan-out of cone queries.
// numThreads of 0 selects one worker per CPU.
func (r *Reader) SetParallelProcessing(enabled bool, numThreads int) {
	r.parallelEnabled.Store(enabled)
	if numThreads < 0 {
		numThreads = 0
	}
	r.parallelThreads.Store(int32(numThreads))
}

// IsParallelEnabled reports whether cone queries may fan out.
func (r *Reader) IsParallelEnabled() bool { return r.parallelEnabled.Load() }

// Stats returns cache counters and the number of queries in flight.
func (r *Reader) Stats() Stats {
	return Stats{
		Cache:         r.cache.Stats(),
		ActiveReaders: r.activeReaders.Load(),
	}
}

// LastChunkError returns the most recent per-chunk failure that degraded a
// query to partial results, or nil. Chunk failures are not propagated
// through query results.
func (r *Reader) LastChunkError() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastChunkErr
}

func (r *Reader) noteChunkError(err error) {
	r.errMu.Lock()
	r.lastChunkErr = err
	r.errMu.Unlock()
	klog.Warningf("catalog %s: query degraded: %v", r.path, err)
}

// readRecord fetches one record by its global index through the cache.
func (r *Reader) readRecord(index uint64) (gaiav2.Record, error) {
	chunkID := index / uint64(r.header.StarsPerChunk)
	records, err := r.cache.Get(chunkID)
	if err != nil {
		return gaiav2.Record{}, err
	}
	offset := index - r.chunkIndex[chunkID].FirstStarIdx
	if offset >= uint64(len(records)) {
		return gaiav2.Record{}, fmt.Errorf("%w: record %d beyond chunk %d",
			gaiav2.ErrCorruptedIndex, index, chunkID)
	}
	return records[offset], nil
}
