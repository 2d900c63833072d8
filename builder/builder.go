package builder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/zlib"
	"k8s.io/klog/v2"

	"github.com/manvalan/gaialib/gaiav2"
	"github.com/manvalan/gaialib/healpix"
)

// ErrNoStars is returned when nothing passes the magnitude filter.
var ErrNoStars = errors.New("no stars passed the magnitude filter")

// Patch geometry of the filter phase: 2x2 degree tiles scanned with a
// cone that covers the tile corners, so adjacent patches overlap and the
// whole sphere is covered. Overlap duplicates are removed in the dedup
// phase.
const (
	patchStep   = 2.0
	patchRadius = 1.5
)

// Options tune a build. The zero value selects the standard catalog
// parameters.
type Options struct {
	// MagLimit is the inclusive G-magnitude cut. Default 18.0.
	MagLimit float64
	// Nside is the HEALPix resolution. Default 64.
	Nside uint32
	// StarsPerChunk is the logical chunk size. Default 1,000,000.
	StarsPerChunk uint32
	// CompressionLevel is the zlib level, 1..9. Default BestCompression.
	CompressionLevel int
	// SourceCatalog overrides the upstream's name in the header.
	SourceCatalog string
	// TempPath overrides the phase-1 temp file location. Default is the
	// output path with a ".temp" suffix.
	TempPath string
	// KeepTemp leaves the temp file in place after a successful build.
	KeepTemp bool
	// Progress, when set, receives per-phase progress updates.
	Progress func(phase string, current, total uint64)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MagLimit == 0 {
		out.MagLimit = 18.0
	}
	if out.Nside == 0 {
		out.Nside = healpix.DefaultNside
	}
	if out.StarsPerChunk == 0 {
		out.StarsPerChunk = gaiav2.DefaultStarsPerChunk
	}
	if out.CompressionLevel == 0 {
		out.CompressionLevel = zlib.BestCompression
	}
	return out
}

// Stats summarizes a completed build.
type Stats struct {
	ScannedStars      uint64 // records written to the temp file
	SkippedRecords    uint64 // malformed upstream records dropped
	DuplicatesRemoved uint64
	TotalStars        uint64
	NumPixels         uint32
	NumChunks         uint64
	UncompressedBytes uint64
	CompressedBytes   uint64
	OutputBytes       uint64
	ResumedFromTemp   bool
	Elapsed           time.Duration
}

// Build compiles the upstream into a monolithic V2 catalog at outputPath.
//
// The phase-1 temp file is the resume point: if a previous run left one
// behind, the filter phase is skipped and the build restarts from the
// dedup phase. A failure inside the filter phase removes the incomplete
// temp file; a failure after it removes the partial output and keeps the
// temp file. On success the temp file is removed unless KeepTemp is set.
func Build(src Upstream, outputPath string, opts Options) (*Stats, error) {
	opts = opts.withDefaults()
	if opts.CompressionLevel < zlib.BestSpeed || opts.CompressionLevel > zlib.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", opts.CompressionLevel)
	}
	tempPath := opts.TempPath
	if tempPath == "" {
		tempPath = outputPath + ".temp"
	}

	started := time.Now()
	stats := &Stats{}

	if n, ok := resumableTemp(tempPath); ok {
		klog.Infof("found temp file with %d stars, resuming from dedup phase", n)
		stats.ResumedFromTemp = true
		stats.ScannedStars = n
	} else if err := filterPhase(src, tempPath, opts, stats); err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	records, err := loadTemp(tempPath, opts, stats)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoStars
	}

	records = dedupPhase(records, opts, stats)
	spatialSort(records, opts)
	pixelIndex := buildPixelIndex(records)
	stats.NumPixels = uint32(len(pixelIndex))

	if err := writeCatalog(outputPath, records, pixelIndex, src, opts, stats); err != nil {
		os.Remove(outputPath + ".tmp")
		return nil, err
	}

	if !opts.KeepTemp {
		os.Remove(tempPath)
	}
	stats.Elapsed = time.Since(started)
	klog.Infof("built catalog %s: %d stars, %d pixels, %d chunks in %s",
		outputPath, stats.TotalStars, stats.NumPixels, stats.NumChunks, stats.Elapsed)
	return stats, nil
}

func resumableTemp(tempPath string) (uint64, bool) {
	info, err := os.Stat(tempPath)
	if err != nil || info.Size() == 0 || info.Size()%gaiav2.RecordSize != 0 {
		return 0, false
	}
	return uint64(info.Size()) / gaiav2.RecordSize, true
}

// filterPhase streams the upstream into the temp file, keeping stars at or
// below the magnitude limit. A Streamer upstream is consumed in one pass;
// otherwise the sky is scanned in overlapping patches.
func filterPhase(src Upstream, tempPath string, opts Options, stats *Stats) error {
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	w := bufio.NewWriterSize(out, streamBufSize)
	var buf [gaiav2.RecordSize]byte

	emit := func(rec *gaiav2.Record) error {
		if float64(rec.GMag) > opts.MagLimit {
			return nil
		}
		clean := *rec
		if !sanitize(&clean) {
			stats.SkippedRecords++
			klog.V(3).Infof("skipping malformed upstream record source_id=%d ra=%v dec=%v",
				rec.SourceID, rec.RA, rec.Dec)
			return nil
		}
		clean.Store(buf[:])
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("failed to write temp file: %w", err)
		}
		stats.ScannedStars++
		return nil
	}

	if streamer, ok := src.(Streamer); ok {
		err = streamer.StreamRecords(emit)
	} else {
		err = patchScan(src, opts, emit)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	klog.Infof("filter phase kept %d stars (G <= %.1f), skipped %d malformed",
		stats.ScannedStars, opts.MagLimit, stats.SkippedRecords)
	return nil
}

func patchScan(src Upstream, opts Options, emit func(*gaiav2.Record) error) error {
	raSteps := uint64(360 / patchStep)
	decSteps := uint64(180 / patchStep)
	total := raSteps * decSteps
	var done uint64
	for raIdx := uint64(0); raIdx < raSteps; raIdx++ {
		raCenter := float64(raIdx)*patchStep + patchStep/2
		for decIdx := uint64(0); decIdx < decSteps; decIdx++ {
			decCenter := float64(decIdx)*patchStep - 90 + patchStep/2
			stars, err := src.QueryConeWithMagnitude(
				raCenter, decCenter, patchRadius, -5.0, opts.MagLimit, 0)
			if err != nil {
				return fmt.Errorf("upstream query at (%.1f, %.1f) failed: %w",
					raCenter, decCenter, err)
			}
			for i := range stars {
				if err := emit(&stars[i]); err != nil {
					return err
				}
			}
			done++
			progress(opts, "filter", done, total)
		}
	}
	return nil
}

// sanitize validates coordinates and normalizes RA into [0, 360). It
// returns false for records that cannot be placed on the sphere.
func sanitize(rec *gaiav2.Record) bool {
	if math.IsNaN(rec.RA) || math.IsInf(rec.RA, 0) ||
		math.IsNaN(rec.Dec) || math.IsInf(rec.Dec, 0) {
		return false
	}
	if rec.Dec < -90 || rec.Dec > 90 {
		return false
	}
	rec.RA = math.Mod(rec.RA, 360)
	if rec.RA < 0 {
		rec.RA += 360
	}
	return true
}

func loadTemp(tempPath string, opts Options, stats *Stats) ([]gaiav2.Record, error) {
	info, err := os.Stat(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat temp file: %w", err)
	}
	n := uint64(info.Size()) / gaiav2.RecordSize
	records := make([]gaiav2.Record, 0, n)
	src := &RecordFile{Path: tempPath}
	err = src.StreamRecords(func(rec *gaiav2.Record) error {
		records = append(records, *rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	progress(opts, "sort", 0, uint64(len(records)))
	return records, nil
}

// dedupPhase sorts by source_id and drops duplicate ids, keeping one record
// per id. The sort is not stable, so which of several records sharing an
// id survives is not defined.
func dedupPhase(records []gaiav2.Record, opts Options, stats *Stats) []gaiav2.Record {
	sort.Slice(records, func(i, j int) bool {
		return records[i].SourceID < records[j].SourceID
	})
	unique := records[:1]
	for i := 1; i < len(records); i++ {
		if records[i].SourceID != unique[len(unique)-1].SourceID {
			unique = append(unique, records[i])
		}
	}
	stats.DuplicatesRemoved = uint64(len(records) - len(unique))
	stats.TotalStars = uint64(len(unique))
	progress(opts, "sort", uint64(len(unique)), uint64(len(unique)))
	klog.Infof("dedup removed %d duplicates, %d unique stars", stats.DuplicatesRemoved, len(unique))
	return unique
}

// spatialSort computes each record's HEALPix pixel with the shared kernel
// and stable-sorts by pixel, leaving records id-ordered within a pixel.
func spatialSort(records []gaiav2.Record, opts Options) {
	for i := range records {
		records[i].HealpixPixel = healpix.PixelOf(opts.Nside, records[i].RA, records[i].Dec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].HealpixPixel < records[j].HealpixPixel
	})
	progress(opts, "resort", uint64(len(records)), uint64(len(records)))
}

// buildPixelIndex walks the spatially-sorted records and emits one entry
// per run of equal pixel id.
func buildPixelIndex(records []gaiav2.Record) []gaiav2.PixelEntry {
	var index []gaiav2.PixelEntry
	runStart := 0
	for i := 1; i <= len(records); i++ {
		if i == len(records) || records[i].HealpixPixel != records[runStart].HealpixPixel {
			index = append(index, gaiav2.PixelEntry{
				PixelID:      records[runStart].HealpixPixel,
				FirstStarIdx: uint64(runStart),
				NumStars:     uint32(i - runStart),
			})
			runStart = i
		}
	}
	return index
}

// writeCatalog lays out the monolithic file: draft header, pixel index,
// draft chunk index, then each chunk compressed in order. Once payload
// offsets are known the final header and chunk index overwrite the drafts,
// and the finished file is moved into place.
func writeCatalog(
	outputPath string,
	records []gaiav2.Record,
	pixelIndex []gaiav2.PixelEntry,
	src Upstream,
	opts Options,
	stats *Stats,
) error {
	spc := uint64(opts.StarsPerChunk)
	numChunks := (uint64(len(records)) + spc - 1) / spc
	stats.NumChunks = numChunks

	header := gaiav2.Header{
		TotalStars:         uint64(len(records)),
		TotalChunks:        numChunks,
		StarsPerChunk:      opts.StarsPerChunk,
		HealpixNside:       opts.Nside,
		MagLimit:           opts.MagLimit,
		HealpixIndexOffset: gaiav2.HeaderSize,
		HealpixIndexSize:   uint64(len(pixelIndex)) * gaiav2.PixelEntrySize,
		NumHealpixPixels:   uint32(len(pixelIndex)),
		CreationDate:       time.Now().UTC().Format("2006-01-02T15:04:05"),
		SourceCatalog:      opts.SourceCatalog,
	}
	if header.SourceCatalog == "" {
		header.SourceCatalog = src.Name()
	}
	header.ChunkIndexOffset = header.HealpixIndexOffset + header.HealpixIndexSize
	header.ChunkIndexSize = numChunks * gaiav2.ChunkDescriptorSize
	header.DataOffset = header.ChunkIndexOffset + header.ChunkIndexSize
	header.RAMin, header.RAMax, header.DecMin, header.DecMax = skyBounds(records)

	tmpPath := outputPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()
	w := bufio.NewWriterSize(file, streamBufSize)

	// draft header + pixel index + draft chunk index
	var headerBuf [gaiav2.HeaderSize]byte
	header.Store(&headerBuf)
	if _, err := w.Write(headerBuf[:]); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := w.Write(gaiav2.StorePixelIndex(pixelIndex)); err != nil {
		return fmt.Errorf("failed to write healpix index: %w", err)
	}
	chunkIndex := make([]gaiav2.ChunkDescriptor, numChunks)
	if _, err := w.Write(gaiav2.StoreChunkIndex(chunkIndex)); err != nil {
		return fmt.Errorf("failed to write chunk index: %w", err)
	}

	offset := header.DataOffset
	var compressed bytes.Buffer
	for chunkID := uint64(0); chunkID < numChunks; chunkID++ {
		start := chunkID * spc
		end := start + spc
		if end > uint64(len(records)) {
			end = uint64(len(records))
		}
		raw := gaiav2.StoreRecords(records[start:end])

		compressed.Reset()
		zw, err := zlib.NewWriterLevel(&compressed, opts.CompressionLevel)
		if err != nil {
			return fmt.Errorf("failed to create compressor: %w", err)
		}
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("failed to compress chunk %d: %w", chunkID, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to compress chunk %d: %w", chunkID, err)
		}
		if _, err := w.Write(compressed.Bytes()); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", chunkID, err)
		}

		chunkIndex[chunkID] = gaiav2.ChunkDescriptor{
			ChunkID:          chunkID,
			FirstStarIdx:     start,
			NumStars:         uint32(end - start),
			CompressedSize:   uint32(compressed.Len()),
			UncompressedSize: uint32(len(raw)),
			FileOffset:       offset,
		}
		offset += uint64(compressed.Len())
		stats.UncompressedBytes += uint64(len(raw))
		stats.CompressedBytes += uint64(compressed.Len())
		progress(opts, "compress", chunkID+1, numChunks)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	// overwrite the drafts with final offsets
	header.DataSize = offset - header.DataOffset
	header.Store(&headerBuf)
	if _, err := file.WriteAt(headerBuf[:], 0); err != nil {
		return fmt.Errorf("failed to finalize header: %w", err)
	}
	if _, err := file.WriteAt(gaiav2.StoreChunkIndex(chunkIndex), int64(header.ChunkIndexOffset)); err != nil {
		return fmt.Errorf("failed to finalize chunk index: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync output: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	stats.OutputBytes = offset
	progress(opts, "write", numChunks, numChunks)
	return nil
}

func skyBounds(records []gaiav2.Record) (raMin, raMax, decMin, decMax float64) {
	raMin, raMax = math.Inf(1), math.Inf(-1)
	decMin, decMax = math.Inf(1), math.Inf(-1)
	for i := range records {
		raMin = math.Min(raMin, records[i].RA)
		raMax = math.Max(raMax, records[i].RA)
		decMin = math.Min(decMin, records[i].Dec)
		decMax = math.Max(decMax, records[i].Dec)
	}
	return
}

func progress(opts Options, phase string, current, total uint64) {
	if opts.Progress != nil {
		opts.Progress(phase, current, total)
	}
}
