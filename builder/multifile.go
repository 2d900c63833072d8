package builder

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/manvalan/gaialib/catalog"
	"github.com/manvalan/gaialib/gaiav2"
)

// ExpandStats summarizes a multi-file expansion.
type ExpandStats struct {
	Chunks       uint64
	BytesWritten uint64
}

// ExpandToMultiFile converts a monolithic catalog into the directory
// layout: metadata.dat with the header (uncompressed flag set) and both
// indexes, plus one raw decompressed payload file per chunk. Readers of
// the expanded catalog skip decompression at the cost of ~2x disk.
//
// The pixel index is carried over from the source catalog unchanged; the
// expansion never regenerates it, so the spatial index of the expanded
// catalog is exactly as valid as the source's.
func ExpandToMultiFile(catalogPath, outDir string) (*ExpandStats, error) {
	reader, err := catalog.Open(catalogPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	hdr := reader.Header()
	if hdr.Uncompressed() {
		return nil, fmt.Errorf("catalog %s is already uncompressed", catalogPath)
	}

	existed := true
	if _, err := os.Stat(outDir); os.IsNotExist(err) {
		existed = false
	}
	cleanup := func() {
		if !existed {
			os.RemoveAll(outDir)
		}
	}
	if err := os.MkdirAll(filepath.Join(outDir, gaiav2.ChunksDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	stats := &ExpandStats{}
	header := reader.Header()
	chunkIndex := append([]gaiav2.ChunkDescriptor(nil), reader.ChunkIndex()...)

	for chunkID := uint64(0); chunkID < header.TotalChunks; chunkID++ {
		records, err := reader.ChunkRecords(chunkID)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to expand chunk %d: %w", chunkID, err)
		}
		raw := gaiav2.StoreRecords(records)
		path := filepath.Join(outDir, gaiav2.ChunkFileName(chunkID))
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to write chunk file: %w", err)
		}
		chunkIndex[chunkID].CompressedSize = chunkIndex[chunkID].UncompressedSize
		chunkIndex[chunkID].FileOffset = 0
		stats.Chunks++
		stats.BytesWritten += uint64(len(raw))
	}

	header.FormatFlags |= gaiav2.FlagUncompressed
	header.DataSize = stats.BytesWritten
	var headerBuf [gaiav2.HeaderSize]byte
	header.Store(&headerBuf)

	meta := make([]byte, 0, int(gaiav2.HeaderSize)+
		len(reader.PixelIndex())*gaiav2.PixelEntrySize+
		len(chunkIndex)*gaiav2.ChunkDescriptorSize)
	meta = append(meta, headerBuf[:]...)
	meta = append(meta, gaiav2.StorePixelIndex(reader.PixelIndex())...)
	meta = append(meta, gaiav2.StoreChunkIndex(chunkIndex)...)
	if err := os.WriteFile(filepath.Join(outDir, gaiav2.MetadataFileName), meta, 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	klog.Infof("expanded %s to %s: %d chunks, %d bytes",
		catalogPath, outDir, stats.Chunks, stats.BytesWritten)
	return stats, nil
}
