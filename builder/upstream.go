// Package builder compiles an upstream star catalog into the V2 on-disk
// format: magnitude filter, source_id dedup, HEALPix spatial resort,
// pixel index, chunked zlib compression, and the final file layout.
package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/manvalan/gaialib/gaiav2"
	"github.com/manvalan/gaialib/healpix"
)

// Upstream is the catalog the builder compiles from. It is used
// single-threaded during the build. Implementations answer cone queries
// with a magnitude cut, which lets the builder scan the sky in small
// overlapping patches to bound peak memory; duplicates from overlapping
// patches are removed later in the pipeline.
type Upstream interface {
	// QueryConeWithMagnitude returns stars within radius degrees of
	// (ra, dec) with magMin <= G <= magMax, up to limit (0 = unlimited).
	QueryConeWithMagnitude(ra, dec, radius, magMin, magMax float64, limit int) ([]gaiav2.Record, error)
	// Name identifies the upstream in the catalog header.
	Name() string
}

// Streamer is an optional fast path: an upstream that can emit its records
// in a single pass skips the patch scan entirely.
type Streamer interface {
	// StreamRecords calls yield for every record, in any order. Returning
	// an error from yield aborts the stream with that error.
	StreamRecords(yield func(*gaiav2.Record) error) error
}

// SliceUpstream serves build input from memory.
type SliceUpstream struct {
	Records     []gaiav2.Record
	CatalogName string
}

func (s *SliceUpstream) Name() string {
	if s.CatalogName == "" {
		return "memory"
	}
	return s.CatalogName
}

func (s *SliceUpstream) QueryConeWithMagnitude(ra, dec, radius, magMin, magMax float64, limit int) ([]gaiav2.Record, error) {
	var out []gaiav2.Record
	for i := range s.Records {
		rec := &s.Records[i]
		if float64(rec.GMag) < magMin || float64(rec.GMag) > magMax {
			continue
		}
		if healpix.AngularDistance(ra, dec, rec.RA, rec.Dec) > radius {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RecordFile serves build input from a flat file of raw records (the same
// stride the catalog stores). It streams, so arbitrarily large inputs
// pass through the filter phase in constant memory.
type RecordFile struct {
	Path        string
	CatalogName string
}

const streamBufSize = 4 << 20

func (f *RecordFile) Name() string {
	if f.CatalogName == "" {
		return f.Path
	}
	return f.CatalogName
}

func (f *RecordFile) StreamRecords(yield func(*gaiav2.Record) error) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open upstream file: %w", err)
	}
	defer file.Close()
	br := bufio.NewReaderSize(file, streamBufSize)
	var buf [gaiav2.RecordSize]byte
	var rec gaiav2.Record
	for {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read upstream record: %w", err)
		}
		rec.Load(buf[:])
		if err := yield(&rec); err != nil {
			return err
		}
	}
}

func (f *RecordFile) QueryConeWithMagnitude(ra, dec, radius, magMin, magMax float64, limit int) ([]gaiav2.Record, error) {
	var out []gaiav2.Record
	err := f.StreamRecords(func(rec *gaiav2.Record) error {
		if float64(rec.GMag) < magMin || float64(rec.GMag) > magMax {
			return nil
		}
		if healpix.AngularDistance(ra, dec, rec.RA, rec.Dec) > radius {
			return nil
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, err
	}
	return out, nil
}

var errLimitReached = errors.New("limit reached")
