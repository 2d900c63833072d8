// Package gaiav2 implements the V2 on-disk catalog format: the 256-byte
// header, the HEALPix pixel index, the chunk index and the 80-byte star
// records. All scalars are little-endian. The format is the compatibility
// boundary of the engine — readers and builders from independent
// implementations interoperate through these byte layouts alone.
package gaiav2

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RecordSize is the fixed stride of a star record in the data region.
const RecordSize = 80

// Record is one catalog star. Positions are ICRS degrees at epoch J2016.0,
// parallax and proper motions are in mas and mas/yr, magnitudes in mag.
// HealpixPixel is the precomputed NESTED pixel of (RA, Dec) at the
// catalog's NSIDE and is a durable key: it must equal what the shared
// HEALPix kernel computes for the record's position.
type Record struct {
	SourceID uint64

	RA  float64
	Dec float64

	GMag       float32
	BPMag      float32
	RPMag      float32
	GMagError  float32
	BPMagError float32
	RPMagError float32
	BPRP       float32

	Parallax      float32
	ParallaxError float32
	PMRA          float32
	PMDec         float32

	RUWE       float32
	PhotBPNObs uint16
	PhotRPNObs uint16

	HealpixPixel uint32
}

// Store serializes the record into buf, which must be at least RecordSize
// bytes long.
func (r *Record) Store(buf []byte) {
	_ = buf[RecordSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], r.SourceID)
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(r.RA))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(r.Dec))
	putFloat32(buf[24:28], r.GMag)
	putFloat32(buf[28:32], r.BPMag)
	putFloat32(buf[32:36], r.RPMag)
	putFloat32(buf[36:40], r.GMagError)
	putFloat32(buf[40:44], r.BPMagError)
	putFloat32(buf[44:48], r.RPMagError)
	putFloat32(buf[48:52], r.BPRP)
	putFloat32(buf[52:56], r.Parallax)
	putFloat32(buf[56:60], r.ParallaxError)
	putFloat32(buf[60:64], r.PMRA)
	putFloat32(buf[64:68], r.PMDec)
	putFloat32(buf[68:72], r.RUWE)
	binary.LittleEndian.PutUint16(buf[72:74], r.PhotBPNObs)
	binary.LittleEndian.PutUint16(buf[74:76], r.PhotRPNObs)
	binary.LittleEndian.PutUint32(buf[76:80], r.HealpixPixel)
}

// Load deserializes the record from buf, which must be at least RecordSize
// bytes long.
func (r *Record) Load(buf []byte) {
	_ = buf[RecordSize-1]
	r.SourceID = binary.LittleEndian.Uint64(buf[0:8])
	r.RA = math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16]))
	r.Dec = math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24]))
	r.GMag = getFloat32(buf[24:28])
	r.BPMag = getFloat32(buf[28:32])
	r.RPMag = getFloat32(buf[32:36])
	r.GMagError = getFloat32(buf[36:40])
	r.BPMagError = getFloat32(buf[40:44])
	r.RPMagError = getFloat32(buf[44:48])
	r.BPRP = getFloat32(buf[48:52])
	r.Parallax = getFloat32(buf[52:56])
	r.ParallaxError = getFloat32(buf[56:60])
	r.PMRA = getFloat32(buf[60:64])
	r.PMDec = getFloat32(buf[64:68])
	r.RUWE = getFloat32(buf[68:72])
	r.PhotBPNObs = binary.LittleEndian.Uint16(buf[72:74])
	r.PhotRPNObs = binary.LittleEndian.Uint16(buf[74:76])
	r.HealpixPixel = binary.LittleEndian.Uint32(buf[76:80])
}

// Designation returns the Gaia DR3 designation string for the record.
// Cross-match names (HD, HIP, SAO, ...) come from the name database, which
// decorates records outside this engine.
func (r *Record) Designation() string {
	return fmt.Sprintf("Gaia DR3 %d", r.SourceID)
}

// LoadRecords parses a decompressed chunk payload into records. The buffer
// length must be an exact multiple of RecordSize.
func LoadRecords(buf []byte) ([]Record, error) {
	if len(buf)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not a multiple of %d",
			ErrTruncated, len(buf), RecordSize)
	}
	out := make([]Record, len(buf)/RecordSize)
	for i := range out {
		out[i].Load(buf[i*RecordSize:])
	}
	return out, nil
}

// StoreRecords serializes records back to back into a single buffer.
func StoreRecords(records []Record) []byte {
	buf := make([]byte, len(records)*RecordSize)
	for i := range records {
		records[i].Store(buf[i*RecordSize:])
	}
	return buf
}

func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func getFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
