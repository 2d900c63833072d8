package catalog

import (
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/manvalan/gaialib/gaiav2"
	"github.com/manvalan/gaialib/healpix"
	"github.com/manvalan/gaialib/metrics"
)

// parallelThreshold is the minimum number of populated candidate pixels
// before a cone query fans out across workers.
const parallelThreshold = 4

// magRange filters records on the G magnitude before the distance test.
type magRange struct {
	min, max float32
}

// pixelRun is one populated candidate pixel with its record range.
type pixelRun struct {
	entry gaiav2.PixelEntry
}

// QueryCone returns every record within radius degrees of (ra, dec).
// maxResults of 0 means unlimited. Ordering is deterministic: ascending
// pixel id, then record order within the pixel.
func (r *Reader) QueryCone(ra, dec, radius float64, maxResults int) ([]gaiav2.Record, error) {
	if err := validateCone(ra, dec, radius); err != nil {
		return nil, err
	}
	metrics.QueriesByKind.WithLabelValues("cone").Inc()
	return r.coneRecords(ra, dec, radius, maxResults, nil)
}

// QueryConeWithMagnitude is QueryCone restricted to records with
// magMin <= G <= magMax. The magnitude test runs before the distance test.
func (r *Reader) QueryConeWithMagnitude(ra, dec, radius, magMin, magMax float64, maxResults int) ([]gaiav2.Record, error) {
	if err := validateCone(ra, dec, radius); err != nil {
		return nil, err
	}
	if math.IsNaN(magMin) || math.IsNaN(magMax) || magMin > magMax {
		return nil, ErrInvalidArgument
	}
	metrics.QueriesByKind.WithLabelValues("cone_magnitude").Inc()
	return r.coneRecords(ra, dec, radius, maxResults, &magRange{
		min: float32(magMin),
		max: float32(magMax),
	})
}

// QueryBrightest returns the n brightest records (ascending G magnitude)
// within the cone. Fewer than n records are returned when the cone holds
// fewer.
func (r *Reader) QueryBrightest(ra, dec, radius float64, n int) ([]gaiav2.Record, error) {
	if err := validateCone(ra, dec, radius); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrInvalidArgument
	}
	metrics.QueriesByKind.WithLabelValues("brightest").Inc()
	all, err := r.coneRecords(ra, dec, radius, 0, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].GMag != all[j].GMag {
			return all[i].GMag < all[j].GMag
		}
		return all[i].SourceID < all[j].SourceID
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// CountInCone returns the number of records within the cone. Records are
// still fetched and distance-tested; the pixel index alone over-counts.
func (r *Reader) CountInCone(ra, dec, radius float64) (uint64, error) {
	if err := validateCone(ra, dec, radius); err != nil {
		return 0, err
	}
	metrics.QueriesByKind.WithLabelValues("count").Inc()
	records, err := r.coneRecords(ra, dec, radius, 0, nil)
	if err != nil {
		return 0, err
	}
	return uint64(len(records)), nil
}

func validateCone(ra, dec, radius float64) error {
	if math.IsNaN(ra) || math.IsNaN(dec) || math.IsNaN(radius) ||
		math.IsInf(ra, 0) || math.IsInf(dec, 0) || math.IsInf(radius, 0) {
		return ErrInvalidArgument
	}
	if radius < 0 {
		return ErrInvalidArgument
	}
	return nil
}

// coneRecords runs the shared cone pipeline: candidate pixels from the
// HEALPix kernel, pixel runs from the index, record scans through the
// cache. Chunk failures degrade the result to the records of the healthy
// chunks.
func (r *Reader) coneRecords(ra, dec, radius float64, maxResults int, mag *magRange) ([]gaiav2.Record, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	r.activeReaders.Add(1)
	defer r.activeReaders.Add(-1)

	if radius > 180 {
		radius = 180
	}
	pixels := healpix.PixelsInCone(r.header.HealpixNside, ra, dec, radius)
	runs := r.pixelRuns(pixels)
	if len(runs) == 0 {
		return []gaiav2.Record{}, nil
	}

	box := newBoundingBox(ra, dec, radius)

	// A capped query must emit a deterministic prefix, so it scans pixel
	// runs in order and stops exactly at the cap. Uncapped queries may fan
	// out; per-run slots concatenated in run order keep the output
	// identical to the sequential scan.
	if maxResults > 0 || !r.parallelEnabled.Load() || len(runs) < parallelThreshold {
		return r.scanSequential(runs, ra, dec, radius, maxResults, mag, box), nil
	}
	return r.scanParallel(runs, ra, dec, radius, mag, box), nil
}

// pixelRuns resolves candidate pixels against the pixel index, keeping
// only populated pixels. The index is sorted by pixel id, so each lookup
// is a binary search.
func (r *Reader) pixelRuns(pixels []uint32) []pixelRun {
	runs := make([]pixelRun, 0, len(pixels))
	for _, pixel := range pixels {
		i := sort.Search(len(r.pixelIndex), func(j int) bool {
			return r.pixelIndex[j].PixelID >= pixel
		})
		if i < len(r.pixelIndex) && r.pixelIndex[i].PixelID == pixel {
			runs = append(runs, pixelRun{entry: r.pixelIndex[i]})
		}
	}
	return runs
}

func (r *Reader) scanSequential(runs []pixelRun, ra, dec, radius float64, maxResults int, mag *magRange, box boundingBox) []gaiav2.Record {
	results := make([]gaiav2.Record, 0, 256)
	for _, run := range runs {
		results = r.scanRun(run, ra, dec, radius, maxResults, mag, box, results)
		if maxResults > 0 && len(results) >= maxResults {
			return results[:maxResults]
		}
	}
	return results
}

func (r *Reader) scanParallel(runs []pixelRun, ra, dec, radius float64, mag *magRange, box boundingBox) []gaiav2.Record {
	threads := int(r.parallelThreads.Load())
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	slots := make([][]gaiav2.Record, len(runs))
	var g errgroup.Group
	g.SetLimit(threads)
	for i := range runs {
		i := i
		g.Go(func() error {
			slots[i] = r.scanRun(runs[i], ra, dec, radius, 0, mag, box, nil)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; chunk failures degrade

	total := 0
	for _, s := range slots {
		total += len(s)
	}
	results := make([]gaiav2.Record, 0, total)
	for _, s := range slots {
		results = append(results, s...)
	}
	return results
}

// scanRun appends the matching records of one pixel run to dst. The run
// may span several chunks; each is fetched through the cache and a failed
// chunk is skipped after noting the error.
func (r *Reader) scanRun(run pixelRun, ra, dec, radius float64, maxResults int, mag *magRange, box boundingBox, dst []gaiav2.Record) []gaiav2.Record {
	spc := uint64(r.header.StarsPerChunk)
	first := run.entry.FirstStarIdx
	end := first + uint64(run.entry.NumStars)

	for chunkID := first / spc; chunkID*spc < end; chunkID++ {
		records, err := r.cache.Get(chunkID)
		if err != nil {
			r.noteChunkError(err)
			continue
		}
		desc := &r.chunkIndex[chunkID]
		lo := uint64(0)
		if first > desc.FirstStarIdx {
			lo = first - desc.FirstStarIdx
		}
		hi := uint64(len(records))
		if chunkEnd := desc.FirstStarIdx + uint64(desc.NumStars); end < chunkEnd {
			hi = end - desc.FirstStarIdx
		}
		for i := lo; i < hi; i++ {
			rec := &records[i]
			if mag != nil && (rec.GMag < mag.min || rec.GMag > mag.max) {
				continue
			}
			if !box.contains(rec.RA, rec.Dec) {
				continue
			}
			if healpix.AngularDistance(ra, dec, rec.RA, rec.Dec) <= radius {
				dst = append(dst, *rec)
				if maxResults > 0 && len(dst) >= maxResults {
					return dst
				}
			}
		}
	}
	return dst
}

// boundingBox is a cheap coordinate prefilter applied before the haversine
// test. It is conservative: it may accept records outside the cone but
// never rejects one inside it.
type boundingBox struct {
	full           bool
	decMin, decMax float64
	raLo, raHi     float64
	wraps          bool
}

// boxEpsilon pads the box so rounding in the trigonometry can never
// exclude a record sitting exactly on the cone boundary.
const boxEpsilon = 1e-9

func newBoundingBox(ra, dec, radius float64) boundingBox {
	decMin := dec - radius - boxEpsilon
	decMax := dec + radius + boxEpsilon
	if decMin < -90 {
		decMin = -90
	}
	if decMax > 90 {
		decMax = 90
	}
	maxAbsDec := math.Max(math.Abs(decMin), math.Abs(decMax))
	if maxAbsDec >= 89 || radius >= 90 {
		return boundingBox{full: true, decMin: decMin, decMax: decMax}
	}
	halfWidth := radius/math.Cos(maxAbsDec*math.Pi/180) + boxEpsilon
	if halfWidth >= 180 {
		return boundingBox{full: true, decMin: decMin, decMax: decMax}
	}
	raLo := math.Mod(ra-halfWidth, 360)
	if raLo < 0 {
		raLo += 360
	}
	raHi := math.Mod(ra+halfWidth, 360)
	return boundingBox{
		decMin: decMin,
		decMax: decMax,
		raLo:   raLo,
		raHi:   raHi,
		wraps:  raLo > raHi,
	}
}

func (b boundingBox) contains(ra, dec float64) bool {
	if dec < b.decMin || dec > b.decMax {
		return false
	}
	if b.full {
		return true
	}
	if b.wraps {
		return ra >= b.raLo || ra <= b.raHi
	}
	return ra >= b.raLo && ra <= b.raHi
}
