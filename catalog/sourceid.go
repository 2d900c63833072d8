package catalog

import (
	"k8s.io/klog/v2"

	"github.com/manvalan/gaialib/gaiav2"
	"github.com/manvalan/gaialib/metrics"
)

// QueryBySourceID returns the record with the given Gaia source_id. The
// second return value is false when the catalog holds no such star; that
// is not an error.
//
// Records are spatially sorted on disk, so there is no order to binary
// search by id. The default fast path builds an id-to-index map on the
// first lookup and keeps it for the reader's lifetime (~16 bytes per
// star). With DisableSourceIDIndex set, lookups scan chunks instead.
func (r *Reader) QueryBySourceID(sourceID uint64) (gaiav2.Record, bool, error) {
	if r.closed.Load() {
		return gaiav2.Record{}, false, ErrClosed
	}
	r.activeReaders.Add(1)
	defer r.activeReaders.Add(-1)
	metrics.QueriesByKind.WithLabelValues("source_id").Inc()

	if r.disableIDIndex {
		return r.scanForSourceID(sourceID)
	}

	idMap, err := r.sourceIDMap()
	if err != nil {
		return gaiav2.Record{}, false, err
	}
	index, ok := idMap[sourceID]
	if !ok {
		return gaiav2.Record{}, false, nil
	}
	rec, err := r.readRecord(index)
	if err != nil {
		r.noteChunkError(err)
		return gaiav2.Record{}, false, nil
	}
	return rec, true, nil
}

// sourceIDMap returns the lazily-built id map. The first caller builds it
// under lock by walking every chunk once; concurrent callers block until
// the build finishes.
func (r *Reader) sourceIDMap() (map[uint64]uint64, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	if r.idMap != nil {
		return r.idMap, nil
	}
	klog.V(2).Infof("building source_id index for %d stars", r.header.TotalStars)

	idMap := make(map[uint64]uint64, r.header.TotalStars)
	var degraded bool
	for chunkID := uint64(0); chunkID < r.header.TotalChunks; chunkID++ {
		records, err := r.cache.Get(chunkID)
		if err != nil {
			// The map stays usable for every healthy chunk; ids in the
			// failed chunk will resolve as not-found until reopen.
			r.noteChunkError(err)
			degraded = true
			continue
		}
		base := r.chunkIndex[chunkID].FirstStarIdx
		for i := range records {
			idMap[records[i].SourceID] = base + uint64(i)
		}
	}
	if degraded {
		klog.Warningf("source_id index built with missing chunks (%d of %d stars indexed)",
			len(idMap), r.header.TotalStars)
	}
	r.idMap = idMap
	return idMap, nil
}

// scanForSourceID is the low-memory lookup path: walk chunks until the id
// is found.
func (r *Reader) scanForSourceID(sourceID uint64) (gaiav2.Record, bool, error) {
	for chunkID := uint64(0); chunkID < r.header.TotalChunks; chunkID++ {
		records, err := r.cache.Get(chunkID)
		if err != nil {
			r.noteChunkError(err)
			continue
		}
		for i := range records {
			if records[i].SourceID == sourceID {
				return records[i], true, nil
			}
		}
	}
	return gaiav2.Record{}, false, nil
}
