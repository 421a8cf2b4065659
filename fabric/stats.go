package fabric

import "sync/atomic"

// FabricStats is a point-in-time snapshot of the fabric's counters.
type FabricStats struct {
	Checkouts    uint64
	Releases     uint64
	MapHits      uint64
	MapMisses    uint64
	CurrentBytes int64
	PeakBytes    int64
	MappedBytes  int64
}

type statsCounters struct {
	checkouts    atomic.Uint64
	releases     atomic.Uint64
	mapHits      atomic.Uint64
	mapMisses    atomic.Uint64
	currentBytes atomic.Int64
	peakBytes    atomic.Int64
	mappedBytes  atomic.Int64
}

func (s *statsCounters) bumpPeak(candidate int64) {
	for {
		peak := s.peakBytes.Load()
		if candidate <= peak {
			return
		}
		if s.peakBytes.CompareAndSwap(peak, candidate) {
			return
		}
	}
}

func (s *statsCounters) snapshot() FabricStats {
	return FabricStats{
		Checkouts:    s.checkouts.Load(),
		Releases:     s.releases.Load(),
		MapHits:      s.mapHits.Load(),
		MapMisses:    s.mapMisses.Load(),
		CurrentBytes: s.currentBytes.Load(),
		PeakBytes:    s.peakBytes.Load(),
		MappedBytes:  s.mappedBytes.Load(),
	}
}
