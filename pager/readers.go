package pager

import (
	"time"

	"github.com/sombra/sombra/metrics"
)

// Watermark returns the minimum active reader snapshot LSN, or the
// latest applied commit LSN if no reader is open (spec.md §4.3
// "Vacuum" — W, the vacuum's reclaim boundary).
func (p *Pager) Watermark() uint64 {
	p.stateMu.Lock()
	lsn := p.commitLSN
	p.stateMu.Unlock()
	return p.oldestActiveReaderLSN(lsn)
}

// EvictExpiredReaders drops tracking for every reader older than
// timeout, returning how many were evicted. A dropped reader's next
// ReadPage call (via ReadGuard.checkValid) observes SnapshotTooOld.
// Grounded on spec.md §4.3 "Reader timeout".
func (p *Pager) EvictExpiredReaders(timeout time.Duration) int {
	now := time.Now()
	var expired []uint64
	p.readersMu.Lock()
	for id, r := range p.readers {
		if now.Sub(r.openedAt) > timeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(p.readers, id)
	}
	active := len(p.readers)
	p.readersMu.Unlock()

	if len(expired) > 0 {
		p.log.WithField("count", len(expired)).Warn("evicting expired reader snapshots")
		p.sink.Inc(metrics.ReadersEvictedTotal, float64(len(expired)))
		p.sink.Set(metrics.ReadersActiveGauge, float64(active))
	}
	return len(expired)
}
