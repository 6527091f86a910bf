package pager

import (
	"time"

	"github.com/sombra/sombra/errs"
	"github.com/sombra/sombra/metrics"
)

// ReadGuard is a non-blocking handle on the latest committed snapshot
// at the moment it was opened (spec.md §4.1 "begin_read").
type ReadGuard struct {
	pager  *Pager
	id     uint64
	lsn    uint64
	valid  bool
}

// BeginRead mints a read snapshot at the latest committed LSN.
func (p *Pager) BeginRead() (*ReadGuard, error) {
	p.stateMu.Lock()
	lsn := p.commitLSN
	p.stateMu.Unlock()
	return p.beginReadAt(lsn)
}

// BeginLatestCommittedRead is an alias for BeginRead with explicit MVCC
// semantics (spec.md §4.1).
func (p *Pager) BeginLatestCommittedRead() (*ReadGuard, error) { return p.BeginRead() }

func (p *Pager) beginReadAt(lsn uint64) (*ReadGuard, error) {
	p.readersMu.Lock()
	id := p.nextReaderID
	p.nextReaderID++
	p.readers[id] = &readerEntry{lsn: lsn, openedAt: time.Now()}
	active := len(p.readers)
	p.readersMu.Unlock()
	p.sink.Set(metrics.ReadersActiveGauge, float64(active))
	return &ReadGuard{pager: p, id: id, lsn: lsn, valid: true}, nil
}

// SnapshotLSN returns the commit LSN this reader is pinned to.
func (g *ReadGuard) SnapshotLSN() uint64 { return g.lsn }

// LSN is an alias of SnapshotLSN so ReadGuard and WriteGuard present
// the same small surface to the graph layer's query helpers.
func (g *ReadGuard) LSN() uint64 { return g.lsn }

// Meta decodes the current meta page as seen by this guard. Unlike
// page content reached through record version chains, the meta page
// (and the B+tree indexes it roots) are not independently snapshotted
// per reader; every guard sees the latest committed roots.
func (g *ReadGuard) Meta() (*Meta, error) {
	buf, err := g.ReadPage(0)
	if err != nil {
		return nil, err
	}
	return decodeMeta(WrapPage(buf)), nil
}

// Roots returns the current B+tree roots (see Meta).
func (g *ReadGuard) Roots() (BTreeRoots, error) {
	m, err := g.Meta()
	if err != nil {
		return BTreeRoots{}, err
	}
	return m.Roots, nil
}

// Drop releases the reader's snapshot refcount. Safe to call multiple
// times.
func (g *ReadGuard) Drop() {
	if !g.valid {
		return
	}
	g.valid = false
	g.pager.readersMu.Lock()
	delete(g.pager.readers, g.id)
	active := len(g.pager.readers)
	g.pager.readersMu.Unlock()
	g.pager.sink.Set(metrics.ReadersActiveGauge, float64(active))
}

func (g *ReadGuard) checkValid() error {
	if !g.valid {
		return errs.New("pager.ReadGuard", errs.SnapshotTooOld, nil)
	}
	g.pager.readersMu.Lock()
	_, stillTracked := g.pager.readers[g.id]
	g.pager.readersMu.Unlock()
	if !stillTracked {
		g.valid = false
		return errs.New("pager.ReadGuard", errs.SnapshotTooOld, nil)
	}
	return nil
}

// WriteGuard bundles the single writer's per-transaction dirty-page
// overlay (spec.md §4.1 "begin_write").
type WriteGuard struct {
	pager *Pager

	dirty              map[PageID][]byte
	allocated          []PageID
	freed              []PageID
	localNext          PageID
	localFL            freelist
	metaDelta          *Meta // mutable copy of pager.meta; graph layer edits Roots here
	newFreelistPageIDs []PageID
	lsn                uint64
	done               bool
}

// BeginWrite acquires the single writer lock and returns a fresh
// per-transaction overlay. The commit LSN is reserved here rather than
// at apply time: with a single writer admitted at once and the commit
// queue FIFO, reservation order and apply order coincide, which lets
// the graph layer stamp created_lsn into records as it writes them
// instead of patching them after the fact.
func (p *Pager) BeginWrite() (*WriteGuard, error) {
	if p.readOnly {
		return nil, errs.New("pager.BeginWrite", errs.InvalidArgument, nil)
	}
	p.writerAdmission.Lock()

	p.stateMu.Lock()
	localFL := freelist{extents: append([]extent(nil), p.fl.extents...)}
	localNext := p.totalPages
	metaCopy := *p.meta
	p.nextLSN++
	lsn := p.nextLSN
	p.stateMu.Unlock()

	return &WriteGuard{
		pager:     p,
		dirty:     make(map[PageID][]byte),
		localNext: localNext,
		localFL:   localFL,
		metaDelta: &metaCopy,
		lsn:       lsn,
	}, nil
}

// Meta returns the mutable meta snapshot this transaction will commit,
// letting the graph layer update B+tree roots and id counters.
func (wg *WriteGuard) Meta() *Meta { return wg.metaDelta }

// LSN returns the commit LSN reserved for this transaction, visible
// before Commit so the graph layer can stamp it into records as it
// writes them.
func (wg *WriteGuard) LSN() uint64 { return wg.lsn }

// Roots returns the transaction's in-flight B+tree roots, reflecting
// any updates already staged by this same transaction.
func (wg *WriteGuard) Roots() (BTreeRoots, error) { return wg.metaDelta.Roots, nil }

// ReadPage returns the page bytes visible to this guard: the
// transaction's own overlay first (read-your-writes), then the page
// cache, then disk. A page not yet in the overlay is returned as a
// private copy, so editing it in place does not reach the shared cache.
func (wg *WriteGuard) ReadPage(id PageID) ([]byte, error) {
	if b, ok := wg.dirty[id]; ok {
		return b, nil
	}
	b, err := wg.pager.readPageFromStore(id)
	if err != nil {
		return nil, err
	}
	return bufCopy(b), nil
}

// WritePage stages an update in the transaction's overlay; it is not
// visible to readers until Commit.
func (wg *WriteGuard) WritePage(id PageID, data []byte) {
	wg.dirty[id] = bufCopy(data)
}

// AllocatePage reserves a fresh page id (from the txn-local freelist
// shadow or by extending the file) and stages a pre-initialized image
// for it.
func (wg *WriteGuard) AllocatePage(kind Kind) (PageID, *Page) {
	var id PageID
	if pid, ok := wg.localFL.allocate(); ok {
		id = pid
	} else {
		id = wg.localNext
		wg.localNext++
	}
	wg.allocated = append(wg.allocated, id)
	page := NewPage(wg.pager.opts.PageSize, id, kind, wg.metaDelta.Salt)
	wg.dirty[id] = page.Bytes()
	return id, page
}

// FreePage enqueues id for freelist insertion at commit time.
func (wg *WriteGuard) FreePage(id PageID) {
	wg.freed = append(wg.freed, id)
	delete(wg.dirty, id)
}

// Rollback discards the overlay without touching the WAL or any
// pager-global state (spec.md §4.1 "rollback").
func (wg *WriteGuard) Rollback() {
	if wg.done {
		return
	}
	wg.done = true
	wg.pager.writerAdmission.Unlock()
}

func (p *Pager) readPageFromStore(id PageID) ([]byte, error) {
	if f, ok := p.cache.get(id); ok {
		return f.data, nil
	}
	buf := make([]byte, p.opts.PageSize)
	if _, err := p.file.ReadAt(buf, int64(id)*int64(p.opts.PageSize)); err != nil {
		return nil, errs.New("pager.ReadPage", errs.Io, err)
	}
	page := WrapPage(buf)
	if err := page.Verify(p.opts.ChecksumVerifyOnRead); err != nil {
		return nil, err
	}
	p.cache.put(id, buf, p.commitLSN)
	p.sink.Inc(metrics.CacheMissesTotal, 1)
	return buf, nil
}

// ReadPage is the read-guard counterpart of WriteGuard.ReadPage.
func (g *ReadGuard) ReadPage(id PageID) ([]byte, error) {
	if err := g.checkValid(); err != nil {
		return nil, err
	}
	return g.pager.readPageFromStore(id)
}
