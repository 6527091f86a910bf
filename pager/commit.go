package pager

import (
	"time"

	"github.com/sombra/sombra/errs"
	"github.com/sombra/sombra/metrics"
)

// Commit stages this transaction's dirty pages into the pager's
// group-commit batch and blocks until they have been logged to the WAL
// and applied to the main file (spec.md §4.1 "commit"). Unless
// Synchronous is Off, the WAL has been fsynced through this
// transaction's commit marker by then.
func (wg *WriteGuard) Commit() (uint64, error) {
	if wg.done {
		return 0, errs.New("pager.Commit", errs.InvalidArgument, nil)
	}
	wg.done = true
	p := wg.pager

	wg.flushFreelist()

	metaPage := NewPage(p.opts.PageSize, 0, KindMeta, wg.metaDelta.Salt)
	encodeMeta(metaPage, wg.metaDelta)
	// LastCommitLSN is overwritten by the coordinator once the LSN is
	// assigned, just before the meta page is written out.
	req := &commitRequest{
		dirty:              wg.dirty,
		allocated:          wg.allocated,
		freed:              wg.freed,
		newTotal:           wg.localNext,
		newFL:              wg.localFL,
		newFreelistPageIDs: wg.newFreelistPageIDs,
		metaPage:           metaPage,
		lsn:                wg.lsn,
		done:               make(chan commitResult, 1),
	}

	p.commitQueue <- req
	// Hand off to the coordinator; release admission so the next
	// writer can begin staging while this commit's fsync is pending.
	p.writerAdmission.Unlock()

	res := <-req.done
	return res.lsn, res.err
}

// flushFreelist merges this transaction's freed pages into its local
// freelist shadow and serializes the result into a chain of FreeList
// pages (spec.md §4.1 "Free space"), reusing previously-chained pages
// where possible.
func (wg *WriteGuard) flushFreelist() {
	for _, id := range wg.freed {
		wg.localFL.free(id)
	}

	maxPer := maxExtentsPerPage(wg.pager.opts.PageSize)
	need := (len(wg.localFL.extents) + maxPer - 1) / maxPer
	if len(wg.localFL.extents) == 0 {
		need = 0
	}

	wg.pager.stateMu.Lock()
	prevPages := append([]PageID(nil), wg.pager.freelistPageIDs...)
	wg.pager.stateMu.Unlock()

	pageIDs := make([]PageID, 0, need)
	for i := 0; i < need; i++ {
		if i < len(prevPages) {
			pageIDs = append(pageIDs, prevPages[i])
		} else {
			id, _ := wg.AllocatePage(KindFreeList)
			pageIDs = append(pageIDs, id)
		}
	}
	for i := need; i < len(prevPages); i++ {
		wg.FreePage(prevPages[i])
	}

	for i, id := range pageIDs {
		page := NewPage(wg.pager.opts.PageSize, id, KindFreeList, wg.metaDelta.Salt)
		start := i * maxPer
		end := start + maxPer
		if end > len(wg.localFL.extents) {
			end = len(wg.localFL.extents)
		}
		setFreeListExtents(page, wg.localFL.extents[start:end])
		if i+1 < len(pageIDs) {
			setFreeListNext(page, pageIDs[i+1])
		} else {
			setFreeListNext(page, 0)
		}
		wg.dirty[id] = page.Bytes()
	}

	if len(pageIDs) > 0 {
		wg.metaDelta.FreeListHead = pageIDs[0]
	} else {
		wg.metaDelta.FreeListHead = 0
	}
	wg.newFreelistPageIDs = pageIDs
}

// commitCoordinator is the single goroutine that drains the commit
// queue, batching up to GroupCommitMax{Writers,Frames} or until
// GroupCommitMaxWait elapses, then applying the batch with applyBatch
// (spec.md §4.1 "Write-ahead log", step 4).
func (p *Pager) commitCoordinator() {
	defer close(p.coordDone)
	for {
		first, ok := <-p.commitQueue
		if !ok {
			return
		}
		batch := []*commitRequest{first}

		deadline := time.NewTimer(p.opts.GroupCommitMaxWait)
	collect:
		for len(batch) < maxInt(1, p.opts.GroupCommitMaxWriters) {
			select {
			case req, ok := <-p.commitQueue:
				if !ok {
					break collect
				}
				batch = append(batch, req)
				if framesInBatch(batch) >= p.opts.GroupCommitMaxFrames {
					break collect
				}
			case <-deadline.C:
				break collect
			}
		}
		deadline.Stop()

		p.applyBatch(batch)
	}
}

func framesInBatch(batch []*commitRequest) int {
	n := 0
	for _, r := range batch {
		n += len(r.dirty)
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// applyBatch commits every request in order under the LSN it reserved
// at BeginWrite: it writes the request's page-image records plus commit
// marker to the WAL (logCommit fsyncs after the marker unless
// Synchronous==Off), applies the pages to the main file and cache, and
// replies to the waiting writer. Under Synchronous==Normal it then
// issues one more WAL fsync for the whole batch.
func (p *Pager) applyBatch(batch []*commitRequest) {
	for _, req := range batch {
		lsn, err := p.applyOne(req)
		if err != nil {
			req.done <- commitResult{err: err}
			continue
		}
		req.done <- commitResult{lsn: lsn}
	}
	if p.opts.Synchronous == SyncNormal && p.wal != nil {
		if err := p.syncWithDeadline(); err != nil {
			p.log.WithError(err).Error("group commit fsync failed")
		}
	}
	p.sink.Observe(metrics.GroupCommitBatchHist, float64(len(batch)))
}

func (p *Pager) syncWithDeadline() error {
	if !p.opts.AsyncFsync {
		return p.wal.sync()
	}
	done := make(chan error, 1)
	go func() { done <- p.wal.sync() }()
	select {
	case err := <-done:
		return err
	case <-time.After(p.opts.AsyncFsyncMaxWait):
		return p.wal.sync()
	}
}

// applyOne writes the page-image + commit records under this request's
// already-reserved LSN (see BeginWrite), applies pages to the main
// file and cache, and persists the updated meta page and freelist
// bookkeeping.
func (p *Pager) applyOne(req *commitRequest) (uint64, error) {
	lsn := req.lsn

	req.metaPage.SetKind(KindMeta)
	meta := decodeMeta(req.metaPage)
	meta.LastCommitLSN = lsn
	encodeMeta(req.metaPage, meta)
	req.metaPage.StampChecksum()
	req.dirty[0] = req.metaPage.Bytes()

	// Stamp (or re-stamp) every dirty page's checksum before it is
	// logged to the WAL, so callers in btree/graph never have to
	// remember to do it themselves, and so the WAL page image already
	// carries the checksum recovery will verify.
	for id, data := range req.dirty {
		if id == 0 {
			continue // meta page already stamped above
		}
		WrapPage(data).StampChecksum()
	}

	if p.wal != nil {
		for id, data := range req.dirty {
			if err := p.wal.logPageImage(lsn, id, data); err != nil {
				return 0, err
			}
		}
		// Empty-txn WAL elision only applies to the caller's own pages;
		// the meta page is always dirty here, so the frame is never
		// actually empty once FreeListHead/roots are threaded through.
		if err := p.wal.logCommit(lsn, uint32(len(req.dirty)), p.opts.Synchronous); err != nil {
			return 0, err
		}
	}

	if err := p.applyPages(req, lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

func (p *Pager) applyPages(req *commitRequest, lsn uint64) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	for id, data := range req.dirty {
		if _, err := p.file.WriteAt(data, int64(id)*int64(p.opts.PageSize)); err != nil {
			return errs.New("pager.applyPages", errs.Io, err)
		}
		p.cache.put(id, bufCopy(data), lsn)
	}

	p.meta = decodeMeta(req.metaPage)
	p.totalPages = req.newTotal
	p.fl = req.newFL
	p.freelistPageIDs = req.newFreelistPageIDs
	if lsn > p.commitLSN {
		p.commitLSN = lsn
	}
	p.sink.Inc(metrics.CommitsTotal, 1)
	return nil
}
