// Package pager implements Sombra's storage core: the page cache, the
// write-ahead log, the commit pipeline, and the checkpointer
// (spec.md §4.1). It is the lowest layer the btree and graph packages
// build on.
package pager

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sombra/sombra/errs"
	"github.com/sombra/sombra/metrics"
)

// Pager owns the file, the page cache, and the WAL. A single Pager is
// shared (by reference) across one Graph and any number of readers.
type Pager struct {
	path     string
	readOnly bool
	opts     Options
	log      logrus.FieldLogger
	sink     metrics.Sink
	lock     *fileLock
	memory   bool

	file File
	wal  *WAL

	cache *frameCache

	// writerAdmission serializes BeginWrite callers; it is held from
	// BeginWrite until the writer's commit (or rollback) has been
	// handed off, not until fsync completes — this is what lets
	// group commit batch multiple writers' fsyncs together.
	writerAdmission sync.Mutex

	stateMu         sync.Mutex // guards meta, totalPages, fl, freelistPageIDs, closed
	meta            *Meta
	totalPages      PageID
	fl              freelist
	freelistPageIDs []PageID
	closed          bool

	commitLSN uint64 // last LSN applied to the main file/cache; what BeginRead pins against
	nextLSN   uint64 // next LSN to hand out; reserved at BeginWrite, strictly increasing

	readersMu    sync.Mutex
	readers      map[uint64]*readerEntry
	nextReaderID uint64

	commitQueue chan *commitRequest
	coordDone   chan struct{}
}

type readerEntry struct {
	lsn      uint64
	openedAt time.Time
}

type commitRequest struct {
	dirty              map[PageID][]byte
	allocated          []PageID
	freed              []PageID
	newTotal           PageID
	newFL              freelist
	newFreelistPageIDs []PageID
	metaPage           *Page
	lsn                uint64
	done               chan commitResult
}

type commitResult struct {
	lsn uint64
	err error
}

// Create opens the database file at path exactly as Open does: a
// missing or empty file is initialized, while an existing database is
// opened and recovered, not reinitialized.
func Create(path string, opts Options) (*Pager, error) {
	return open(path, opts, true, false, logrus.StandardLogger(), metrics.NoopSink)
}

// Open opens the database file at path, creating and initializing it
// if it does not exist, and runs crash recovery if needed.
func Open(path string, opts Options) (*Pager, error) {
	return open(path, opts, false, false, logrus.StandardLogger(), metrics.NoopSink)
}

// OpenMemory opens an entirely in-memory database: no file, no WAL
// segments on disk, no advisory lock. Useful for tests and ephemeral
// embedding.
func OpenMemory(opts Options) (*Pager, error) {
	return open(":memory:", opts, true, true, logrus.StandardLogger(), metrics.NoopSink)
}

// OpenWith opens like Open but allows supplying a logger and metrics
// sink (the embedder-pluggable collaborators of spec.md §1).
func OpenWith(path string, opts Options, log logrus.FieldLogger, sink metrics.Sink) (*Pager, error) {
	return open(path, opts, false, false, log, sink)
}

func open(path string, opts Options, create, memory bool, log logrus.FieldLogger, sink metrics.Sink) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	p := &Pager{
		path:    path,
		opts:    opts,
		log:     log.WithField("component", "pager"),
		sink:    sink,
		memory:  memory,
		cache:   newFrameCache(opts.CachePages),
		readers: make(map[uint64]*readerEntry),
	}

	if !memory {
		lock, err := lockFile(path)
		if err != nil {
			return nil, err
		}
		p.lock = lock

		flags := os.O_RDWR | os.O_CREATE
		f, err := defaultNewFile(path, flags)
		if err != nil {
			lock.unlock()
			return nil, errs.New("pager.open", errs.Io, err)
		}
		p.file = f
	} else {
		p.file = NewMemFile()
	}

	size, err := p.file.Size()
	if err != nil {
		return nil, errs.New("pager.open", errs.Io, err)
	}

	if size == 0 {
		if err := p.initFresh(); err != nil {
			return nil, err
		}
	} else {
		if err := p.loadExisting(); err != nil {
			return nil, err
		}
	}

	if !memory {
		wal, err := openWAL(path, opts, log, false)
		if err != nil {
			return nil, err
		}
		p.wal = wal
		if err := p.recover(); err != nil {
			wal.close()
			return nil, err
		}
	}

	p.commitQueue = make(chan *commitRequest, 4096)
	p.coordDone = make(chan struct{})
	go p.commitCoordinator()

	return p, nil
}

func (p *Pager) initFresh() error {
	meta := &Meta{Salt: uint64(time.Now().UnixNano())}
	metaPage := NewPage(p.opts.PageSize, 0, KindMeta, meta.Salt)
	encodeMeta(metaPage, meta)
	metaPage.StampChecksum()
	if _, err := p.file.WriteAt(metaPage.Bytes(), 0); err != nil {
		return errs.New("pager.initFresh", errs.Io, err)
	}
	p.meta = meta
	p.totalPages = 1
	p.commitLSN = 0
	p.nextLSN = 0
	return nil
}

func (p *Pager) loadExisting() error {
	buf := make([]byte, p.opts.PageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return errs.New("pager.loadExisting", errs.Io, err)
	}
	page := WrapPage(buf)
	if err := page.Verify(p.opts.ChecksumVerifyOnRead); err != nil {
		return err
	}
	if page.Kind() != KindMeta {
		return errs.New("pager.loadExisting", errs.Corruption, nil)
	}
	p.meta = decodeMeta(page)

	size, err := p.file.Size()
	if err != nil {
		return errs.New("pager.loadExisting", errs.Io, err)
	}
	p.totalPages = PageID(size / int64(p.opts.PageSize))
	if p.totalPages < 1 {
		p.totalPages = 1
	}
	p.loadFreelist()
	p.commitLSN = p.meta.LastCommitLSN
	p.nextLSN = p.meta.LastCommitLSN
	return nil
}

func (p *Pager) loadFreelist() {
	p.fl = freelist{}
	p.freelistPageIDs = nil
	id := p.meta.FreeListHead
	for id != 0 {
		buf := make([]byte, p.opts.PageSize)
		if _, err := p.file.ReadAt(buf, int64(id)*int64(p.opts.PageSize)); err != nil {
			return
		}
		page := WrapPage(buf)
		p.freelistPageIDs = append(p.freelistPageIDs, id)
		for _, e := range freeListExtents(page) {
			p.fl.extents = append(p.fl.extents, e)
		}
		id = freeListNext(page)
	}
}

// recover replays the WAL: committed page images are applied to the
// main file in order; any torn tail is discarded and reported to the
// log. Recovery is idempotent (spec.md §4.1 "Recovery").
func (p *Pager) recover() error {
	committed, torn, err := p.wal.replay()
	if err != nil {
		return err
	}
	if torn > 0 {
		p.sink.Inc(metrics.TornTailBytesDiscard, float64(torn))
		p.log.WithField("bytes", torn).Warn("discarded torn WAL tail")
	}
	for _, rec := range committed {
		if _, err := p.file.WriteAt(rec.payload, int64(rec.pageNo)*int64(p.opts.PageSize)); err != nil {
			return errs.New("pager.recover", errs.Io, err)
		}
		p.cache.invalidate(rec.pageNo)
	}
	if len(committed) > 0 {
		if err := p.file.Sync(); err != nil {
			return errs.New("pager.recover", errs.Io, err)
		}
		// Reload meta in case it was among the recovered pages.
		if err := p.loadExisting(); err != nil {
			return err
		}
	}
	return nil
}

// Close checkpoints (Restart), closes the WAL, releases the advisory
// lock, and closes the file.
func (p *Pager) Close() error {
	p.stateMu.Lock()
	if p.closed {
		p.stateMu.Unlock()
		return nil
	}
	p.closed = true
	p.stateMu.Unlock()

	close(p.commitQueue)
	<-p.coordDone

	if p.wal != nil {
		p.Checkpoint(CheckpointRestart)
		p.wal.close()
	}
	var err error
	if !p.memory {
		err = p.file.Sync()
	}
	closeErr := p.file.Close()
	if err == nil {
		err = closeErr
	}
	if p.lock != nil {
		p.lock.unlock()
	}
	return err
}

// Stats summarizes the pager's current runtime state (spec.md §6
// "stats").
type Stats struct {
	TotalPages   PageID
	FreePages    int
	CacheHits    uint64
	CacheMisses  uint64
	CacheSize    int
	CacheCap     int
	ActiveReader int
	LastCommit   uint64
}

func (p *Pager) Stats() Stats {
	p.stateMu.Lock()
	tp, fp, lsn := p.totalPages, 0, p.commitLSN
	for _, e := range p.fl.extents {
		fp += int(e.length)
	}
	p.stateMu.Unlock()
	hits, misses, size, cap := p.cache.stats()
	p.readersMu.Lock()
	active := len(p.readers)
	p.readersMu.Unlock()
	return Stats{
		TotalPages: tp, FreePages: fp,
		CacheHits: hits, CacheMisses: misses, CacheSize: size, CacheCap: cap,
		ActiveReader: active, LastCommit: lsn,
	}
}

// Opts returns the pager's effective configuration.
func (p *Pager) Opts() Options { return p.opts }

// IsReadOnly reports whether this pager was opened without write access.
func (p *Pager) IsReadOnly() bool { return p.readOnly }

// bufCopy returns an independent copy of b.
func bufCopy(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
