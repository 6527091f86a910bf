package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sombra/sombra/errs"
)

// recordType identifies a WAL record, grounded on the teacher's
// storage.WALRecordType (page write / commit / checkpoint marker).
type recordType byte

const (
	recPageImage  recordType = 1
	recCommit     recordType = 2
	recCheckpoint recordType = 3
)

// walRecord is one entry in a WAL segment.
//
// Page-image record: [lsn u64][type u8][pageNo u64][length u32][payload][crc32 u32]
// Commit record:      [lsn u64][type u8][frameCount u32][crc32 u32]
type walRecord struct {
	lsn        uint64
	typ        recordType
	pageNo     PageID
	payload    []byte
	frameCount uint32
}

func (r *walRecord) encode() []byte {
	switch r.typ {
	case recPageImage:
		buf := make([]byte, 8+1+8+4+len(r.payload)+4)
		off := 0
		binary.BigEndian.PutUint64(buf[off:], r.lsn)
		off += 8
		buf[off] = byte(r.typ)
		off++
		binary.BigEndian.PutUint64(buf[off:], uint64(r.pageNo))
		off += 8
		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.payload)))
		off += 4
		copy(buf[off:], r.payload)
		off += len(r.payload)
		crc := crc32.ChecksumIEEE(buf[:off])
		binary.BigEndian.PutUint32(buf[off:], crc)
		return buf
	case recCommit, recCheckpoint:
		buf := make([]byte, 8+1+4+4)
		off := 0
		binary.BigEndian.PutUint64(buf[off:], r.lsn)
		off += 8
		buf[off] = byte(r.typ)
		off++
		binary.BigEndian.PutUint32(buf[off:], r.frameCount)
		off += 4
		crc := crc32.ChecksumIEEE(buf[:off])
		binary.BigEndian.PutUint32(buf[off:], crc)
		return buf
	default:
		return nil
	}
}

// segment is one WAL segment file: "<db>.wal.<seq>-<session>".
type segment struct {
	seq  int
	file File
	path string
}

const walHeaderMagic = "SOMBWAL1"

// WAL is an append-only sequence of segment files. Writers append
// page-image records then a commit marker; a coordinator goroutine
// performs group-commit fsync batching (spec.md §4.1 "Write-ahead
// log").
type WAL struct {
	mu   sync.Mutex
	dir  string
	base string
	opts Options
	log  logrus.FieldLogger

	sessionID string
	segments  []*segment
	curOffset int64
	newFile   func(path string, flags int) (File, error)
}

func defaultNewFile(path string, flags int) (File, error) { return openOSFile(path, flags) }

// openWAL opens (or creates) the WAL directory for dbPath. If memory is
// true, segments are in-memory MemFiles; open always passes false, and
// OpenMemory runs without a WAL.
func openWAL(dbPath string, opts Options, log logrus.FieldLogger, memory bool) (*WAL, error) {
	w := &WAL{
		base:      dbPath,
		opts:      opts,
		log:       log.WithField("component", "wal"),
		sessionID: uuid.NewString(),
	}
	if memory {
		w.newFile = func(string, int) (File, error) { return NewMemFile(), nil }
	} else {
		w.newFile = defaultNewFile
	}
	if !memory {
		if err := w.discoverSegments(); err != nil {
			return nil, err
		}
	}
	if len(w.segments) == 0 {
		if err := w.rollSegment(0); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// discoverSegments finds any "<base>.wal.<seq>-<session>" files left by
// a prior (possibly crashed) process sharing this path and opens them,
// in seq order, for replay. They are opened read-write, and new records
// are appended at the end of the newest one.
func (w *WAL) discoverSegments() error {
	dir := filepath.Dir(w.base)
	prefix := filepath.Base(w.base) + ".wal."
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New("wal.discoverSegments", errs.Io, err)
	}

	type found struct {
		seq  int
		name string
	}
	var names []found
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		rest := strings.TrimPrefix(e.Name(), prefix)
		seqStr := rest
		if i := strings.IndexByte(rest, '-'); i >= 0 {
			seqStr = rest[:i]
		}
		seq, err := strconv.Atoi(seqStr)
		if err != nil {
			continue
		}
		names = append(names, found{seq: seq, name: e.Name()})
	}
	sort.Slice(names, func(i, j int) bool { return names[i].seq < names[j].seq })

	for _, n := range names {
		path := filepath.Join(dir, n.name)
		f, err := w.newFile(path, os.O_RDWR)
		if err != nil {
			return errs.New("wal.discoverSegments", errs.Io, err)
		}
		w.segments = append(w.segments, &segment{seq: n.seq, file: f, path: path})
	}
	if len(w.segments) > 0 {
		size, err := w.current().file.Size()
		if err != nil {
			return errs.New("wal.discoverSegments", errs.Io, err)
		}
		w.curOffset = size
	}
	return nil
}

func (w *WAL) segmentPath(seq int) string {
	return fmt.Sprintf("%s.wal.%d-%s", w.base, seq, w.sessionID)
}

func (w *WAL) rollSegment(seq int) error {
	path := w.segmentPath(seq)
	f, err := w.newFile(path, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return errs.New("wal.rollSegment", errs.Io, err)
	}
	if _, err := f.WriteAt([]byte(walHeaderMagic), 0); err != nil {
		return errs.New("wal.rollSegment", errs.Io, err)
	}
	w.segments = append(w.segments, &segment{seq: seq, file: f, path: path})
	w.curOffset = int64(len(walHeaderMagic))
	return nil
}

func (w *WAL) current() *segment { return w.segments[len(w.segments)-1] }

// append writes raw record bytes to the current segment, rolling to a
// new segment if the configured size would be exceeded.
func (w *WAL) append(buf []byte) error {
	seg := w.current()
	if w.opts.WALSegmentSizeBytes > 0 && w.curOffset+int64(len(buf)) > w.opts.WALSegmentSizeBytes {
		if err := w.rollSegment(seg.seq + 1); err != nil {
			return err
		}
		seg = w.current()
	}
	if _, err := seg.file.WriteAt(buf, w.curOffset); err != nil {
		return errs.New("wal.append", errs.Io, err)
	}
	w.curOffset += int64(len(buf))
	return nil
}

// logPageImage appends a page-image record tagged with the caller's
// commit lsn. The pager assigns lsn (not the WAL) so that the number
// stamped into the meta page's LastCommitLSN and the number stamped
// into the WAL record are always the same value.
func (w *WAL) logPageImage(lsn uint64, pageNo PageID, after []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := &walRecord{lsn: lsn, typ: recPageImage, pageNo: pageNo, payload: after}
	return w.append(rec.encode())
}

// logCommit appends a commit marker recording how many page-image
// records precede it in this transaction, and fsyncs according to sync.
func (w *WAL) logCommit(lsn uint64, frameCount uint32, sync Synchronous) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := &walRecord{lsn: lsn, typ: recCommit, frameCount: frameCount}
	if err := w.append(rec.encode()); err != nil {
		return err
	}
	if sync != SyncOff {
		if err := w.current().file.Sync(); err != nil {
			return errs.New("wal.logCommit", errs.Io, err)
		}
	}
	return nil
}

// logCheckpoint appends a checkpoint marker: a bookmark that recovery
// skips over, used only to make the WAL tail human-inspectable.
func (w *WAL) logCheckpoint(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := &walRecord{lsn: lsn, typ: recCheckpoint}
	return w.append(rec.encode())
}

func (w *WAL) sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current().file.Sync()
}

// truncate discards all segments, closing and deleting their files, and
// starts a fresh one; used by CheckpointRestart once the main file holds
// every page image.
func (w *WAL) truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.segments {
		s.file.Close()
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return errs.New("wal.truncate", errs.Io, err)
		}
	}
	w.segments = nil
	return w.rollSegment(0)
}

func (w *WAL) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, s := range w.segments {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// replay scans every segment in order and returns the set of committed
// page-image records, in commit order, discarding any trailing,
// torn (incomplete or CRC-failing) tail (spec.md §4.1 "Recovery").
// tornBytes reports how many trailing bytes were discarded.
func (w *WAL) replay() (committed []walRecord, tornBytes int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []walRecord
	for _, seg := range w.segments {
		size, err := seg.file.Size()
		if err != nil {
			return nil, 0, errs.New("wal.replay", errs.Io, err)
		}
		off := int64(len(walHeaderMagic))
		for off < size {
			rec, n, ok := w.readRecordAt(seg, off, size)
			if !ok {
				tornBytes += size - off
				break
			}
			switch rec.typ {
			case recPageImage:
				pending = append(pending, *rec)
			case recCommit:
				committed = append(committed, pending...)
				pending = nil
			case recCheckpoint:
				// checkpoint markers don't change visible state
			}
			off += n
		}
	}
	// Any uncommitted pending records at the very end are a torn tail
	// too (transaction never reached its commit marker).
	return committed, tornBytes, nil
}

// readRecordAt decodes one record at off, validating its CRC. Returns
// ok=false if the record is truncated or fails its checksum (torn
// tail), without touching any state.
func (w *WAL) readRecordAt(seg *segment, off, size int64) (*walRecord, int64, bool) {
	hdr := make([]byte, 8+1)
	if off+int64(len(hdr)) > size {
		return nil, 0, false
	}
	if _, err := seg.file.ReadAt(hdr, off); err != nil {
		return nil, 0, false
	}
	lsn := binary.BigEndian.Uint64(hdr[0:8])
	typ := recordType(hdr[8])

	switch typ {
	case recPageImage:
		lenBuf := make([]byte, 8+4)
		if off+9+12 > size {
			return nil, 0, false
		}
		if _, err := seg.file.ReadAt(lenBuf, off+9); err != nil {
			return nil, 0, false
		}
		pageNo := binary.BigEndian.Uint64(lenBuf[0:8])
		plen := binary.BigEndian.Uint32(lenBuf[8:12])
		total := int64(9 + 8 + 4 + int(plen) + 4)
		if off+total > size {
			return nil, 0, false
		}
		full := make([]byte, total)
		if _, err := seg.file.ReadAt(full, off); err != nil {
			return nil, 0, false
		}
		gotCRC := binary.BigEndian.Uint32(full[total-4:])
		wantCRC := crc32.ChecksumIEEE(full[:total-4])
		if gotCRC != wantCRC {
			return nil, 0, false
		}
		payload := make([]byte, plen)
		copy(payload, full[9+8+4:total-4])
		return &walRecord{lsn: lsn, typ: typ, pageNo: PageID(pageNo), payload: payload}, total, true
	case recCommit, recCheckpoint:
		total := int64(9 + 4 + 4)
		if off+total > size {
			return nil, 0, false
		}
		full := make([]byte, total)
		if _, err := seg.file.ReadAt(full, off); err != nil {
			return nil, 0, false
		}
		gotCRC := binary.BigEndian.Uint32(full[total-4:])
		wantCRC := crc32.ChecksumIEEE(full[:total-4])
		if gotCRC != wantCRC {
			return nil, 0, false
		}
		frameCount := binary.BigEndian.Uint32(full[9:13])
		return &walRecord{lsn: lsn, typ: typ, frameCount: frameCount}, total, true
	default:
		return nil, 0, false
	}
}
