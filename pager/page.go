package pager

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/sombra/sombra/errs"
)

// DefaultPageSize is the page size used unless Options.PageSize overrides it.
const DefaultPageSize = 8192

// HeaderSize is the fixed, big-endian on-disk page header.
//
//	magic    [4]byte  "SOMB"
//	version  uint16
//	kind     uint8
//	reserved uint8   (always 0)
//	pageSize uint32
//	pageNo   uint64
//	salt     uint64
//	crc32    uint32
const HeaderSize = 4 + 2 + 1 + 1 + 4 + 8 + 8 + 4

// FormatVersion is incremented on any breaking on-disk change.
const FormatVersion uint16 = 1

var magic = [4]byte{'S', 'O', 'M', 'B'}

// PageID identifies a page within the main file. 0 is reserved for the
// meta page; all other valid ids are > 0.
type PageID uint64

// Kind identifies the payload a page carries.
type Kind uint8

const (
	KindMeta Kind = iota + 1
	KindFreeList
	KindBTreeLeaf
	KindBTreeInternal
	KindOverflow
)

func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "Meta"
	case KindFreeList:
		return "FreeList"
	case KindBTreeLeaf:
		return "BTreeLeaf"
	case KindBTreeInternal:
		return "BTreeInternal"
	case KindOverflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// Page is a fixed-size, header-prefixed buffer. Payload is the bytes
// after HeaderSize; callers address it as Data().
type Page struct {
	buf []byte
}

// NewPage allocates a zeroed page of the given size with its header
// pre-initialized for id/kind/salt.
func NewPage(size int, id PageID, kind Kind, salt uint64) *Page {
	p := &Page{buf: make([]byte, size)}
	copy(p.buf[0:4], magic[:])
	binary.BigEndian.PutUint16(p.buf[4:6], FormatVersion)
	p.buf[6] = byte(kind)
	p.buf[7] = 0
	binary.BigEndian.PutUint32(p.buf[8:12], uint32(size))
	binary.BigEndian.PutUint64(p.buf[12:20], uint64(id))
	binary.BigEndian.PutUint64(p.buf[20:28], salt)
	return p
}

// WrapPage wraps an existing, already-populated buffer (e.g. read from
// disk) without reinitializing its header.
func WrapPage(buf []byte) *Page { return &Page{buf: buf} }

// Bytes returns the full page buffer, header included.
func (p *Page) Bytes() []byte { return p.buf }

// Data returns the payload region (after the header).
func (p *Page) Data() []byte { return p.buf[HeaderSize:] }

// ID returns the page number recorded in the header.
func (p *Page) ID() PageID { return PageID(binary.BigEndian.Uint64(p.buf[12:20])) }

// Kind returns the page kind recorded in the header.
func (p *Page) Kind() Kind { return Kind(p.buf[6]) }

// SetKind overwrites the page kind (used when repurposing a freed page).
func (p *Page) SetKind(k Kind) { p.buf[6] = byte(k) }

// Salt returns the per-page salt used to seed the checksum.
func (p *Page) Salt() uint64 { return binary.BigEndian.Uint64(p.buf[20:28]) }

// PageSize returns the recorded page size.
func (p *Page) PageSize() uint32 { return binary.BigEndian.Uint32(p.buf[8:12]) }

// Checksum computes the CRC-32 of the whole page with the CRC field
// zeroed, seeded by (pageNo, salt) as required by spec: the IEEE table
// is primed with a 16-byte seed derived from the page number and salt
// before absorbing the page bytes.
func (p *Page) Checksum() uint32 {
	seed := make([]byte, 16)
	binary.BigEndian.PutUint64(seed[0:8], uint64(p.ID()))
	binary.BigEndian.PutUint64(seed[8:16], p.Salt())

	crcFieldOff := HeaderSize - 4
	saved := make([]byte, 4)
	copy(saved, p.buf[crcFieldOff:HeaderSize])
	for i := range p.buf[crcFieldOff:HeaderSize] {
		p.buf[crcFieldOff+i] = 0
	}

	h := crc32.NewIEEE()
	h.Write(seed)
	h.Write(p.buf)
	sum := h.Sum32()

	copy(p.buf[crcFieldOff:HeaderSize], saved)
	return sum
}

// StampChecksum recomputes and writes the checksum field.
func (p *Page) StampChecksum() {
	sum := p.Checksum()
	binary.BigEndian.PutUint32(p.buf[HeaderSize-4:HeaderSize], sum)
}

// storedChecksum returns the checksum currently recorded in the header.
func (p *Page) storedChecksum() uint32 {
	return binary.BigEndian.Uint32(p.buf[HeaderSize-4 : HeaderSize])
}

// Verify validates magic, format version, and (if checkCRC) the
// checksum. It never silently falls back: a failure is always a
// *errs.Error with Kind Corruption.
func (p *Page) Verify(checkCRC bool) error {
	if len(p.buf) < HeaderSize {
		return errs.New("page.Verify", errs.Corruption, nil)
	}
	if string(p.buf[0:4]) != string(magic[:]) {
		return errs.New("page.Verify", errs.Corruption, nil)
	}
	if binary.BigEndian.Uint16(p.buf[4:6]) != FormatVersion {
		return errs.New("page.Verify", errs.Corruption, nil)
	}
	if checkCRC {
		want := p.storedChecksum()
		got := p.Checksum()
		if want != got {
			return errs.New("page.Verify", errs.Corruption, nil)
		}
	}
	return nil
}
