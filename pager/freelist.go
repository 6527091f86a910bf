package pager

import "encoding/binary"

// Freed pages are coalesced into extents and recorded on dedicated
// FreeList pages chained by a next pointer (spec.md §4.1 "Free space").
// A FreeList page's payload layout:
//
//	[0:8]  next FreeList PageID (0 = end of chain)
//	[8:10] extent count uint16
//	[10:]  extents, each [start PageID u64][length u32]

type extent struct {
	start  PageID
	length uint32
}

const extentSize = 8 + 4

func freeListNext(p *Page) PageID {
	return PageID(binary.BigEndian.Uint64(p.Data()[0:8]))
}

func setFreeListNext(p *Page, next PageID) {
	binary.BigEndian.PutUint64(p.Data()[0:8], uint64(next))
}

func freeListExtents(p *Page) []extent {
	data := p.Data()
	n := binary.BigEndian.Uint16(data[8:10])
	out := make([]extent, 0, n)
	off := 10
	for i := 0; i < int(n); i++ {
		start := PageID(binary.BigEndian.Uint64(data[off : off+8]))
		length := binary.BigEndian.Uint32(data[off+8 : off+12])
		out = append(out, extent{start: start, length: length})
		off += extentSize
	}
	return out
}

func setFreeListExtents(p *Page, extents []extent) {
	data := p.Data()
	binary.BigEndian.PutUint16(data[8:10], uint16(len(extents)))
	off := 10
	for _, e := range extents {
		binary.BigEndian.PutUint64(data[off:off+8], uint64(e.start))
		binary.BigEndian.PutUint32(data[off+8:off+12], e.length)
		off += extentSize
	}
}

func maxExtentsPerPage(pageSize int) int {
	return (pageSize - HeaderSize - 10) / extentSize
}

// freelist is the pager's in-memory view of free extents, backed by
// the on-disk FreeList page chain. Allocation prefers the largest
// extent and splits it; coalescing adjacent extents keeps the chain
// short (spec.md §4.1).
type freelist struct {
	headPage PageID // 0 = none
	extents  []extent
}

// allocate pops a single page id from the largest extent, splitting it.
// Returns (0, false) if no free page is available.
func (fl *freelist) allocate() (PageID, bool) {
	if len(fl.extents) == 0 {
		return 0, false
	}
	best := 0
	for i, e := range fl.extents {
		if e.length > fl.extents[best].length {
			best = i
		}
	}
	e := fl.extents[best]
	id := e.start
	if e.length == 1 {
		fl.extents = append(fl.extents[:best], fl.extents[best+1:]...)
	} else {
		fl.extents[best] = extent{start: e.start + 1, length: e.length - 1}
	}
	return id, true
}

// free enqueues a page for reuse, coalescing with an adjacent extent if
// one exists.
func (fl *freelist) free(id PageID) {
	for i, e := range fl.extents {
		if e.start+PageID(e.length) == id {
			fl.extents[i].length++
			fl.coalesceFrom(i)
			return
		}
		if id+1 == e.start {
			fl.extents[i] = extent{start: id, length: e.length + 1}
			fl.coalesceFrom(i)
			return
		}
	}
	fl.extents = append(fl.extents, extent{start: id, length: 1})
}

func (fl *freelist) coalesceFrom(i int) {
	e := fl.extents[i]
	for j := 0; j < len(fl.extents); j++ {
		if j == i {
			continue
		}
		o := fl.extents[j]
		if e.start+PageID(e.length) == o.start {
			e.length += o.length
			fl.extents = append(fl.extents[:j], fl.extents[j+1:]...)
			if j < i {
				i--
			}
			fl.extents[i] = e
			fl.coalesceFrom(i)
			return
		}
		if o.start+PageID(o.length) == e.start {
			o.length += e.length
			fl.extents[j] = o
			fl.extents = append(fl.extents[:i], fl.extents[i+1:]...)
			fl.coalesceFrom(j)
			return
		}
	}
	fl.extents[i] = e
}
