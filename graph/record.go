package graph

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/klauspost/compress/snappy"

	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/errs"
	"github.com/sombra/sombra/pager"
)

// propMap is the decoded form of a node/edge's property payload: a
// dense map keyed by interned PropId, encoded/decoded as a sorted
// sequence so the bytes are deterministic across writes.
type propMap map[uint32]Value

func encodePropMap(m propMap) []byte {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(ids)))
	for _, id := range ids {
		idBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(idBuf, id)
		buf = append(buf, idBuf...)
		buf = append(buf, encodeValue(m[id])...)
	}
	return buf
}

func decodePropMap(b []byte) (propMap, error) {
	if len(b) < 2 {
		return nil, errs.New("graph.decodePropMap", errs.Corruption, nil)
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	off := 2
	m := make(propMap, n)
	for i := 0; i < n; i++ {
		if off+4 > len(b) {
			return nil, errs.New("graph.decodePropMap", errs.Corruption, nil)
		}
		id := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		v, consumed, err := decodeValue(b[off:])
		if err != nil {
			return nil, err
		}
		off += consumed
		m[id] = v
	}
	return m, nil
}

// propTag values distinguish inline from overflow-stored payloads
// (spec.md §4.3 "Node record").
const (
	propTagInline byte = 0
	propTagVRef   byte = 1
)

// vref is an overflow chain locator.
type vref struct {
	StartPage pager.PageID
	NPages    uint32
	TotalLen  uint32
	CRC32     uint32
}

func encodeVRef(v vref) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], uint64(v.StartPage))
	binary.BigEndian.PutUint32(buf[8:12], v.NPages)
	binary.BigEndian.PutUint32(buf[12:16], v.TotalLen)
	binary.BigEndian.PutUint32(buf[16:20], v.CRC32)
	return buf[:20]
}

func decodeVRef(b []byte) (vref, error) {
	if len(b) < 20 {
		return vref{}, errs.New("graph.decodeVRef", errs.Corruption, nil)
	}
	return vref{
		StartPage: pager.PageID(binary.BigEndian.Uint64(b[0:8])),
		NPages:    binary.BigEndian.Uint32(b[8:12]),
		TotalLen:  binary.BigEndian.Uint32(b[12:16]),
		CRC32:     binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// overflow page layout: next PageID (8 bytes) || chunkLen u32 || chunk.
const overflowHeaderSize = 8 + 4

func overflowChunkCap(pageSize int) int {
	return pageSize - pager.HeaderSize - overflowHeaderSize
}

// writeOverflowChain snappy-compresses data and splits it across a
// chain of Overflow pages, returning a vref that locates it.
func writeOverflowChain(s btree.PageStore, pageSize int, data []byte) (vref, error) {
	compressed := snappy.Encode(nil, data)
	cap := overflowChunkCap(pageSize)
	if cap <= 0 {
		return vref{}, errs.New("graph.writeOverflowChain", errs.InvalidArgument, nil)
	}

	var ids []pager.PageID
	var pages []*pager.Page
	for off := 0; off < len(compressed) || (off == 0 && len(compressed) == 0); off += cap {
		id, page := s.AllocatePage(pager.KindOverflow)
		ids = append(ids, id)
		pages = append(pages, page)
		if off+cap >= len(compressed) {
			break
		}
	}

	for i, page := range pages {
		start := i * cap
		end := start + cap
		if end > len(compressed) {
			end = len(compressed)
		}
		chunk := compressed[start:end]
		d := page.Data()
		var next pager.PageID
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		binary.BigEndian.PutUint64(d[0:8], uint64(next))
		binary.BigEndian.PutUint32(d[8:12], uint32(len(chunk)))
		copy(d[overflowHeaderSize:], chunk)
		s.WritePage(ids[i], page.Bytes())
	}

	return vref{
		StartPage: ids[0],
		NPages:    uint32(len(ids)),
		TotalLen:  uint32(len(data)),
		CRC32:     crc32.ChecksumIEEE(data),
	}, nil
}

// readOverflowChain reassembles and decompresses a VRef-addressed blob.
func readOverflowChain(r btree.PageReader, ref vref) ([]byte, error) {
	compressed := make([]byte, 0, ref.TotalLen)
	id := ref.StartPage
	for id != 0 {
		buf, err := r.ReadPage(id)
		if err != nil {
			return nil, err
		}
		d := pager.WrapPage(buf).Data()
		next := pager.PageID(binary.BigEndian.Uint64(d[0:8]))
		n := binary.BigEndian.Uint32(d[8:12])
		compressed = append(compressed, d[overflowHeaderSize:overflowHeaderSize+int(n)]...)
		id = next
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errs.New("graph.readOverflowChain", errs.Corruption, err)
	}
	if crc32.ChecksumIEEE(data) != ref.CRC32 {
		return nil, errs.New("graph.readOverflowChain", errs.Corruption, nil)
	}
	return data, nil
}

func freeOverflowChain(wg *pager.WriteGuard, ref vref) {
	id := ref.StartPage
	for id != 0 {
		buf, err := wg.ReadPage(id)
		if err != nil {
			return
		}
		next := pager.PageID(binary.BigEndian.Uint64(pager.WrapPage(buf).Data()[0:8]))
		wg.FreePage(id)
		id = next
	}
}

// writeProps encodes m, choosing inline vs. VRef storage by threshold.
func writeProps(s btree.PageStore, pageSize, threshold int, m propMap) (tag byte, payload []byte, err error) {
	enc := encodePropMap(m)
	if len(enc) <= threshold {
		inline := make([]byte, 2+len(enc))
		binary.BigEndian.PutUint16(inline[0:2], uint16(len(enc)))
		copy(inline[2:], enc)
		return propTagInline, inline, nil
	}
	ref, err := writeOverflowChain(s, pageSize, enc)
	if err != nil {
		return 0, nil, err
	}
	return propTagVRef, encodeVRef(ref), nil
}

// readProps decodes a record's property payload back into a propMap.
func readProps(r btree.PageReader, tag byte, payload []byte) (propMap, error) {
	switch tag {
	case propTagInline:
		if len(payload) < 2 {
			return nil, errs.New("graph.readProps", errs.Corruption, nil)
		}
		n := int(binary.BigEndian.Uint16(payload[0:2]))
		if len(payload) < 2+n {
			return nil, errs.New("graph.readProps", errs.Corruption, nil)
		}
		return decodePropMap(payload[2 : 2+n])
	case propTagVRef:
		ref, err := decodeVRef(payload)
		if err != nil {
			return nil, err
		}
		enc, err := readOverflowChain(r, ref)
		if err != nil {
			return nil, err
		}
		return decodePropMap(enc)
	default:
		return nil, errs.New("graph.readProps", errs.Corruption, nil)
	}
}

// nodeRecord is the decoded form of spec.md's NodeRecord.
type nodeRecord struct {
	Labels []uint32
	Props  propMap
}

func encodeNodeRecord(s btree.PageStore, pageSize, threshold int, rec nodeRecord) ([]byte, error) {
	if len(rec.Labels) > 255 {
		return nil, errs.New("graph.encodeNodeRecord", errs.InvalidArgument, nil)
	}
	tag, payload, err := writeProps(s, pageSize, threshold, rec.Props)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 1+4*len(rec.Labels)+1+len(payload))
	buf[0] = byte(len(rec.Labels))
	off := 1
	for _, l := range rec.Labels {
		binary.BigEndian.PutUint32(buf[off:off+4], l)
		off += 4
	}
	buf[off] = tag
	off++
	copy(buf[off:], payload)
	return buf, nil
}

func decodeNodeRecord(r btree.PageReader, b []byte) (nodeRecord, error) {
	if len(b) < 1 {
		return nodeRecord{}, errs.New("graph.decodeNodeRecord", errs.Corruption, nil)
	}
	labelCount := int(b[0])
	off := 1
	labels := make([]uint32, labelCount)
	for i := 0; i < labelCount; i++ {
		if off+4 > len(b) {
			return nodeRecord{}, errs.New("graph.decodeNodeRecord", errs.Corruption, nil)
		}
		labels[i] = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	if off >= len(b) {
		return nodeRecord{}, errs.New("graph.decodeNodeRecord", errs.Corruption, nil)
	}
	tag := b[off]
	off++
	props, err := readProps(r, tag, b[off:])
	if err != nil {
		return nodeRecord{}, err
	}
	return nodeRecord{Labels: labels, Props: props}, nil
}

// edgeRecord is the decoded form of spec.md's EdgeRecord.
type edgeRecord struct {
	Src    uint64
	Dst    uint64
	TypeID uint32
	Props  propMap
}

func encodeEdgeRecord(s btree.PageStore, pageSize, threshold int, rec edgeRecord) ([]byte, error) {
	tag, payload, err := writeProps(s, pageSize, threshold, rec.Props)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8+8+4+1+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], rec.Src)
	binary.BigEndian.PutUint64(buf[8:16], rec.Dst)
	binary.BigEndian.PutUint32(buf[16:20], rec.TypeID)
	buf[20] = tag
	copy(buf[21:], payload)
	return buf, nil
}

func decodeEdgeRecord(r btree.PageReader, b []byte) (edgeRecord, error) {
	if len(b) < 21 {
		return edgeRecord{}, errs.New("graph.decodeEdgeRecord", errs.Corruption, nil)
	}
	rec := edgeRecord{
		Src:    binary.BigEndian.Uint64(b[0:8]),
		Dst:    binary.BigEndian.Uint64(b[8:16]),
		TypeID: binary.BigEndian.Uint32(b[16:20]),
	}
	tag := b[20]
	props, err := readProps(r, tag, b[21:])
	if err != nil {
		return edgeRecord{}, err
	}
	rec.Props = props
	return rec, nil
}
