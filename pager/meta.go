package pager

import "encoding/binary"

// BTreeRoots holds the root page id of every B+tree the graph layer
// maintains, persisted in the meta page (spec.md §6 "Persisted
// layout").
type BTreeRoots struct {
	Nodes        PageID
	Edges        PageID
	Dict         PageID
	DictRev      PageID
	FwdAdj       PageID
	RevAdj       PageID
	Labels       PageID
	Types        PageID
	Props        PageID
	PropCatalog  PageID
	NodeVersions PageID
	EdgeVersions PageID
}

// Meta is the decoded contents of page 0.
type Meta struct {
	Salt            uint64
	LastCommitLSN   uint64
	NextNodeID      uint64
	NextEdgeID      uint64
	NextPropIndexID uint64
	NextDictID      uint64
	FreeListHead    PageID
	Roots           BTreeRoots
}

const metaPayloadSize = 8*7 + 8*12 // salt, lsn, nodeid, edgeid, propindexid, dictid, freelisthead + 12 roots

func encodeMeta(p *Page, m *Meta) {
	d := p.Data()
	off := 0
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(d[off:off+8], v)
		off += 8
	}
	putU64(m.Salt)
	putU64(m.LastCommitLSN)
	putU64(m.NextNodeID)
	putU64(m.NextEdgeID)
	putU64(m.NextPropIndexID)
	putU64(m.NextDictID)
	putU64(uint64(m.FreeListHead))
	putU64(uint64(m.Roots.Nodes))
	putU64(uint64(m.Roots.Edges))
	putU64(uint64(m.Roots.Dict))
	putU64(uint64(m.Roots.DictRev))
	putU64(uint64(m.Roots.FwdAdj))
	putU64(uint64(m.Roots.RevAdj))
	putU64(uint64(m.Roots.Labels))
	putU64(uint64(m.Roots.Types))
	putU64(uint64(m.Roots.Props))
	putU64(uint64(m.Roots.PropCatalog))
	putU64(uint64(m.Roots.NodeVersions))
	putU64(uint64(m.Roots.EdgeVersions))
}

func decodeMeta(p *Page) *Meta {
	d := p.Data()
	off := 0
	getU64 := func() uint64 {
		v := binary.BigEndian.Uint64(d[off : off+8])
		off += 8
		return v
	}
	m := &Meta{}
	m.Salt = getU64()
	m.LastCommitLSN = getU64()
	m.NextNodeID = getU64()
	m.NextEdgeID = getU64()
	m.NextPropIndexID = getU64()
	m.NextDictID = getU64()
	m.FreeListHead = PageID(getU64())
	m.Roots.Nodes = PageID(getU64())
	m.Roots.Edges = PageID(getU64())
	m.Roots.Dict = PageID(getU64())
	m.Roots.DictRev = PageID(getU64())
	m.Roots.FwdAdj = PageID(getU64())
	m.Roots.RevAdj = PageID(getU64())
	m.Roots.Labels = PageID(getU64())
	m.Roots.Types = PageID(getU64())
	m.Roots.Props = PageID(getU64())
	m.Roots.PropCatalog = PageID(getU64())
	m.Roots.NodeVersions = PageID(getU64())
	m.Roots.EdgeVersions = PageID(getU64())
	return m
}
