package btree

import (
	"encoding/binary"

	"github.com/sombra/sombra/pager"
)

// internalNode is an in-memory decoded view of an internal page:
// len(children) == len(keys) + 1, children[i] holds everything < keys[i]
// (and children[len(keys)] holds everything >= keys[len(keys)-1]).
type internalNode struct {
	keys     [][]byte
	children []pager.PageID
}

func readLeaf(data []byte) (entries []Entry, next pager.PageID) {
	num := binary.BigEndian.Uint16(data[numKeysOff:])
	next = pager.PageID(binary.BigEndian.Uint64(data[ptrOff:]))
	off := leafDataOff
	entries = make([]Entry, 0, num)
	for i := 0; i < int(num); i++ {
		kl := binary.BigEndian.Uint16(data[off:])
		off += 2
		key := append([]byte(nil), data[off:off+int(kl)]...)
		off += int(kl)
		vl := binary.BigEndian.Uint16(data[off:])
		off += 2
		val := append([]byte(nil), data[off:off+int(vl)]...)
		off += int(vl)
		entries = append(entries, Entry{Key: key, Value: val})
	}
	return entries, next
}

func writeLeaf(data []byte, entries []Entry, next pager.PageID) {
	data[nodeTypeOff] = nodeTypeLeaf
	binary.BigEndian.PutUint16(data[numKeysOff:], uint16(len(entries)))
	binary.BigEndian.PutUint64(data[ptrOff:], uint64(next))
	off := leafDataOff
	for _, e := range entries {
		binary.BigEndian.PutUint16(data[off:], uint16(len(e.Key)))
		off += 2
		copy(data[off:], e.Key)
		off += len(e.Key)
		binary.BigEndian.PutUint16(data[off:], uint16(len(e.Value)))
		off += 2
		copy(data[off:], e.Value)
		off += len(e.Value)
	}
}

func leafPayloadSize(entries []Entry) int {
	s := 0
	for _, e := range entries {
		s += 2 + len(e.Key) + 2 + len(e.Value)
	}
	return s
}

func readInternal(data []byte) internalNode {
	numKeys := binary.BigEndian.Uint16(data[numKeysOff:])
	off := internalDataOff
	node := internalNode{
		keys:     make([][]byte, 0, numKeys),
		children: make([]pager.PageID, 0, numKeys+1),
	}
	child0 := pager.PageID(binary.BigEndian.Uint64(data[off:]))
	off += 8
	node.children = append(node.children, child0)
	for i := 0; i < int(numKeys); i++ {
		kl := binary.BigEndian.Uint16(data[off:])
		off += 2
		key := append([]byte(nil), data[off:off+int(kl)]...)
		off += int(kl)
		child := pager.PageID(binary.BigEndian.Uint64(data[off:]))
		off += 8
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
	}
	return node
}

func writeInternal(data []byte, node internalNode) {
	data[nodeTypeOff] = nodeTypeInternal
	binary.BigEndian.PutUint16(data[numKeysOff:], uint16(len(node.keys)))
	off := internalDataOff
	binary.BigEndian.PutUint64(data[off:], uint64(node.children[0]))
	off += 8
	for i, key := range node.keys {
		binary.BigEndian.PutUint16(data[off:], uint16(len(key)))
		off += 2
		copy(data[off:], key)
		off += len(key)
		binary.BigEndian.PutUint64(data[off:], uint64(node.children[i+1]))
		off += 8
	}
}

func internalPayloadSize(node internalNode) int {
	s := 8 // child0
	for _, k := range node.keys {
		s += 2 + len(k) + 8
	}
	return s
}
