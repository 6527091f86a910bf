// Package btree implements a generic, page-backed B+tree over the
// pager package. A single tree substrate backs every index the graph
// layer needs — node/edge primary indexes, the string dictionary,
// forward/reverse adjacency, label/type presence, and property
// equality/range indexes — by keying on an opaque, order-preserving
// byte string (see codec.go) rather than any one Go type.
//
// Grounded on the teacher's index.BTree: slotted leaves chained by a
// next-leaf pointer, internal separator arrays, split-on-overflow
// insert, and (unlike the teacher) borrow-then-merge rebalancing on
// delete so the tree shrinks instead of accumulating half-empty pages.
package btree

import (
	"bytes"
	"sort"

	"github.com/sombra/sombra/errs"
	"github.com/sombra/sombra/pager"
)

const (
	nodeTypeInternal = byte(0)
	nodeTypeLeaf     = byte(1)

	// Offsets within a page's payload (i.e. after pager.HeaderSize).
	nodeTypeOff = 0
	numKeysOff  = nodeTypeOff + 1 // uint16
	ptrOff      = numKeysOff + 2  // nextLeaf PageID (uint64) on leaves; unused on internal pages, which store child0 at internalDataOff
	leafDataOff = ptrOff + 8
	internalDataOff = ptrOff + 8
)

// Entry is one (key, value) pair. Keys need not be unique: Put adds a
// new entry beside any existing entries with the same key instead of
// replacing them. The graph layer's adjacency, presence and posting
// keys embed the record id, so those keys are unique.
type Entry struct {
	Key   []byte
	Value []byte
}

// PageReader is the read side of a transaction overlay: satisfied by
// both *pager.ReadGuard and *pager.WriteGuard.
type PageReader interface {
	ReadPage(id pager.PageID) ([]byte, error)
}

// PageStore is the write side of a transaction overlay: satisfied by
// *pager.WriteGuard.
type PageStore interface {
	PageReader
	WritePage(id pager.PageID, data []byte)
	AllocatePage(kind pager.Kind) (pager.PageID, *pager.Page)
	FreePage(id pager.PageID)
}

func maxLeafPayload(pageSize int) int {
	return pageSize - pager.HeaderSize - leafDataOff
}

func maxInternalPayload(pageSize int) int {
	return pageSize - pager.HeaderSize - internalDataOff
}

// minLeafPayload/minInternalPayload are the underflow thresholds a
// delete checks against: half of the corresponding max, so borrow and
// merge keep every non-root page at least half full (spec.md §4.2
// "internal_min_fill").
func minLeafPayload(pageSize int) int {
	return maxLeafPayload(pageSize) / 2
}

func minInternalPayload(pageSize int) int {
	return maxInternalPayload(pageSize) / 2
}

// New allocates an empty leaf page and returns its id as the root of a
// brand-new tree.
func New(s PageStore) (pager.PageID, error) {
	id, page := s.AllocatePage(pager.KindBTreeLeaf)
	writeLeaf(page.Data(), nil, 0)
	return id, nil
}

// Get returns every value stored under key. Within a leaf, duplicates
// come newest first, since Put places a new duplicate ahead of the
// existing ones; they are not deduplicated or sorted by value.
func Get(r PageReader, root pager.PageID, key []byte) ([][]byte, error) {
	leafID, err := findLeaf(r, root, key)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for leafID != 0 {
		buf, err := r.ReadPage(leafID)
		if err != nil {
			return nil, err
		}
		entries, next := readLeaf(pager.WrapPage(buf).Data())
		done := false
		for _, e := range entries {
			cmp := bytes.Compare(e.Key, key)
			if cmp == 0 {
				out = append(out, e.Value)
			} else if cmp > 0 {
				done = true
				break
			}
		}
		if done || next == 0 {
			break
		}
		leafID = next
	}
	return out, nil
}

// GetOne is a convenience wrapper for indexes that store at most one
// value per key (node/edge primary indexes, the string dictionary).
func GetOne(r PageReader, root pager.PageID, key []byte) ([]byte, bool, error) {
	vals, err := Get(r, root, key)
	if err != nil {
		return nil, false, err
	}
	if len(vals) == 0 {
		return nil, false, nil
	}
	return vals[0], true, nil
}

func findLeaf(r PageReader, root pager.PageID, key []byte) (pager.PageID, error) {
	id := root
	for {
		buf, err := r.ReadPage(id)
		if err != nil {
			return 0, err
		}
		data := pager.WrapPage(buf).Data()
		if data[nodeTypeOff] == nodeTypeLeaf {
			return id, nil
		}
		node := readInternal(data)
		idx := sort.Search(len(node.keys), func(i int) bool { return bytes.Compare(node.keys[i], key) > 0 })
		id = node.children[idx]
	}
}

func findLeftmostLeaf(r PageReader, root pager.PageID) (pager.PageID, error) {
	id := root
	for {
		buf, err := r.ReadPage(id)
		if err != nil {
			return 0, err
		}
		data := pager.WrapPage(buf).Data()
		if data[nodeTypeOff] == nodeTypeLeaf {
			return id, nil
		}
		node := readInternal(data)
		id = node.children[0]
	}
}

// Range streams every entry with lo <= key <= hi (either bound may be
// nil to mean unbounded) via a lazily-advancing cursor.
func Range(r PageReader, root pager.PageID, lo, hi []byte) (*Cursor, error) {
	var leafID pager.PageID
	var err error
	if lo != nil {
		leafID, err = findLeaf(r, root, lo)
	} else {
		leafID, err = findLeftmostLeaf(r, root)
	}
	if err != nil {
		return nil, err
	}
	return &Cursor{r: r, leafID: leafID, lo: lo, hi: hi}, nil
}

// Cursor walks entries in key order across chained leaves.
type Cursor struct {
	r       PageReader
	leafID  pager.PageID
	entries []Entry
	pos     int
	lo, hi  []byte
	done    bool
}

// Next returns the next entry, or ok=false once the range is exhausted.
func (c *Cursor) Next() (Entry, bool, error) {
	if c.done {
		return Entry{}, false, nil
	}
	for {
		if c.entries == nil {
			if c.leafID == 0 {
				c.done = true
				return Entry{}, false, nil
			}
			buf, err := c.r.ReadPage(c.leafID)
			if err != nil {
				return Entry{}, false, err
			}
			entries, next := readLeaf(pager.WrapPage(buf).Data())
			c.entries = entries
			c.pos = 0
			c.leafID = next
			if len(c.entries) == 0 {
				c.entries = nil
				continue
			}
		}
		for c.pos < len(c.entries) {
			e := c.entries[c.pos]
			c.pos++
			if c.lo != nil && bytes.Compare(e.Key, c.lo) < 0 {
				continue
			}
			if c.hi != nil && bytes.Compare(e.Key, c.hi) > 0 {
				c.done = true
				return Entry{}, false, nil
			}
			return e, true, nil
		}
		c.entries = nil
	}
}

// Put inserts (key, value), splitting nodes as needed, and returns the
// (possibly new) root.
func Put(s PageStore, root pager.PageID, key, value []byte) (pager.PageID, error) {
	split, err := insert(s, root, key, value)
	if err != nil {
		return 0, err
	}
	if split == nil {
		return root, nil
	}
	newRootID, page := s.AllocatePage(pager.KindBTreeInternal)
	writeInternal(page.Data(), internalNode{
		keys:     [][]byte{split.key},
		children: []pager.PageID{root, split.pageID},
	})
	s.WritePage(newRootID, page.Bytes())
	return newRootID, nil
}

// PutMany inserts a batch of already key-sorted entries. Returns
// errs.InvalidArgument if the batch is not sorted.
func PutMany(s PageStore, root pager.PageID, entries []Entry) (pager.PageID, error) {
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i-1].Key, entries[i].Key) > 0 {
			return 0, errs.New("btree.PutMany", errs.InvalidArgument, nil)
		}
	}
	for _, e := range entries {
		var err error
		root, err = Put(s, root, e.Key, e.Value)
		if err != nil {
			return 0, err
		}
	}
	return root, nil
}

type splitResult struct {
	key    []byte
	pageID pager.PageID
}

func insert(s PageStore, id pager.PageID, key, value []byte) (*splitResult, error) {
	buf, err := s.ReadPage(id)
	if err != nil {
		return nil, err
	}
	page := pager.WrapPage(buf)
	if page.Data()[nodeTypeOff] == nodeTypeLeaf {
		return insertLeaf(s, id, page, key, value)
	}
	node := readInternal(page.Data())
	idx := sort.Search(len(node.keys), func(i int) bool { return bytes.Compare(node.keys[i], key) > 0 })
	childSplit, err := insert(s, node.children[idx], key, value)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return insertInternal(s, id, page, node, idx, childSplit)
}

func insertLeaf(s PageStore, id pager.PageID, page *pager.Page, key, value []byte) (*splitResult, error) {
	entries, next := readLeaf(page.Data())
	pos := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) >= 0 })
	entries = append(entries, Entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = Entry{Key: key, Value: value}

	if leafPayloadSize(entries) <= maxLeafPayload(len(page.Bytes())) {
		writeLeaf(page.Data(), entries, next)
		s.WritePage(id, page.Bytes())
		return nil, nil
	}

	mid := len(entries) / 2
	left := entries[:mid]
	right := append([]Entry(nil), entries[mid:]...)

	newID, newPage := s.AllocatePage(pager.KindBTreeLeaf)
	writeLeaf(newPage.Data(), right, next)
	s.WritePage(newID, newPage.Bytes())

	writeLeaf(page.Data(), left, newID)
	s.WritePage(id, page.Bytes())

	return &splitResult{key: right[0].Key, pageID: newID}, nil
}

func insertInternal(s PageStore, id pager.PageID, page *pager.Page, node internalNode, idx int, split *splitResult) (*splitResult, error) {
	node.keys = append(node.keys, nil)
	copy(node.keys[idx+1:], node.keys[idx:])
	node.keys[idx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[idx+2:], node.children[idx+1:])
	node.children[idx+1] = split.pageID

	if internalPayloadSize(node) <= maxInternalPayload(len(page.Bytes())) {
		writeInternal(page.Data(), node)
		s.WritePage(id, page.Bytes())
		return nil, nil
	}

	mid := len(node.keys) / 2
	pushUp := node.keys[mid]

	left := internalNode{keys: append([][]byte(nil), node.keys[:mid]...), children: append([]pager.PageID(nil), node.children[:mid+1]...)}
	right := internalNode{keys: append([][]byte(nil), node.keys[mid+1:]...), children: append([]pager.PageID(nil), node.children[mid+1:]...)}

	newID, newPage := s.AllocatePage(pager.KindBTreeInternal)
	writeInternal(newPage.Data(), right)
	s.WritePage(newID, newPage.Bytes())

	writeInternal(page.Data(), left)
	s.WritePage(id, page.Bytes())

	return &splitResult{key: pushUp, pageID: newID}, nil
}

// Delete removes the (key, value) pair, rebalancing any page that
// drops below its minimum fill by borrowing from a sibling or merging
// with one (spec.md §4.2). Returns the (possibly new) root: the root
// page id changes when an internal root collapses to its one
// remaining child. Returns (found=false) if no matching entry exists.
func Delete(s PageStore, root pager.PageID, key, value []byte) (pager.PageID, bool, error) {
	found, _, err := deleteRec(s, root, key, value)
	if err != nil || !found {
		return root, found, err
	}

	buf, err := s.ReadPage(root)
	if err != nil {
		return root, true, err
	}
	data := pager.WrapPage(buf).Data()
	if data[nodeTypeOff] == nodeTypeInternal {
		node := readInternal(data)
		if len(node.keys) == 0 {
			newRoot := node.children[0]
			s.FreePage(root)
			return newRoot, true, nil
		}
	}
	return root, true, nil
}

// deleteRec removes (key, value) from the subtree rooted at id and
// reports whether that subtree's root page is now underfull, so the
// caller can rebalance it against a sibling before returning further
// up the recursion.
func deleteRec(s PageStore, id pager.PageID, key, value []byte) (found bool, underflow bool, err error) {
	buf, err := s.ReadPage(id)
	if err != nil {
		return false, false, err
	}
	page := pager.WrapPage(buf)

	if page.Data()[nodeTypeOff] == nodeTypeLeaf {
		entries, next := readLeaf(page.Data())
		idx := -1
		for i, e := range entries {
			if bytes.Equal(e.Key, key) && bytes.Equal(e.Value, value) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false, false, nil
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		writeLeaf(page.Data(), entries, next)
		s.WritePage(id, page.Bytes())
		return true, leafPayloadSize(entries) < minLeafPayload(len(page.Bytes())), nil
	}

	node := readInternal(page.Data())
	childIdx := sort.Search(len(node.keys), func(i int) bool { return bytes.Compare(node.keys[i], key) > 0 })
	found, childUnderflow, err := deleteRec(s, node.children[childIdx], key, value)
	if err != nil || !found || !childUnderflow {
		return found, false, err
	}

	underflow, err = rebalanceChild(s, id, page, node, childIdx)
	return true, underflow, err
}

// rebalanceChild restores node.children[idx]'s minimum fill after a
// delete left it underfull, by borrowing an entry from an adjacent
// sibling or, failing that, merging with one. Reports whether the
// parent page itself is now underfull (only possible after a merge,
// which removes one of the parent's keys/children).
func rebalanceChild(s PageStore, parentID pager.PageID, parentPage *pager.Page, parent internalNode, idx int) (bool, error) {
	childBuf, err := s.ReadPage(parent.children[idx])
	if err != nil {
		return false, err
	}
	if pager.WrapPage(childBuf).Data()[nodeTypeOff] == nodeTypeLeaf {
		return rebalanceLeafChild(s, parentID, parentPage, parent, idx)
	}
	return rebalanceInternalChild(s, parentID, parentPage, parent, idx)
}

func rebalanceLeafChild(s PageStore, parentID pager.PageID, parentPage *pager.Page, parent internalNode, idx int) (bool, error) {
	pageSize := len(parentPage.Bytes())
	childID := parent.children[idx]
	childBuf, err := s.ReadPage(childID)
	if err != nil {
		return false, err
	}
	childPage := pager.WrapPage(childBuf)
	childEntries, childNext := readLeaf(childPage.Data())

	if idx > 0 {
		leftID := parent.children[idx-1]
		leftBuf, err := s.ReadPage(leftID)
		if err != nil {
			return false, err
		}
		leftPage := pager.WrapPage(leftBuf)
		leftEntries, _ := readLeaf(leftPage.Data())
		if len(leftEntries) > 1 && leafPayloadSize(leftEntries[:len(leftEntries)-1]) >= minLeafPayload(pageSize) {
			borrow := leftEntries[len(leftEntries)-1]
			leftEntries = leftEntries[:len(leftEntries)-1]
			childEntries = append([]Entry{borrow}, childEntries...)

			writeLeaf(leftPage.Data(), leftEntries, childID)
			s.WritePage(leftID, leftPage.Bytes())
			writeLeaf(childPage.Data(), childEntries, childNext)
			s.WritePage(childID, childPage.Bytes())

			parent.keys[idx-1] = childEntries[0].Key
			writeInternal(parentPage.Data(), parent)
			s.WritePage(parentID, parentPage.Bytes())
			return false, nil
		}
	}

	if idx < len(parent.children)-1 {
		rightID := parent.children[idx+1]
		rightBuf, err := s.ReadPage(rightID)
		if err != nil {
			return false, err
		}
		rightPage := pager.WrapPage(rightBuf)
		rightEntries, rightNext := readLeaf(rightPage.Data())
		if len(rightEntries) > 1 && leafPayloadSize(rightEntries[1:]) >= minLeafPayload(pageSize) {
			borrow := rightEntries[0]
			rightEntries = rightEntries[1:]
			childEntries = append(childEntries, borrow)

			writeLeaf(rightPage.Data(), rightEntries, rightNext)
			s.WritePage(rightID, rightPage.Bytes())
			writeLeaf(childPage.Data(), childEntries, childNext)
			s.WritePage(childID, childPage.Bytes())

			parent.keys[idx] = rightEntries[0].Key
			writeInternal(parentPage.Data(), parent)
			s.WritePage(parentID, parentPage.Bytes())
			return false, nil
		}
	}

	if idx > 0 {
		leftID := parent.children[idx-1]
		leftBuf, err := s.ReadPage(leftID)
		if err != nil {
			return false, err
		}
		leftPage := pager.WrapPage(leftBuf)
		leftEntries, _ := readLeaf(leftPage.Data())
		merged := append(leftEntries, childEntries...)
		writeLeaf(leftPage.Data(), merged, childNext)
		s.WritePage(leftID, leftPage.Bytes())
		s.FreePage(childID)

		parent.keys = append(parent.keys[:idx-1], parent.keys[idx:]...)
		parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
	} else {
		rightID := parent.children[idx+1]
		rightBuf, err := s.ReadPage(rightID)
		if err != nil {
			return false, err
		}
		rightPage := pager.WrapPage(rightBuf)
		rightEntries, rightNext := readLeaf(rightPage.Data())
		merged := append(childEntries, rightEntries...)
		writeLeaf(childPage.Data(), merged, rightNext)
		s.WritePage(childID, childPage.Bytes())
		s.FreePage(rightID)

		parent.keys = append(parent.keys[:idx], parent.keys[idx+1:]...)
		parent.children = append(parent.children[:idx+1], parent.children[idx+2:]...)
	}

	writeInternal(parentPage.Data(), parent)
	s.WritePage(parentID, parentPage.Bytes())
	return internalPayloadSize(parent) < minInternalPayload(pageSize), nil
}

func rebalanceInternalChild(s PageStore, parentID pager.PageID, parentPage *pager.Page, parent internalNode, idx int) (bool, error) {
	pageSize := len(parentPage.Bytes())
	childID := parent.children[idx]
	childBuf, err := s.ReadPage(childID)
	if err != nil {
		return false, err
	}
	childPage := pager.WrapPage(childBuf)
	child := readInternal(childPage.Data())

	if idx > 0 {
		leftID := parent.children[idx-1]
		leftBuf, err := s.ReadPage(leftID)
		if err != nil {
			return false, err
		}
		leftPage := pager.WrapPage(leftBuf)
		left := readInternal(leftPage.Data())
		if len(left.keys) > 0 {
			candidate := internalNode{keys: left.keys[:len(left.keys)-1], children: left.children[:len(left.children)-1]}
			if internalPayloadSize(candidate) >= minInternalPayload(pageSize) {
				borrowedChild := left.children[len(left.children)-1]
				borrowedKey := left.keys[len(left.keys)-1]

				child.keys = append([][]byte{parent.keys[idx-1]}, child.keys...)
				child.children = append([]pager.PageID{borrowedChild}, child.children...)

				left.keys = left.keys[:len(left.keys)-1]
				left.children = left.children[:len(left.children)-1]

				parent.keys[idx-1] = borrowedKey

				writeInternal(leftPage.Data(), left)
				s.WritePage(leftID, leftPage.Bytes())
				writeInternal(childPage.Data(), child)
				s.WritePage(childID, childPage.Bytes())
				writeInternal(parentPage.Data(), parent)
				s.WritePage(parentID, parentPage.Bytes())
				return false, nil
			}
		}
	}

	if idx < len(parent.children)-1 {
		rightID := parent.children[idx+1]
		rightBuf, err := s.ReadPage(rightID)
		if err != nil {
			return false, err
		}
		rightPage := pager.WrapPage(rightBuf)
		right := readInternal(rightPage.Data())
		if len(right.keys) > 0 {
			candidate := internalNode{keys: right.keys[1:], children: right.children[1:]}
			if internalPayloadSize(candidate) >= minInternalPayload(pageSize) {
				borrowedChild := right.children[0]
				borrowedKey := right.keys[0]

				child.keys = append(child.keys, parent.keys[idx])
				child.children = append(child.children, borrowedChild)

				right.keys = right.keys[1:]
				right.children = right.children[1:]

				parent.keys[idx] = borrowedKey

				writeInternal(rightPage.Data(), right)
				s.WritePage(rightID, rightPage.Bytes())
				writeInternal(childPage.Data(), child)
				s.WritePage(childID, childPage.Bytes())
				writeInternal(parentPage.Data(), parent)
				s.WritePage(parentID, parentPage.Bytes())
				return false, nil
			}
		}
	}

	if idx > 0 {
		leftID := parent.children[idx-1]
		leftBuf, err := s.ReadPage(leftID)
		if err != nil {
			return false, err
		}
		leftPage := pager.WrapPage(leftBuf)
		left := readInternal(leftPage.Data())

		merged := internalNode{
			keys:     append(append(append([][]byte(nil), left.keys...), parent.keys[idx-1]), child.keys...),
			children: append(append([]pager.PageID(nil), left.children...), child.children...),
		}
		writeInternal(leftPage.Data(), merged)
		s.WritePage(leftID, leftPage.Bytes())
		s.FreePage(childID)

		parent.keys = append(parent.keys[:idx-1], parent.keys[idx:]...)
		parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
	} else {
		rightID := parent.children[idx+1]
		rightBuf, err := s.ReadPage(rightID)
		if err != nil {
			return false, err
		}
		rightPage := pager.WrapPage(rightBuf)
		right := readInternal(rightPage.Data())

		merged := internalNode{
			keys:     append(append(append([][]byte(nil), child.keys...), parent.keys[idx]), right.keys...),
			children: append(append([]pager.PageID(nil), child.children...), right.children...),
		}
		writeInternal(childPage.Data(), merged)
		s.WritePage(childID, childPage.Bytes())
		s.FreePage(rightID)

		parent.keys = append(parent.keys[:idx], parent.keys[idx+1:]...)
		parent.children = append(parent.children[:idx+1], parent.children[idx+2:]...)
	}

	writeInternal(parentPage.Data(), parent)
	s.WritePage(parentID, parentPage.Bytes())
	return internalPayloadSize(parent) < minInternalPayload(pageSize), nil
}
