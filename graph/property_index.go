package graph

import (
	"bytes"

	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/pager"
)

// PropertyIndexKind distinguishes an equality-only index from one that
// also supports range scans (spec.md §4.3 "Property indexes"). Both
// store identical postings; kind only gates which query methods are
// considered valid against it.
type PropertyIndexKind byte

const (
	PropertyIndexEquality PropertyIndexKind = iota
	PropertyIndexRange
)

// propertyIndexDef is the decoded catalog entry for one (label, prop)
// index definition.
type propertyIndexDef struct {
	IndexID uint32
	Kind    PropertyIndexKind
}

func catalogKey(labelID, propID uint32) []byte {
	return btree.Concat(btree.EncodeUint64(uint64(labelID)), btree.EncodeUint64(uint64(propID)))
}

func encodeCatalogEntry(d propertyIndexDef) []byte {
	buf := btree.EncodeUint64(uint64(d.IndexID))
	return append(buf, byte(d.Kind))
}

func decodeCatalogEntry(b []byte) propertyIndexDef {
	return propertyIndexDef{IndexID: uint32(btree.DecodeUint64(b[:8])), Kind: PropertyIndexKind(b[8])}
}

// postingKey composes (indexID, encodedValue, nodeID): the equality
// lookup and range scan both range-scan a prefix of this key (spec.md
// §4.3 "Property indexes: postings keyed by (value, node)").
func postingKey(indexID uint32, encodedValue []byte, nodeID uint64) []byte {
	return btree.Concat(btree.EncodeUint64(uint64(indexID)), btree.EncodeUint64(uint64(len(encodedValue))), encodedValue, btree.EncodeUint64(nodeID))
}

func postingPrefix(indexID uint32, encodedValue []byte) []byte {
	return btree.Concat(btree.EncodeUint64(uint64(indexID)), btree.EncodeUint64(uint64(len(encodedValue))), encodedValue)
}

// CreatePropertyIndex registers a (label, prop) index of the given
// kind, allocating a fresh IndexId and backfilling postings for every
// node currently carrying label with a value for prop (spec.md §6
// "create_property_index"). Re-creating an existing (label, prop)
// index is a no-op that returns the existing IndexId.
func (g *Graph) CreatePropertyIndex(wg *pager.WriteGuard, label, prop string, kind PropertyIndexKind) (uint32, error) {
	meta := wg.Meta()

	labelID, err := Intern(wg, label)
	if err != nil {
		return 0, err
	}
	propID, err := Intern(wg, prop)
	if err != nil {
		return 0, err
	}

	ckey := catalogKey(labelID, propID)
	if existing, ok, err := btree.GetOne(wg, meta.Roots.PropCatalog, ckey); err != nil {
		return 0, err
	} else if ok {
		return decodeCatalogEntry(existing).IndexID, nil
	}

	indexID := meta.NextPropIndexID
	meta.NextPropIndexID++

	catalogRoot, err := btree.Put(wg, meta.Roots.PropCatalog, ckey, encodeCatalogEntry(propertyIndexDef{IndexID: indexID, Kind: kind}))
	if err != nil {
		return 0, err
	}
	meta.Roots.PropCatalog = catalogRoot

	nodeIDs, err := g.NodesWithLabel(wg, label)
	if err != nil {
		return 0, err
	}
	for _, nodeID := range nodeIDs {
		rec, ok, err := g.GetNode(wg, nodeID)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		v, ok := rec.Props[propID]
		if !ok {
			continue
		}
		propsRoot, err := btree.Put(wg, meta.Roots.Props, postingKey(indexID, encodeValue(v), nodeID), nil)
		if err != nil {
			return 0, err
		}
		meta.Roots.Props = propsRoot
	}

	return indexID, nil
}

// lookupPropertyIndex resolves the catalog entry for (label, prop), if
// any index has been created over it.
func lookupPropertyIndex(r btree.PageReader, roots pager.BTreeRoots, label, prop string) (propertyIndexDef, bool, error) {
	labelID, ok, err := LookupID(r, roots.Dict, label)
	if err != nil || !ok {
		return propertyIndexDef{}, false, err
	}
	propID, ok, err := LookupID(r, roots.Dict, prop)
	if err != nil || !ok {
		return propertyIndexDef{}, false, err
	}
	val, ok, err := btree.GetOne(r, roots.PropCatalog, catalogKey(labelID, propID))
	if err != nil || !ok {
		return propertyIndexDef{}, false, err
	}
	return decodeCatalogEntry(val), true, nil
}

// maintainPropertyIndexes updates every created index over (label,
// prop) combinations touched by a node write. Called from CreateNode
// and UpdateNode so postings stay in sync without the caller needing
// to know which properties are indexed.
func (g *Graph) maintainPropertyIndexes(wg *pager.WriteGuard, labelIDs []uint32, old, updated propMap, nodeID uint64) error {
	meta := wg.Meta()
	for _, labelID := range labelIDs {
		cur, err := btree.Range(wg, meta.Roots.PropCatalog, catalogKey(labelID, 0), catalogKey(labelID, ^uint32(0)))
		if err != nil {
			return err
		}
		for {
			e, ok, err := cur.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			propID := uint32(btree.DecodeUint64(e.Key[8:16]))
			def := decodeCatalogEntry(e.Value)

			oldV, hadOld := old[propID]
			newV, hasNew := updated[propID]
			if hadOld && (!hasNew || !valueEqual(oldV, newV)) {
				root, _, err := btree.Delete(wg, meta.Roots.Props, postingKey(def.IndexID, encodeValue(oldV), nodeID), nil)
				if err != nil {
					return err
				}
				meta.Roots.Props = root
			}
			if hasNew && (!hadOld || !valueEqual(oldV, newV)) {
				root, err := btree.Put(wg, meta.Roots.Props, postingKey(def.IndexID, encodeValue(newV), nodeID), nil)
				if err != nil {
					return err
				}
				meta.Roots.Props = root
			}
		}
	}
	return nil
}

func valueEqual(a, b Value) bool {
	return bytes.Equal(encodeValue(a), encodeValue(b))
}

// PropertyScanEq returns every NodeId whose (label, prop) value equals
// v (spec.md §6 "property_scan_eq").
func (g *Graph) PropertyScanEq(s Snapshot, label, prop string, v Value) ([]uint64, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	def, ok, err := lookupPropertyIndex(s, roots, label, prop)
	if err != nil || !ok {
		return nil, err
	}
	prefix := postingPrefix(def.IndexID, encodeValue(v))
	return scanPostings(s, roots, prefix, prefix)
}

// PropertyScanRange returns every NodeId whose (label, prop) value
// falls in [lo, hi] (spec.md §6 "property_scan_range"); only valid
// against a PropertyIndexRange index.
func (g *Graph) PropertyScanRange(s Snapshot, label, prop string, lo, hi Value) ([]uint64, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	def, ok, err := lookupPropertyIndex(s, roots, label, prop)
	if err != nil || !ok {
		return nil, err
	}
	if def.Kind != PropertyIndexRange {
		return nil, nil
	}
	loKey := btree.Concat(btree.EncodeUint64(uint64(def.IndexID)), btree.EncodeUint64(uint64(len(encodeValue(lo)))), encodeValue(lo))
	hiKey := btree.Concat(btree.EncodeUint64(uint64(def.IndexID)), btree.EncodeUint64(uint64(len(encodeValue(hi)))), encodeValue(hi), btree.EncodeUint64(^uint64(0)))
	return scanPostings(s, roots, loKey, hiKey)
}

func scanPostings(s Snapshot, roots pager.BTreeRoots, lo, hi []byte) ([]uint64, error) {
	cur, err := btree.Range(s, roots.Props, lo, hi)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		nodeID := btree.DecodeUint64(e.Key[len(e.Key)-8:])
		if _, found, err := lookupEnvelope(s, roots.Nodes, roots.NodeVersions, nodeID, s.LSN()); err != nil {
			return nil, err
		} else if found {
			out = append(out, nodeID)
		}
	}
}

// intersectSorted merges two ascending NodeId streams into their
// intersection in one pass (spec.md §4.3 "intersect_sorted").
func intersectSorted(a, b []uint64) []uint64 {
	var out []uint64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
