package graph

import (
	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/pager"
)

// Intern maps name to a small integer id, allocating a new one on
// first use (spec.md §4.3 "String dictionary": "IDs are monotonic;
// intern is idempotent").
func Intern(wg *pager.WriteGuard, name string) (uint32, error) {
	meta := wg.Meta()
	key := btree.EncodeString(name)
	if val, ok, err := btree.GetOne(wg, meta.Roots.Dict, key); err != nil {
		return 0, err
	} else if ok {
		return uint32(btree.DecodeUint64(val)), nil
	}

	id := meta.NextDictID
	meta.NextDictID++

	root, err := btree.Put(wg, meta.Roots.Dict, key, btree.EncodeUint64(id))
	if err != nil {
		return 0, err
	}
	meta.Roots.Dict = root

	revRoot, err := btree.Put(wg, meta.Roots.DictRev, btree.EncodeUint64(id), []byte(name))
	if err != nil {
		return 0, err
	}
	meta.Roots.DictRev = revRoot

	return uint32(id), nil
}

// LookupID returns the id interned for name, if any.
func LookupID(r btree.PageReader, dictRoot pager.PageID, name string) (uint32, bool, error) {
	val, ok, err := btree.GetOne(r, dictRoot, btree.EncodeString(name))
	if err != nil || !ok {
		return 0, ok, err
	}
	return uint32(btree.DecodeUint64(val)), true, nil
}

// LookupName reverses LookupID.
func LookupName(r btree.PageReader, dictRevRoot pager.PageID, id uint32) (string, bool, error) {
	val, ok, err := btree.GetOne(r, dictRevRoot, btree.EncodeUint64(uint64(id)))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(val), true, nil
}
