package graph

import (
	"encoding/binary"

	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/errs"
	"github.com/sombra/sombra/pager"
)

// envelope wraps a record with the hidden MVCC pair spec.md §4.3
// "MVCC" describes: created_lsn/deleted_lsn (0 = unset), plus a
// tombstone flag so a delete can be represented without a record body.
type envelope struct {
	CreatedLSN uint64
	DeletedLSN uint64
	Tombstone  bool
	Body       []byte
}

func encodeEnvelope(e envelope) []byte {
	buf := make([]byte, 17+len(e.Body))
	binary.BigEndian.PutUint64(buf[0:8], e.CreatedLSN)
	binary.BigEndian.PutUint64(buf[8:16], e.DeletedLSN)
	if e.Tombstone {
		buf[16] = 1
	}
	copy(buf[17:], e.Body)
	return buf
}

func decodeEnvelope(b []byte) (envelope, error) {
	if len(b) < 17 {
		return envelope{}, errs.New("graph.decodeEnvelope", errs.Corruption, nil)
	}
	return envelope{
		CreatedLSN: binary.BigEndian.Uint64(b[0:8]),
		DeletedLSN: binary.BigEndian.Uint64(b[8:16]),
		Tombstone:  b[16] != 0,
		Body:       b[17:],
	}, nil
}

// visible reports whether e is observable at snapshot LSN s (spec.md
// §4.3 "created_lsn <= S < deleted_lsn").
func (e envelope) visible(s uint64) bool {
	if e.CreatedLSN > s {
		return false
	}
	if e.DeletedLSN != 0 && s >= e.DeletedLSN {
		return false
	}
	return true
}

// versionKey builds the (RecordId, version_lsn_desc) key spec.md §9
// prescribes for the secondary version chain: the LSN is bit-complemented
// so ascending byte order walks versions newest-first.
func versionKey(id uint64, lsn uint64) []byte {
	return btree.Concat(btree.EncodeUint64(id), btree.EncodeUint64(^lsn))
}

// versionKeyPrefix returns the prefix that bounds a range scan over
// every version of id.
func versionKeyPrefix(id uint64) []byte {
	return btree.EncodeUint64(id)
}

// pushVersion archives the current primary envelope into the
// secondary chain before a new one replaces it in the primary tree.
func pushVersion(wg *pager.WriteGuard, chainRoot pager.PageID, id uint64, old envelope) (pager.PageID, error) {
	key := versionKey(id, old.CreatedLSN)
	return btree.Put(wg, chainRoot, key, encodeEnvelope(old))
}

// findVisibleVersion walks the secondary chain for id looking for the
// first (i.e. newest) version visible at snapshot s.
func findVisibleVersion(r btree.PageReader, chainRoot pager.PageID, id uint64, s uint64) (envelope, bool, error) {
	lo := btree.Concat(btree.EncodeUint64(id), btree.EncodeUint64(0))
	hi := btree.Concat(btree.EncodeUint64(id), btree.EncodeUint64(^uint64(0)))
	cur, err := btree.Range(r, chainRoot, lo, hi)
	if err != nil {
		return envelope{}, false, err
	}
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return envelope{}, false, err
		}
		if !ok {
			return envelope{}, false, nil
		}
		env, err := decodeEnvelope(e.Value)
		if err != nil {
			return envelope{}, false, err
		}
		if env.visible(s) {
			return env, true, nil
		}
	}
}
