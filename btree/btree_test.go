package btree_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/pager"
)

func openMemPager(t *testing.T) *pager.Pager {
	t.Helper()
	opts := pager.Options{PageSize: 512, CachePages: 64}
	p, err := pager.OpenMemory(opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBTreeGetPutRoundTrip(t *testing.T) {
	p := openMemPager(t)
	wg, err := p.BeginWrite()
	require.NoError(t, err)

	root, err := btree.New(wg)
	require.NoError(t, err)

	root, err = btree.Put(wg, root, btree.EncodeUint64(1), []byte("one"))
	require.NoError(t, err)
	root, err = btree.Put(wg, root, btree.EncodeUint64(2), []byte("two"))
	require.NoError(t, err)

	val, ok, err := btree.GetOne(wg, root, btree.EncodeUint64(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", string(val))

	_, err = wg.Commit()
	require.NoError(t, err)
}

func TestBTreeSplitsAcrossManyKeys(t *testing.T) {
	p := openMemPager(t)
	wg, err := p.BeginWrite()
	require.NoError(t, err)

	root, err := btree.New(wg)
	require.NoError(t, err)

	const n = 500
	for i := 0; i < n; i++ {
		root, err = btree.Put(wg, root, btree.EncodeUint64(uint64(i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		val, ok, err := btree.GetOne(wg, root, btree.EncodeUint64(uint64(i)))
		require.NoError(t, err)
		require.True(t, ok, "missing key %d", i)
		require.Equal(t, fmt.Sprintf("v%d", i), string(val))
	}

	cur, err := btree.Range(wg, root, nil, nil)
	require.NoError(t, err)
	count := 0
	for {
		_, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, n, count)
}

func TestBTreeDeleteAndDuplicateKeys(t *testing.T) {
	p := openMemPager(t)
	wg, err := p.BeginWrite()
	require.NoError(t, err)

	root, err := btree.New(wg)
	require.NoError(t, err)

	key := btree.EncodeString("s:oracle")
	root, err = btree.Put(wg, root, key, btree.EncodeUint64(1))
	require.NoError(t, err)
	root, err = btree.Put(wg, root, key, btree.EncodeUint64(4))
	require.NoError(t, err)

	vals, err := btree.Get(wg, root, key)
	require.NoError(t, err)
	require.Len(t, vals, 2)

	root, found, err := btree.Delete(wg, root, key, btree.EncodeUint64(1))
	require.NoError(t, err)
	require.True(t, found)

	vals, err = btree.Get(wg, root, key)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.Equal(t, uint64(4), btree.DecodeUint64(vals[0]))

	root, found, err = btree.Delete(wg, root, key, btree.EncodeUint64(999))
	require.NoError(t, err)
	require.False(t, found)
	_ = root
}

func TestBTreeRangeBounds(t *testing.T) {
	p := openMemPager(t)
	wg, err := p.BeginWrite()
	require.NoError(t, err)

	root, err := btree.New(wg)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		root, err = btree.Put(wg, root, btree.EncodeUint64(uint64(i)), nil)
		require.NoError(t, err)
	}

	cur, err := btree.Range(wg, root, btree.EncodeUint64(5), btree.EncodeUint64(9))
	require.NoError(t, err)
	var got []uint64
	for {
		e, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, btree.DecodeUint64(e.Key))
	}
	require.Equal(t, []uint64{5, 6, 7, 8, 9}, got)
}

func TestBTreePutManyRejectsUnsorted(t *testing.T) {
	p := openMemPager(t)
	wg, err := p.BeginWrite()
	require.NoError(t, err)

	root, err := btree.New(wg)
	require.NoError(t, err)

	_, err = btree.PutMany(wg, root, []btree.Entry{
		{Key: btree.EncodeUint64(2), Value: nil},
		{Key: btree.EncodeUint64(1), Value: nil},
	})
	require.Error(t, err)
}

func TestCodecOrdering(t *testing.T) {
	require.True(t, string(btree.EncodeInt64(-5)) < string(btree.EncodeInt64(5)))
	require.True(t, string(btree.EncodeInt64(-100)) < string(btree.EncodeInt64(-5)))
	require.True(t, string(btree.EncodeFloat64(-1.5)) < string(btree.EncodeFloat64(2.5)))
	require.True(t, string(btree.EncodeFloat64(-100.0)) < string(btree.EncodeFloat64(-1.5)))
}
