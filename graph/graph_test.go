package graph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sombra/sombra/graph"
	"github.com/sombra/sombra/pager"
)

func openMemGraph(t *testing.T) (*pager.Pager, *graph.Graph) {
	t.Helper()
	p, err := pager.OpenMemory(pager.Options{PageSize: 512, CachePages: 64})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	g, err := graph.Open(p, graph.DefaultOptions())
	require.NoError(t, err)
	return p, g
}

// TestStarGraphNeighborsAndDegree is scenario E1 of spec.md §8: one
// center node with ten CONNECTED out-edges to distinct leaves.
func TestStarGraphNeighborsAndDegree(t *testing.T) {
	p, g := openMemGraph(t)

	wg, err := p.BeginWrite()
	require.NoError(t, err)
	center, err := g.CreateNode(wg, nil, nil)
	require.NoError(t, err)
	leaves := make([]uint64, 10)
	for i := range leaves {
		leaves[i], err = g.CreateNode(wg, nil, nil)
		require.NoError(t, err)
	}
	for _, leaf := range leaves {
		_, err := g.CreateEdge(wg, center, leaf, "CONNECTED", nil)
		require.NoError(t, err)
	}
	_, err = wg.Commit()
	require.NoError(t, err)

	rg, err := p.BeginRead()
	require.NoError(t, err)
	defer rg.Drop()

	out, err := g.Neighbors(rg, center, graph.Out, graph.NeighborOptions{})
	require.NoError(t, err)
	require.Len(t, out, 10)

	degree, err := g.Degree(rg, center, graph.Out, "")
	require.NoError(t, err)
	require.Equal(t, 10, degree)

	for _, leaf := range leaves {
		in, err := g.Neighbors(rg, leaf, graph.In, graph.NeighborOptions{})
		require.NoError(t, err)
		require.Len(t, in, 1)
		require.Equal(t, center, in[0].Neighbor)
	}
}

// TestTwoHopDiamondIsDistinct is scenario E2 of spec.md §8: a->b,
// a->c, b->d, c->d. Two-hop reachability from a, composed out of two
// Neighbors calls (there is no dedicated two-hop API), must collapse
// to the single distinct node d.
func TestTwoHopDiamondIsDistinct(t *testing.T) {
	p, g := openMemGraph(t)

	wg, err := p.BeginWrite()
	require.NoError(t, err)
	a, err := g.CreateNode(wg, nil, nil)
	require.NoError(t, err)
	b, err := g.CreateNode(wg, nil, nil)
	require.NoError(t, err)
	c, err := g.CreateNode(wg, nil, nil)
	require.NoError(t, err)
	d, err := g.CreateNode(wg, nil, nil)
	require.NoError(t, err)
	for _, e := range [][2]uint64{{a, b}, {a, c}, {b, d}, {c, d}} {
		_, err := g.CreateEdge(wg, e[0], e[1], "CONNECTED", nil)
		require.NoError(t, err)
	}
	_, err = wg.Commit()
	require.NoError(t, err)

	rg, err := p.BeginRead()
	require.NoError(t, err)
	defer rg.Drop()

	firstHop, err := g.Neighbors(rg, a, graph.Out, graph.NeighborOptions{})
	require.NoError(t, err)
	require.Len(t, firstHop, 2)

	twoHop := make(map[uint64]bool)
	for _, n := range firstHop {
		secondHop, err := g.Neighbors(rg, n.Neighbor, graph.Out, graph.NeighborOptions{})
		require.NoError(t, err)
		for _, m := range secondHop {
			twoHop[m.Neighbor] = true
		}
	}
	require.Equal(t, map[uint64]bool{d: true}, twoHop)
}

// TestMVCCVisibilityAcrossReaders is scenario E3 of spec.md §8: three
// readers opened between three successive updates must each keep
// seeing the value that was committed at the time they opened.
func TestMVCCVisibilityAcrossReaders(t *testing.T) {
	p, g := openMemGraph(t)

	wg1, err := p.BeginWrite()
	require.NoError(t, err)
	id, err := g.CreateNode(wg1, nil, map[string]graph.Value{"value": graph.IntValue(1)})
	require.NoError(t, err)
	_, err = wg1.Commit()
	require.NoError(t, err)

	r1, err := p.BeginRead()
	require.NoError(t, err)
	defer r1.Drop()

	propID, err := internedPropID(p, "value")
	require.NoError(t, err)

	wg2, err := p.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, g.UpdateNode(wg2, id, graph.PropPatch{graph.SetOp(propID, graph.IntValue(2))}))
	_, err = wg2.Commit()
	require.NoError(t, err)

	r2, err := p.BeginRead()
	require.NoError(t, err)
	defer r2.Drop()

	wg3, err := p.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, g.UpdateNode(wg3, id, graph.PropPatch{graph.SetOp(propID, graph.IntValue(3))}))
	_, err = wg3.Commit()
	require.NoError(t, err)

	r3, err := p.BeginRead()
	require.NoError(t, err)
	defer r3.Drop()

	requireNodeValue(t, g, r1, id, propID, 1)
	requireNodeValue(t, g, r2, id, propID, 2)
	requireNodeValue(t, g, r3, id, propID, 3)
}

// TestSnapshotIsolationOfDelete is scenario E4 of spec.md §8: a
// reader opened before a delete keeps seeing the node; only a reader
// opened after the delete commits sees it gone.
func TestSnapshotIsolationOfDelete(t *testing.T) {
	p, g := openMemGraph(t)

	wg, err := p.BeginWrite()
	require.NoError(t, err)
	id, err := g.CreateNode(wg, nil, nil)
	require.NoError(t, err)
	_, err = wg.Commit()
	require.NoError(t, err)

	r, err := p.BeginRead()
	require.NoError(t, err)

	wg2, err := p.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, g.DeleteNode(wg2, id))
	_, err = wg2.Commit()
	require.NoError(t, err)

	_, ok, err := g.GetNode(r, id)
	require.NoError(t, err)
	require.True(t, ok, "a reader opened before the delete must still see the node")
	r.Drop()

	r2, err := p.BeginRead()
	require.NoError(t, err)
	defer r2.Drop()
	_, ok, err = g.GetNode(r2, id)
	require.NoError(t, err)
	require.False(t, ok, "a reader opened after the delete commits must not see the node")
}

// TestAdjacencyMirrorsMatch is property 4 of spec.md §8: every forward
// adjacency entry has a matching reverse entry, and deleting the edge
// removes both sides of the mirror.
func TestAdjacencyMirrorsMatch(t *testing.T) {
	p, g := openMemGraph(t)

	wg, err := p.BeginWrite()
	require.NoError(t, err)
	src, err := g.CreateNode(wg, nil, nil)
	require.NoError(t, err)
	dst, err := g.CreateNode(wg, nil, nil)
	require.NoError(t, err)
	edgeID, err := g.CreateEdge(wg, src, dst, "CONNECTED", nil)
	require.NoError(t, err)
	_, err = wg.Commit()
	require.NoError(t, err)

	rg, err := p.BeginRead()
	require.NoError(t, err)

	fwd, err := g.DebugCollectAdjFwd(rg, src)
	require.NoError(t, err)
	require.Len(t, fwd, 1)
	require.Equal(t, dst, fwd[0].Neighbor)
	require.Equal(t, edgeID, fwd[0].EdgeID)

	rev, err := g.DebugCollectAdjRev(rg, dst)
	require.NoError(t, err)
	require.Len(t, rev, 1)
	require.Equal(t, src, rev[0].Neighbor)
	require.Equal(t, edgeID, rev[0].EdgeID)
	rg.Drop()

	wg2, err := p.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, g.DeleteEdge(wg2, edgeID))
	_, err = wg2.Commit()
	require.NoError(t, err)

	rg2, err := p.BeginRead()
	require.NoError(t, err)
	defer rg2.Drop()

	fwd, err = g.DebugCollectAdjFwd(rg2, src)
	require.NoError(t, err)
	require.Empty(t, fwd)
	rev, err = g.DebugCollectAdjRev(rg2, dst)
	require.NoError(t, err)
	require.Empty(t, rev)
}

// TestVacuumReclaimsWithoutDisturbingLiveReads is property 7 of
// spec.md §8: with no reader open, vacuuming after a delete reclaims
// the archived version chain entry, a reader opened afterwards still
// sees the node as deleted, and a full Verify reports no findings.
func TestVacuumReclaimsWithoutDisturbingLiveReads(t *testing.T) {
	p, g := openMemGraph(t)

	wg, err := p.BeginWrite()
	require.NoError(t, err)
	id, err := g.CreateNode(wg, nil, map[string]graph.Value{"value": graph.IntValue(1)})
	require.NoError(t, err)
	_, err = wg.Commit()
	require.NoError(t, err)

	wg2, err := p.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, g.DeleteNode(wg2, id))
	_, err = wg2.Commit()
	require.NoError(t, err)

	stats, err := g.Vacuum(graph.DefaultVacuumBudget())
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.VersionsReclaimed, 1)

	rg, err := p.BeginRead()
	require.NoError(t, err)
	defer rg.Drop()
	_, ok, err := g.GetNode(rg, id)
	require.NoError(t, err)
	require.False(t, ok)

	findings, err := g.Verify(graph.VerifyFull)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func internedPropID(p *pager.Pager, name string) (uint32, error) {
	wg, err := p.BeginWrite()
	if err != nil {
		return 0, err
	}
	id, err := graph.Intern(wg, name)
	if err != nil {
		wg.Rollback()
		return 0, err
	}
	wg.Rollback()
	return id, nil
}

func requireNodeValue(t *testing.T, g *graph.Graph, s graph.Snapshot, id uint64, propID uint32, want int64) {
	t.Helper()
	rec, ok, err := g.GetNode(s, id)
	require.NoError(t, err)
	require.True(t, ok)
	v, ok := rec.Props[propID]
	require.True(t, ok)
	require.Equal(t, want, v.Int)
}
