package graph

import (
	"github.com/sirupsen/logrus"

	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/errs"
	"github.com/sombra/sombra/metrics"
	"github.com/sombra/sombra/pager"
)

// Snapshot is the small surface both *pager.ReadGuard and
// *pager.WriteGuard present to graph queries: page access, the current
// B+tree roots, and the snapshot LSN to test record visibility
// against.
type Snapshot interface {
	btree.PageReader
	Roots() (pager.BTreeRoots, error)
	LSN() uint64
}

// Graph is a typed node/edge façade over a pager, grounded on the
// teacher's api.DB: a single struct wiring together the storage layer
// and whatever indexing it needs, exposed as one handle the caller
// opens once and issues operations against.
type Graph struct {
	pager    *pager.Pager
	opts     Options
	log      logrus.FieldLogger
	sink     metrics.Sink
	pageSize int
}

// Open wraps an already-open pager with the graph record layer,
// allocating the catalog's B+tree roots on first use against a fresh
// database (spec.md §6 "Persisted layout").
func Open(p *pager.Pager, opts Options) (*Graph, error) {
	g := &Graph{
		pager:    p,
		opts:     opts,
		log:      logrus.StandardLogger().WithField("component", "graph"),
		sink:     metrics.NoopSink,
		pageSize: p.Opts().PageSize,
	}
	if err := g.bootstrap(); err != nil {
		return nil, err
	}
	return g, nil
}

// OpenWith is Open plus explicit logger/metrics collaborators.
func OpenWith(p *pager.Pager, opts Options, log logrus.FieldLogger, sink metrics.Sink) (*Graph, error) {
	g, err := Open(p, opts)
	if err != nil {
		return nil, err
	}
	g.log = log.WithField("component", "graph")
	g.sink = sink
	return g, nil
}

// bootstrap allocates every catalog B+tree the first time a graph is
// opened against an empty pager (Roots.Nodes == 0 is the only signal
// available, since page 0 is the meta page and can never itself be a
// valid tree root).
func (g *Graph) bootstrap() error {
	if g.pager.IsReadOnly() {
		rg, err := g.pager.BeginRead()
		if err != nil {
			return err
		}
		defer rg.Drop()
		roots, err := rg.Roots()
		if err != nil {
			return err
		}
		if roots.Nodes != 0 {
			return nil
		}
		return nil // read-only open against an unbootstrapped database: nothing to write
	}

	wg, err := g.pager.BeginWrite()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			wg.Rollback()
		}
	}()

	meta := wg.Meta()
	if meta.Roots.Nodes != 0 {
		return nil
	}

	roots := []*pager.PageID{
		&meta.Roots.Nodes, &meta.Roots.Edges, &meta.Roots.Dict, &meta.Roots.DictRev,
		&meta.Roots.FwdAdj, &meta.Roots.RevAdj, &meta.Roots.Labels, &meta.Roots.Types,
		&meta.Roots.Props, &meta.Roots.PropCatalog, &meta.Roots.NodeVersions, &meta.Roots.EdgeVersions,
	}
	for _, r := range roots {
		id, err := btree.New(wg)
		if err != nil {
			return err
		}
		*r = id
	}

	if _, err := wg.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Pager exposes the underlying pager, e.g. for BeginRead/BeginWrite.
func (g *Graph) Pager() *pager.Pager { return g.pager }

// Direction selects which side of an edge's adjacency to traverse
// (spec.md §6 "neighbors").
type Direction int

const (
	Out Direction = iota
	In
	Both
)

// internProps interns every property name in props and returns the
// resulting PropId-keyed map.
func (g *Graph) internProps(wg *pager.WriteGuard, props map[string]Value) (propMap, error) {
	out := make(propMap, len(props))
	for name, v := range props {
		id, err := Intern(wg, name)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

// CreateNode allocates a fresh NodeId, writes its record, and updates
// the node index and every affected label presence index (spec.md
// §4.3 "Node/edge lifecycle").
func (g *Graph) CreateNode(wg *pager.WriteGuard, labels []string, props map[string]Value) (uint64, error) {
	meta := wg.Meta()

	labelIDs := make([]uint32, len(labels))
	for i, name := range labels {
		id, err := Intern(wg, name)
		if err != nil {
			return 0, err
		}
		labelIDs[i] = id
	}

	pm, err := g.internProps(wg, props)
	if err != nil {
		return 0, err
	}

	nodeID := meta.NextNodeID
	meta.NextNodeID++

	body, err := encodeNodeRecord(wg, g.pageSize, g.opts.InlinePropBlobThreshold, nodeRecord{Labels: labelIDs, Props: pm})
	if err != nil {
		return 0, err
	}

	env := envelope{CreatedLSN: wg.LSN(), Body: body}
	root, err := btree.Put(wg, meta.Roots.Nodes, btree.EncodeUint64(nodeID), encodeEnvelope(env))
	if err != nil {
		return 0, err
	}
	meta.Roots.Nodes = root

	for _, labelID := range labelIDs {
		lroot, err := btree.Put(wg, meta.Roots.Labels, labelPresenceKey(labelID, nodeID), nil)
		if err != nil {
			return 0, err
		}
		meta.Roots.Labels = lroot
	}

	if err := g.maintainPropertyIndexes(wg, labelIDs, nil, pm, nodeID); err != nil {
		return 0, err
	}

	return nodeID, nil
}

// GetNode returns the node visible at s's snapshot, or ok=false if it
// does not exist or is not yet/no-longer visible.
func (g *Graph) GetNode(s Snapshot, nodeID uint64) (nodeRecord, bool, error) {
	roots, err := s.Roots()
	if err != nil {
		return nodeRecord{}, false, err
	}
	env, ok, err := lookupEnvelope(s, roots.Nodes, roots.NodeVersions, nodeID, s.LSN())
	if err != nil || !ok {
		return nodeRecord{}, false, err
	}
	rec, err := decodeNodeRecord(s, env.Body)
	if err != nil {
		return nodeRecord{}, false, err
	}
	return rec, true, nil
}

// lookupEnvelope resolves the envelope visible at snapshot s, trying
// the primary index first and falling back to the version chain
// (spec.md §4.3 "MVCC").
func lookupEnvelope(r btree.PageReader, primaryRoot, chainRoot pager.PageID, id uint64, s uint64) (envelope, bool, error) {
	val, ok, err := btree.GetOne(r, primaryRoot, btree.EncodeUint64(id))
	if err != nil {
		return envelope{}, false, err
	}
	if ok {
		env, err := decodeEnvelope(val)
		if err != nil {
			return envelope{}, false, err
		}
		if env.visible(s) {
			if env.Tombstone {
				return envelope{}, false, nil
			}
			return env, true, nil
		}
	}
	env, found, err := findVisibleVersion(r, chainRoot, id, s)
	if err != nil || !found {
		return envelope{}, false, err
	}
	if env.Tombstone {
		return envelope{}, false, nil
	}
	return env, true, nil
}

// UpdateNode applies patch to nodeID's properties, creating a new
// version and archiving the old one (spec.md §4.3 "Update creates a
// new record").
func (g *Graph) UpdateNode(wg *pager.WriteGuard, nodeID uint64, patch PropPatch) error {
	meta := wg.Meta()
	key := btree.EncodeUint64(nodeID)

	val, ok, err := btree.GetOne(wg, meta.Roots.Nodes, key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New("graph.UpdateNode", errs.NotFound, nil)
	}
	oldEnv, err := decodeEnvelope(val)
	if err != nil {
		return err
	}
	if oldEnv.Tombstone {
		return errs.New("graph.UpdateNode", errs.NotFound, nil)
	}
	rec, err := decodeNodeRecord(wg, oldEnv.Body)
	if err != nil {
		return err
	}
	oldProps := make(propMap, len(rec.Props))
	for id, v := range rec.Props {
		oldProps[id] = v
	}

	for _, op := range patch {
		switch op.Kind {
		case PropSet:
			if rec.Props == nil {
				rec.Props = propMap{}
			}
			rec.Props[op.PropID] = op.Value
		case PropDelete:
			delete(rec.Props, op.PropID)
		}
	}

	body, err := encodeNodeRecord(wg, g.pageSize, g.opts.InlinePropBlobThreshold, rec)
	if err != nil {
		return err
	}

	oldEnv.DeletedLSN = wg.LSN()
	chainRoot, err := pushVersion(wg, meta.Roots.NodeVersions, nodeID, oldEnv)
	if err != nil {
		return err
	}
	meta.Roots.NodeVersions = chainRoot

	newEnv := envelope{CreatedLSN: wg.LSN(), Body: body}
	root, err := btree.Put(wg, meta.Roots.Nodes, key, encodeEnvelope(newEnv))
	if err != nil {
		return err
	}
	meta.Roots.Nodes = root

	if err := g.maintainPropertyIndexes(wg, rec.Labels, oldProps, rec.Props, nodeID); err != nil {
		return err
	}
	return nil
}

// DeleteNode writes a tombstone version and drops the node's
// property-index postings. Vacuum later reclaims the archived
// pre-delete version; the tombstone in the primary node index and the
// node's label presence entries stay in place.
func (g *Graph) DeleteNode(wg *pager.WriteGuard, nodeID uint64) error {
	meta := wg.Meta()
	key := btree.EncodeUint64(nodeID)

	val, ok, err := btree.GetOne(wg, meta.Roots.Nodes, key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New("graph.DeleteNode", errs.NotFound, nil)
	}
	oldEnv, err := decodeEnvelope(val)
	if err != nil {
		return err
	}
	if oldEnv.Tombstone {
		return errs.New("graph.DeleteNode", errs.NotFound, nil)
	}
	rec, err := decodeNodeRecord(wg, oldEnv.Body)
	if err != nil {
		return err
	}

	deletedAt := wg.LSN()
	archived := oldEnv
	archived.DeletedLSN = deletedAt
	chainRoot, err := pushVersion(wg, meta.Roots.NodeVersions, nodeID, archived)
	if err != nil {
		return err
	}
	meta.Roots.NodeVersions = chainRoot

	tomb := envelope{CreatedLSN: deletedAt, Tombstone: true}
	root, err := btree.Put(wg, meta.Roots.Nodes, key, encodeEnvelope(tomb))
	if err != nil {
		return err
	}
	meta.Roots.Nodes = root

	return g.maintainPropertyIndexes(wg, rec.Labels, rec.Props, nil, nodeID)
}

// CreateEdge allocates a fresh EdgeId linking src to dst under
// edgeType, writing the record and both adjacency mirrors plus the
// type presence index (spec.md §4.3 "Node/edge lifecycle",
// "Adjacency").
func (g *Graph) CreateEdge(wg *pager.WriteGuard, src, dst uint64, edgeType string, props map[string]Value) (uint64, error) {
	meta := wg.Meta()

	typeID, err := Intern(wg, edgeType)
	if err != nil {
		return 0, err
	}
	pm, err := g.internProps(wg, props)
	if err != nil {
		return 0, err
	}

	edgeID := meta.NextEdgeID
	meta.NextEdgeID++

	body, err := encodeEdgeRecord(wg, g.pageSize, g.opts.InlinePropBlobThreshold, edgeRecord{Src: src, Dst: dst, TypeID: typeID, Props: pm})
	if err != nil {
		return 0, err
	}

	env := envelope{CreatedLSN: wg.LSN(), Body: body}
	root, err := btree.Put(wg, meta.Roots.Edges, btree.EncodeUint64(edgeID), encodeEnvelope(env))
	if err != nil {
		return 0, err
	}
	meta.Roots.Edges = root

	fwdRoot, err := btree.Put(wg, meta.Roots.FwdAdj, fwdAdjKey(src, typeID, dst, edgeID), nil)
	if err != nil {
		return 0, err
	}
	meta.Roots.FwdAdj = fwdRoot

	revRoot, err := btree.Put(wg, meta.Roots.RevAdj, revAdjKey(dst, typeID, src, edgeID), nil)
	if err != nil {
		return 0, err
	}
	meta.Roots.RevAdj = revRoot

	typesRoot, err := btree.Put(wg, meta.Roots.Types, typePresenceKey(typeID, edgeID), nil)
	if err != nil {
		return 0, err
	}
	meta.Roots.Types = typesRoot

	return edgeID, nil
}

// GetEdge returns the edge visible at s's snapshot.
func (g *Graph) GetEdge(s Snapshot, edgeID uint64) (edgeRecord, bool, error) {
	roots, err := s.Roots()
	if err != nil {
		return edgeRecord{}, false, err
	}
	env, ok, err := lookupEnvelope(s, roots.Edges, roots.EdgeVersions, edgeID, s.LSN())
	if err != nil || !ok {
		return edgeRecord{}, false, err
	}
	rec, err := decodeEdgeRecord(s, env.Body)
	if err != nil {
		return edgeRecord{}, false, err
	}
	return rec, true, nil
}

// UpdateEdge applies patch to edgeID's properties, archiving the old
// version exactly as UpdateNode does.
func (g *Graph) UpdateEdge(wg *pager.WriteGuard, edgeID uint64, patch PropPatch) error {
	meta := wg.Meta()
	key := btree.EncodeUint64(edgeID)

	val, ok, err := btree.GetOne(wg, meta.Roots.Edges, key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New("graph.UpdateEdge", errs.NotFound, nil)
	}
	oldEnv, err := decodeEnvelope(val)
	if err != nil {
		return err
	}
	if oldEnv.Tombstone {
		return errs.New("graph.UpdateEdge", errs.NotFound, nil)
	}
	rec, err := decodeEdgeRecord(wg, oldEnv.Body)
	if err != nil {
		return err
	}

	for _, op := range patch {
		switch op.Kind {
		case PropSet:
			if rec.Props == nil {
				rec.Props = propMap{}
			}
			rec.Props[op.PropID] = op.Value
		case PropDelete:
			delete(rec.Props, op.PropID)
		}
	}

	body, err := encodeEdgeRecord(wg, g.pageSize, g.opts.InlinePropBlobThreshold, rec)
	if err != nil {
		return err
	}

	oldEnv.DeletedLSN = wg.LSN()
	chainRoot, err := pushVersion(wg, meta.Roots.EdgeVersions, edgeID, oldEnv)
	if err != nil {
		return err
	}
	meta.Roots.EdgeVersions = chainRoot

	newEnv := envelope{CreatedLSN: wg.LSN(), Body: body}
	root, err := btree.Put(wg, meta.Roots.Edges, key, encodeEnvelope(newEnv))
	if err != nil {
		return err
	}
	meta.Roots.Edges = root
	return nil
}

// DeleteEdge writes a tombstone version and removes both adjacency
// mirrors. The type presence entry and the tombstone in the primary
// edge index stay in place; vacuum reclaims only the archived
// pre-delete version.
func (g *Graph) DeleteEdge(wg *pager.WriteGuard, edgeID uint64) error {
	meta := wg.Meta()
	key := btree.EncodeUint64(edgeID)

	val, ok, err := btree.GetOne(wg, meta.Roots.Edges, key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New("graph.DeleteEdge", errs.NotFound, nil)
	}
	oldEnv, err := decodeEnvelope(val)
	if err != nil {
		return err
	}
	if oldEnv.Tombstone {
		return errs.New("graph.DeleteEdge", errs.NotFound, nil)
	}
	rec, err := decodeEdgeRecord(wg, oldEnv.Body)
	if err != nil {
		return err
	}

	deletedAt := wg.LSN()
	archived := oldEnv
	archived.DeletedLSN = deletedAt
	chainRoot, err := pushVersion(wg, meta.Roots.EdgeVersions, edgeID, archived)
	if err != nil {
		return err
	}
	meta.Roots.EdgeVersions = chainRoot

	tomb := envelope{CreatedLSN: deletedAt, Tombstone: true}
	root, err := btree.Put(wg, meta.Roots.Edges, key, encodeEnvelope(tomb))
	if err != nil {
		return err
	}
	meta.Roots.Edges = root

	fwdRoot, _, err := btree.Delete(wg, meta.Roots.FwdAdj, fwdAdjKey(rec.Src, rec.TypeID, rec.Dst, edgeID), nil)
	if err != nil {
		return err
	}
	meta.Roots.FwdAdj = fwdRoot
	revRoot, _, err := btree.Delete(wg, meta.Roots.RevAdj, revAdjKey(rec.Dst, rec.TypeID, rec.Src, edgeID), nil)
	if err != nil {
		return err
	}
	meta.Roots.RevAdj = revRoot
	return nil
}

// ScanAllNodes streams every node visible at s's snapshot.
func (g *Graph) ScanAllNodes(s Snapshot) (*NodeCursor, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	cur, err := btree.Range(s, roots.Nodes, nil, nil)
	if err != nil {
		return nil, err
	}
	return &NodeCursor{s: s, cur: cur, roots: roots}, nil
}

// NodeCursor walks the primary node index, skipping entries not
// visible at the bound snapshot and falling back to the version chain
// exactly as GetNode does.
type NodeCursor struct {
	s     Snapshot
	cur   *btree.Cursor
	roots pager.BTreeRoots
}

// Next returns the next visible (NodeId, record), or ok=false when
// exhausted.
func (c *NodeCursor) Next() (uint64, nodeRecord, bool, error) {
	for {
		e, ok, err := c.cur.Next()
		if err != nil || !ok {
			return 0, nodeRecord{}, false, err
		}
		nodeID := btree.DecodeUint64(e.Key)
		env, err := decodeEnvelope(e.Value)
		if err != nil {
			return 0, nodeRecord{}, false, err
		}
		var visible envelope
		var found bool
		if env.visible(c.s.LSN()) {
			visible, found = env, !env.Tombstone
		} else {
			visible, found, err = findVisibleVersion(c.s, c.roots.NodeVersions, nodeID, c.s.LSN())
			if err != nil {
				return 0, nodeRecord{}, false, err
			}
			found = found && !visible.Tombstone
		}
		if !found {
			continue
		}
		rec, err := decodeNodeRecord(c.s, visible.Body)
		if err != nil {
			return 0, nodeRecord{}, false, err
		}
		return nodeID, rec, true, nil
	}
}

// ScanAllEdges streams every edge visible at s's snapshot, the edge
// counterpart of ScanAllNodes.
func (g *Graph) ScanAllEdges(s Snapshot) (*EdgeCursor, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	cur, err := btree.Range(s, roots.Edges, nil, nil)
	if err != nil {
		return nil, err
	}
	return &EdgeCursor{s: s, cur: cur, roots: roots}, nil
}

// EdgeCursor walks the primary edge index the way NodeCursor walks
// the node index.
type EdgeCursor struct {
	s     Snapshot
	cur   *btree.Cursor
	roots pager.BTreeRoots
}

// Next returns the next visible (EdgeId, record), or ok=false when
// exhausted.
func (c *EdgeCursor) Next() (uint64, edgeRecord, bool, error) {
	for {
		e, ok, err := c.cur.Next()
		if err != nil || !ok {
			return 0, edgeRecord{}, false, err
		}
		edgeID := btree.DecodeUint64(e.Key)
		env, err := decodeEnvelope(e.Value)
		if err != nil {
			return 0, edgeRecord{}, false, err
		}
		var visible envelope
		var found bool
		if env.visible(c.s.LSN()) {
			visible, found = env, !env.Tombstone
		} else {
			visible, found, err = findVisibleVersion(c.s, c.roots.EdgeVersions, edgeID, c.s.LSN())
			if err != nil {
				return 0, edgeRecord{}, false, err
			}
			found = found && !visible.Tombstone
		}
		if !found {
			continue
		}
		rec, err := decodeEdgeRecord(c.s, visible.Body)
		if err != nil {
			return 0, edgeRecord{}, false, err
		}
		return edgeID, rec, true, nil
	}
}
