package graph

import (
	"fmt"

	"github.com/sombra/sombra/btree"
)

// Severity classifies a verify finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Finding is one verify result (spec.md §4.4 "{severity, message}
// tuples").
type Finding struct {
	Severity Severity
	Message  string
}

// VerifyLevel controls how much of the graph a Verify pass inspects.
type VerifyLevel int

const (
	// VerifyQuick checks that node label ids resolve in the dictionary
	// and that every live edge has both adjacency entries.
	VerifyQuick VerifyLevel = iota
	// VerifyFull additionally checks every edge's endpoint liveness
	// and that the forward and reverse adjacency entries found are
	// equal in number.
	VerifyFull
)

const maxFindings = 32

// Verify walks the graph at a fresh read snapshot and checks that
// every live node's label ids resolve in the dictionary, that every
// live edge has its forward and reverse adjacency entries, and (at
// VerifyFull) that edges reference live endpoints. It does not check
// page checksums, edge type or property ids, adjacency entries that no
// live edge points at, or label/type/property index counts. It is
// read-only and safe to run concurrently with writers.
func (g *Graph) Verify(level VerifyLevel) ([]Finding, error) {
	rg, err := g.pager.BeginRead()
	if err != nil {
		return nil, err
	}
	defer rg.Drop()

	roots, err := rg.Roots()
	if err != nil {
		return nil, err
	}

	var findings []Finding
	add := func(sev Severity, format string, args ...interface{}) bool {
		findings = append(findings, Finding{Severity: sev, Message: fmt.Sprintf(format, args...)})
		return len(findings) >= maxFindings
	}

	nodeCur, err := btree.Range(rg, roots.Nodes, nil, nil)
	if err != nil {
		return nil, err
	}
	liveNodes := make(map[uint64]bool)
	for {
		e, ok, err := nodeCur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		nodeID := btree.DecodeUint64(e.Key)
		env, err := decodeEnvelope(e.Value)
		if err != nil {
			if add(SeverityError, "node %d: corrupt envelope: %v", nodeID, err) {
				return findings, nil
			}
			continue
		}
		if env.Tombstone {
			continue
		}
		rec, err := decodeNodeRecord(rg, env.Body)
		if err != nil {
			if add(SeverityError, "node %d: corrupt record: %v", nodeID, err) {
				return findings, nil
			}
			continue
		}
		liveNodes[nodeID] = true
		for _, labelID := range rec.Labels {
			if _, ok, err := LookupName(rg, roots.DictRev, labelID); err != nil {
				return nil, err
			} else if !ok {
				if add(SeverityError, "node %d: label id %d not in dictionary", nodeID, labelID) {
					return findings, nil
				}
			}
		}
	}

	fwdCount, revCount := 0, 0
	edgeCur, err := btree.Range(rg, roots.Edges, nil, nil)
	if err != nil {
		return nil, err
	}
	for {
		e, ok, err := edgeCur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		edgeID := btree.DecodeUint64(e.Key)
		env, err := decodeEnvelope(e.Value)
		if err != nil {
			if add(SeverityError, "edge %d: corrupt envelope: %v", edgeID, err) {
				return findings, nil
			}
			continue
		}
		if env.Tombstone {
			continue
		}
		rec, err := decodeEdgeRecord(rg, env.Body)
		if err != nil {
			if add(SeverityError, "edge %d: corrupt record: %v", edgeID, err) {
				return findings, nil
			}
			continue
		}

		if level == VerifyFull {
			if !liveNodes[rec.Src] {
				if add(SeverityError, "edge %d: source node %d is not live", edgeID, rec.Src) {
					return findings, nil
				}
			}
			if !liveNodes[rec.Dst] {
				if add(SeverityError, "edge %d: destination node %d is not live", edgeID, rec.Dst) {
					return findings, nil
				}
			}
		}

		if _, ok, err := btree.GetOne(rg, roots.FwdAdj, fwdAdjKey(rec.Src, rec.TypeID, rec.Dst, edgeID)); err != nil {
			return nil, err
		} else if !ok {
			if add(SeverityWarning, "edge %d: missing forward adjacency entry", edgeID) {
				return findings, nil
			}
		} else {
			fwdCount++
		}
		if _, ok, err := btree.GetOne(rg, roots.RevAdj, revAdjKey(rec.Dst, rec.TypeID, rec.Src, edgeID)); err != nil {
			return nil, err
		} else if !ok {
			if add(SeverityWarning, "edge %d: missing reverse adjacency entry", edgeID) {
				return findings, nil
			}
		} else {
			revCount++
		}
	}

	if level == VerifyFull && fwdCount != revCount {
		add(SeverityError, "adjacency mirror mismatch: %d forward entries, %d reverse entries", fwdCount, revCount)
	}

	return findings, nil
}
