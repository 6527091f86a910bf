// Package graph implements Sombra's typed node/edge record layer on
// top of the pager and btree packages: the string dictionary, node and
// edge records with inline/overflow properties, forward/reverse
// adjacency, label/type presence indexes, property indexes, MVCC
// version chains, vacuum, and verify (spec.md §4.3, §4.4).
//
// Grounded on the teacher's api.DB: a façade struct wiring a pager, an
// index manager and a lock manager into one handle, generalized here
// from a document store into a typed graph with no SQL surface.
package graph

import "time"

// Options is the graph layer's configuration surface (spec.md §4.3,
// §9 "Design notes").
type Options struct {
	// InlinePropBlobThreshold bounds the encoded property-map size
	// that is stored inline in the record; larger blobs spill into a
	// compressed VRef overflow chain.
	InlinePropBlobThreshold int

	// VacuumInterval is how often the background vacuum pass runs.
	// Zero disables the background loop; Vacuum can still be invoked
	// directly.
	VacuumInterval time.Duration

	// TrackDegree is carried in Options but no graph operation reads
	// it: no cached degree counter is maintained, and Degree always
	// walks the adjacency index.
	TrackDegree bool
}

// DefaultOptions returns sane defaults for embedding.
func DefaultOptions() Options {
	return Options{
		InlinePropBlobThreshold: 256,
		VacuumInterval:          30 * time.Second,
		TrackDegree:             true,
	}
}
