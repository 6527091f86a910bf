// Package errs defines the structured error taxonomy shared by every
// layer of Sombra (pager, btree, graph). Errors bubble up unchanged:
// no layer downgrades a Corruption into a NotFound.
package errs

import "fmt"

// Kind classifies an error without requiring callers to string-match
// messages.
type Kind int

const (
	// Io covers underlying file/os failures.
	Io Kind = iota
	// Corruption covers CRC mismatch, bad magic, truncated records,
	// or index inconsistency. Unrecoverable without operator action.
	Corruption
	// InvalidArgument covers caller-supplied precondition violations.
	InvalidArgument
	// NotFound means the id does not resolve to a live record in the
	// reader's snapshot.
	NotFound
	// DatabaseAlreadyOpen means the advisory file lock is held by
	// another process.
	DatabaseAlreadyOpen
	// SnapshotTooOld means the reader was evicted by vacuum.
	SnapshotTooOld
	// NoEvictionCandidate means the page cache is full of pinned
	// frames.
	NoEvictionCandidate
	// WriteConflict is reserved for higher layers; the pager itself
	// never returns it (single writer).
	WriteConflict
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "Io"
	case Corruption:
		return "Corruption"
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case DatabaseAlreadyOpen:
		return "DatabaseAlreadyOpen"
	case SnapshotTooOld:
		return "SnapshotTooOld"
	case NoEvictionCandidate:
		return "NoEvictionCandidate"
	case WriteConflict:
		return "WriteConflict"
	default:
		return "Unknown"
	}
}

// Error is the structured error value surfaced by every public Sombra
// operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "pager.Commit"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given op/kind, optionally wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is a Sombra *Error of the given kind.
func Is(err error, kind Kind) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	return se.Kind == kind
}
