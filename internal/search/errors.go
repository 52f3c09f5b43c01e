package search

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIndexNotFound is returned when a backend index cannot be resolved.
	ErrIndexNotFound = errors.New("index not found")
	// ErrNoDocuments is returned by a bulk write without documents.
	ErrNoDocuments = errors.New("no documents to index")
)

// ConnectionError reports a transport-level fault talking to the backend.
//
// The original underlying error can be accessed via errors.Unwrap.
type ConnectionError struct {
	Op    string
	Index string
	cause error
}

// NewConnectionError wraps a transport fault raised by op on index.
func NewConnectionError(op, index string, cause error) *ConnectionError {
	return &ConnectionError{Op: op, Index: index, cause: cause}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection fault during %s on index %s: %v", e.Op, e.Index, e.cause)
}

func (e *ConnectionError) Unwrap() error { return e.cause }

// BulkFailure describes one rejected document of a grouped write
type BulkFailure struct {
	ID     string
	Reason string
}

// BulkError reports a partial or aggregate failure of a grouped write.
type BulkError struct {
	Index    string
	Total    int
	Failures []BulkFailure
	cause    error
}

// NewBulkError builds a BulkError for a grouped write of total documents.
func NewBulkError(index string, total int, failures []BulkFailure, cause error) *BulkError {
	return &BulkError{Index: index, Total: total, Failures: failures, cause: cause}
}

func (e *BulkError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bulk write to index %s failed", e.Index)
	if len(e.Failures) > 0 {
		fmt.Fprintf(&b, " for %d of %d documents", len(e.Failures), e.Total)
		first := e.Failures[0]
		fmt.Fprintf(&b, " (first: %s: %s)", first.ID, first.Reason)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *BulkError) Unwrap() error { return e.cause }

// FaultKind tags how a flush error must be handled
type FaultKind int

const (
	// FaultNone means no error.
	FaultNone FaultKind = iota
	// FaultConnection is a transport fault; the caller degrades silently.
	FaultConnection
	// FaultBulk is an aggregate write failure; the caller must see it.
	FaultBulk
	// FaultOther is any other error.
	FaultOther
)

// String returns a string representation of the fault kind.
func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultConnection:
		return "connection"
	case FaultBulk:
		return "bulk"
	default:
		return "other"
	}
}

// Classify maps err onto its FaultKind
func Classify(err error) FaultKind {
	if err == nil {
		return FaultNone
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return FaultConnection
	}

	var bulkErr *BulkError
	if errors.As(err, &bulkErr) {
		return FaultBulk
	}

	return FaultOther
}
