package nntsc

import (
	"errors"
	"fmt"
)

// Kind classifies a store error so callers can choose a recovery policy:
// retry with reconnect, ack and skip, reuse an existing row, or shut down.
type Kind int

const (
	NoError Kind = iota
	// Operational covers lost connections and other transient faults.
	// Callers reconnect and retry; the current batch is rolled back.
	Operational
	// DataError means the payload or row violated a constraint. Callers
	// drop the offending message and move on.
	DataError
	// DuplicateKey on a stream insert means the stream already exists.
	DuplicateKey
	QueryTimeout
	Interrupted
	CodingError
	Generic
)

var kindNames = map[Kind]string{
	NoError:      "none",
	Operational:  "operational",
	DataError:    "data",
	DuplicateKey: "duplicate key",
	QueryTimeout: "query timeout",
	Interrupted:  "interrupted",
	CodingError:  "coding",
	Generic:      "generic",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a store error carrying its classification. It wraps the driver
// error so errors.Is/As still reach the original cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "insert stream"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from err. Unclassified errors are
// Generic; nil is NoError.
func KindOf(err error) Kind {
	if err == nil {
		return NoError
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Generic
}

// Retryable reports whether the caller should reconnect and try again.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == Operational || k == QueryTimeout
}
