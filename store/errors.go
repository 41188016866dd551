package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"

	"github.com/wanduow/nntsc/metrics"
	"github.com/wanduow/nntsc/nntsc"
)

// Classify maps a database error onto the store error taxonomy. Callers
// decide retry behaviour from the kind, never from the driver error.
func Classify(err error) nntsc.Kind {
	if err == nil {
		return nntsc.NoError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nntsc.Interrupted
	}
	if errors.Is(err, driver.ErrBadConn) {
		return nntsc.Operational
	}
	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		code := string(pqerr.Code)
		switch code {
		case "57014": // query_canceled, raised by statement_timeout
			return nntsc.QueryTimeout
		case "57P01", "57P02": // admin_shutdown, crash_shutdown
			return nntsc.Operational
		case "23505": // unique_violation
			return nntsc.DuplicateKey
		}
		switch pqerr.Code.Class() {
		case "08": // connection exceptions
			return nntsc.Operational
		case "22", "23": // data exceptions, constraint violations
			return nntsc.DataError
		case "42": // syntax errors, undefined tables/columns
			return nntsc.CodingError
		}
		return nntsc.Generic
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nntsc.Operational
	}
	return nntsc.Generic
}

// wrap turns a driver error into an nntsc.Error carrying its kind. The
// op names the store operation that failed.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := Classify(err)
	metrics.StoreErrorCount.WithLabelValues(kind.String()).Inc()
	return &nntsc.Error{Kind: kind, Op: op, Err: err}
}
