package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/wanduow/nntsc/nntsc"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want nntsc.Kind
	}{
		{"nil", nil, nntsc.NoError},
		{"timeout", &pq.Error{Code: "57014"}, nntsc.QueryTimeout},
		{"duplicate", &pq.Error{Code: "23505"}, nntsc.DuplicateKey},
		{"notnull", &pq.Error{Code: "23502"}, nntsc.DataError},
		{"outofrange", &pq.Error{Code: "22003"}, nntsc.DataError},
		{"badcolumn", &pq.Error{Code: "42703"}, nntsc.CodingError},
		{"connlost", &pq.Error{Code: "08006"}, nntsc.Operational},
		{"adminshutdown", &pq.Error{Code: "57P01"}, nntsc.Operational},
		{"crashshutdown", &pq.Error{Code: "57P02"}, nntsc.Operational},
		{"badconn", driver.ErrBadConn, nntsc.Operational},
		{"cancelled", context.Canceled, nntsc.Interrupted},
		{"deadline", context.DeadlineExceeded, nntsc.Interrupted},
		{"other", errors.New("boom"), nntsc.Generic},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Expected %v for %s, Got %v.", c.want, c.name, got)
		}
	}
}

func TestClassifyWrapped(t *testing.T) {
	err := fmt.Errorf("saving batch: %w", &pq.Error{Code: "57014"})
	if got := Classify(err); got != nntsc.QueryTimeout {
		t.Fatalf("Expected QueryTimeout through wrapping, Got %v.", got)
	}
}

func TestWrapCarriesKind(t *testing.T) {
	err := wrap("commit", &pq.Error{Code: "23505"})
	if nntsc.KindOf(err) != nntsc.DuplicateKey {
		t.Fatalf("Expected DuplicateKey, Got %v.", nntsc.KindOf(err))
	}
	var serr *nntsc.Error
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *nntsc.Error, Got %T.", err)
	}
	if serr.Op != "commit" {
		t.Fatalf("Expected op commit, Got %q.", serr.Op)
	}
	if wrap("commit", nil) != nil {
		t.Fatal("Expected nil wrap of nil error.")
	}
}
