package store

import (
	"testing"

	"github.com/wanduow/nntsc/nntsc"
)

func TestPartitionStart(t *testing.T) {
	cases := []struct {
		ts   int64
		want int64
	}{
		{0, 0},
		{1000, 0},
		{604799, 0},
		{604800, 604800},
		{1209599, 604800},
		{1717171717, 1716940800},
	}
	for _, c := range cases {
		if got := PartitionStart(c.ts); got != c.want {
			t.Fatalf("Expected %d for ts %d, Got %d.", c.want, c.ts, got)
		}
	}
}

func TestPartitionName(t *testing.T) {
	got := partitionName("data_amp_icmp", 604800)
	if got != "part_data_amp_icmp_604800" {
		t.Fatalf("Expected part_data_amp_icmp_604800, Got %s.", got)
	}
}

func TestColumnDDL(t *testing.T) {
	cases := []struct {
		col  nntsc.ColumnSpec
		want string
	}{
		{nntsc.ColumnSpec{Name: "median", Type: "integer", Null: true}, `"median" integer`},
		{nntsc.ColumnSpec{Name: "source", Type: "character varying"}, `"source" character varying NOT NULL`},
		{nntsc.ColumnSpec{Name: "minres", Type: "integer", Default: "300"}, `"minres" integer NOT NULL DEFAULT 300`},
		{nntsc.ColumnSpec{Name: "path", Type: "inet[]", Null: true}, `"path" inet[]`},
	}
	for _, c := range cases {
		if got := columnDDL(c.col); got != c.want {
			t.Fatalf("Expected %q, Got %q.", c.want, got)
		}
	}
}
