package rrdpoll

import (
	"testing"
)

var smokepingInfo = []byte(`filename = "/var/lib/smokeping/wand/gateway.rrd"
rrd_version = "0003"
step = 300
last_update = 1398129900
header_size = 3496
ds[uptime].index = 0
ds[uptime].type = "GAUGE"
ds[loss].index = 1
ds[loss].type = "GAUGE"
rra[0].cf = "AVERAGE"
rra[0].rows = 1008
rra[0].cur_row = 495
rra[0].pdp_per_row = 1
rra[1].cf = "AVERAGE"
rra[1].rows = 4320
rra[1].pdp_per_row = 12
`)

func TestParseInfo(t *testing.T) {
	info, err := parseInfo(smokepingInfo)
	if err != nil {
		t.Fatalf("Expected nil error, Got %v.", err)
	}
	if info.Step != 300 {
		t.Errorf("Expected step 300, Got %d.", info.Step)
	}
	if info.Rows != 1008 {
		t.Errorf("Expected 1008 rows, Got %d.", info.Rows)
	}
}

func TestParseInfoMissingStep(t *testing.T) {
	_, err := parseInfo([]byte("rra[0].rows = 1008\n"))
	if err == nil {
		t.Error("Expected an error for output without a step, Got nil.")
	}
}

var smokepingFetch = []byte(`            uptime              loss            median             ping1             ping2

1398122700: nan 0.0000000000e+00 2.2600000000e-02 2.1000000000e-02 2.4000000000e-02
1398123000: nan 1.0000000000e+00 -nan 1.9000000000e-02 nan
1398123300: nan nan nan nan nan
`)

func TestParseFetch(t *testing.T) {
	rows, err := parseFetch(smokepingFetch)
	if err != nil {
		t.Fatalf("Expected nil error, Got %v.", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, Got %d.", len(rows))
	}
	if rows[0].TS != 1398122700 || rows[2].TS != 1398123300 {
		t.Errorf("Expected timestamps 1398122700..1398123300, Got %d..%d.",
			rows[0].TS, rows[2].TS)
	}
	if len(rows[0].Cells) != 5 {
		t.Fatalf("Expected 5 cells, Got %d.", len(rows[0].Cells))
	}
	if rows[0].Cells[0] != nil {
		t.Errorf("Expected nan cell to be nil, Got %v.", *rows[0].Cells[0])
	}
	if rows[0].Cells[2] == nil || *rows[0].Cells[2] != 0.0226 {
		t.Errorf("Expected median cell 0.0226, Got %v.", rows[0].Cells[2])
	}
	if rows[1].Cells[2] != nil {
		t.Errorf("Expected -nan cell to be nil, Got %v.", *rows[1].Cells[2])
	}
	if rows[1].Cells[1] == nil || *rows[1].Cells[1] != 1.0 {
		t.Errorf("Expected loss cell 1, Got %v.", rows[1].Cells[1])
	}
	for i, c := range rows[2].Cells {
		if c != nil {
			t.Errorf("Expected all-nan row to have nil cell %d, Got %v.", i, *c)
		}
	}
}

func TestParseFetchHeaderOnly(t *testing.T) {
	rows, err := parseFetch([]byte("            loss            median\n\n"))
	if err != nil {
		t.Fatalf("Expected nil error, Got %v.", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected no rows, Got %d.", len(rows))
	}
}
