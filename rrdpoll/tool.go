// The rrdpoll package reads series out of round robin database files
// with the rrdtool command and replays new rows through the polled
// parsers, keeping a per-stream checkpoint so a transient store fault
// only ever repeats work.
package rrdpoll

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	pipe "gopkg.in/m-lab/pipe.v3"
)

// Info is the subset of rrdtool info the poller cares about: the base
// step of the file and the row count of its highest resolution archive.
type Info struct {
	Step int64
	Rows int64
}

// Row is one fetched archive row. Unknown cells are nil.
type Row struct {
	TS    int64
	Cells []*float64
}

// Tool abstracts the rrdtool operations so tests can run against
// canned files.
type Tool interface {
	Last(file string) (int64, error)
	Info(file string) (Info, error)
	Fetch(file, cf string, start, end int64) ([]Row, error)
}

// CLI drives the rrdtool binary. The zero value runs "rrdtool" from
// PATH.
type CLI struct {
	Command string
}

func (c CLI) run(args ...string) ([]byte, error) {
	cmd := c.Command
	if cmd == "" {
		cmd = "rrdtool"
	}
	out, err := pipe.Output(pipe.Exec(cmd, args...))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", cmd, args[0], err)
	}
	return out, nil
}

// Last returns the timestamp of the most recent update to the file.
func (c CLI) Last(file string) (int64, error) {
	out, err := c.run("last", file)
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rrdtool last %s: %w", file, err)
	}
	return ts, nil
}

// Info reads the file's step and first-archive row count.
func (c CLI) Info(file string) (Info, error) {
	out, err := c.run("info", file)
	if err != nil {
		return Info{}, err
	}
	info, err := parseInfo(out)
	if err != nil {
		return Info{}, fmt.Errorf("rrdtool info %s: %w", file, err)
	}
	return info, nil
}

// Fetch returns the archive rows for (start, end] at the consolidation
// function cf, usually AVERAGE.
func (c CLI) Fetch(file, cf string, start, end int64) ([]Row, error) {
	out, err := c.run("fetch", file, cf,
		"--start", strconv.FormatInt(start, 10),
		"--end", strconv.FormatInt(end, 10))
	if err != nil {
		return nil, err
	}
	rows, err := parseFetch(out)
	if err != nil {
		return nil, fmt.Errorf("rrdtool fetch %s: %w", file, err)
	}
	return rows, nil
}

func parseInfo(out []byte) (Info, error) {
	var info Info
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), " = ")
		if !ok {
			continue
		}
		switch key {
		case "step":
			info.Step, _ = strconv.ParseInt(val, 10, 64)
		case "rra[0].rows":
			info.Rows, _ = strconv.ParseInt(val, 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return Info{}, err
	}
	if info.Step <= 0 || info.Rows <= 0 {
		return Info{}, fmt.Errorf("step or rra[0].rows missing")
	}
	return info, nil
}

// parseFetch reads rrdtool fetch output: a column header line followed
// by "timestamp: value value ..." rows. Values are printed in
// scientific notation with nan for unknown cells.
func parseFetch(out []byte) ([]Row, error) {
	var rows []Row
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		tsPart, valPart, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(tsPart), 10, 64)
		if err != nil {
			// Column header.
			continue
		}
		fields := strings.Fields(valPart)
		cells := make([]*float64, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				cells = append(cells, nil)
				continue
			}
			cells = append(cells, &v)
		}
		rows = append(rows, Row{TS: ts, Cells: cells})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
