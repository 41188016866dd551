// Command nntscq is a small inspection client for the collector's query
// service: list collections, print schemas, enumerate streams, and
// fetch or follow measurement history.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kr/pretty"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/wanduow/nntsc/client"
	"github.com/wanduow/nntsc/nntsc"
	"github.com/wanduow/nntsc/protocol"
)

var usage = `
nntscq inspects a running collector.

  nntscq                              list collections
  nntscq -schemas 3                   print the schema of collection 3
  nntscq -list-streams 3              list the streams of collection 3
  nntscq -collection amp_icmp -streams 1,2 -start 1700000000 -end 1700086400
                                      fetch history for streams 1 and 2
  nntscq -collection amp_icmp -streams 1
                                      fetch the last day, then follow live

`

var (
	addr       = flag.String("server", "localhost:61234", "Query server address.")
	schemasCol = flag.Int("schemas", 0, "Print the schema of this collection id and exit.")
	streamsCol = flag.Int("list-streams", 0, "List the streams of this collection id and exit.")
	fromStream = flag.Int("from", 0, "With -list-streams, start after this stream id.")
	collection = flag.String("collection", "", "Collection name to query, e.g. amp_icmp.")
	streams    = flag.String("streams", "", "Comma separated stream ids to query.")
	start      = flag.Int64("start", 0, "Window start, unix seconds. 0 means a day before the end.")
	end        = flag.Int64("end", 0, "Window end, unix seconds. 0 means now, and follow live updates.")
	columns    = flag.String("columns", "", "Comma separated data columns to fetch. Default all.")
	aggFunc    = flag.String("agg", "", "Aggregate fetched columns with this function, e.g. avg.")
	binsize    = flag.Int64("binsize", 0, "Bin width in seconds for -agg. 0 aggregates the whole window.")
	timeout    = flag.Duration("timeout", time.Minute, "Give up on a finite query after this long.")
	verbose    = flag.Bool("v", false, "Dump raw rows.")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n", os.Args[0])
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "Flags:")
		flag.PrintDefaults()
	}
}

var mainCtx, mainCancel = context.WithCancel(context.Background())

func main() {
	defer mainCancel()

	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	c, err := client.Dial(mainCtx, *addr, newLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, "nntscq:", err)
		os.Exit(1)
	}
	defer c.Close()

	switch {
	case *schemasCol != 0:
		err = showSchemas(c, *schemasCol)
	case *streamsCol != 0:
		err = showStreams(c, *streamsCol, *fromStream)
	case *collection != "":
		err = showHistory(c)
	default:
		err = showCollections(c)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "nntscq:", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func showCollections(c *client.Conn) error {
	c.SetDeadline(time.Now().Add(*timeout))
	if err := c.RequestCollections(); err != nil {
		return err
	}
	for {
		msg, err := c.Next()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case protocol.Collections:
			for _, col := range m.Collections {
				fmt.Printf("%4d  %-24s  streams=%s  data=%s\n",
					col.ID, col.Name(), col.StreamTable, col.DataTable)
			}
			return nil
		case client.Cancelled:
			return errors.New("server cancelled the request")
		}
	}
}

func showSchemas(c *client.Conn, colID int) error {
	c.SetDeadline(time.Now().Add(*timeout))
	if err := c.RequestSchemas(colID); err != nil {
		return err
	}
	for {
		msg, err := c.Next()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case protocol.Schemas:
			fmt.Println("stream columns:")
			for _, col := range m.StreamSchema {
				fmt.Println("  " + col)
			}
			fmt.Println("data columns:")
			for _, col := range m.DataSchema {
				fmt.Println("  " + col)
			}
			return nil
		case client.Cancelled:
			return fmt.Errorf("no schema for collection %d", colID)
		}
	}
}

func showStreams(c *client.Conn, colID, from int) error {
	c.SetDeadline(time.Now().Add(*timeout))
	if err := c.RequestStreams(colID, from); err != nil {
		return err
	}
	total := 0
	for {
		msg, err := c.Next()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case protocol.Streams:
			for _, row := range m.Streams {
				if *verbose {
					pretty.Print(row)
					fmt.Println()
					continue
				}
				fmt.Printf("%v\n", row["stream_id"])
			}
			total += len(m.Streams)
			if !m.More {
				fmt.Printf("%d streams\n", total)
				return nil
			}
		case client.Cancelled:
			return fmt.Errorf("server cancelled the stream listing for collection %d", colID)
		}
	}
}

func showHistory(c *client.Conn) error {
	ids, err := parseIDs(*streams)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("-collection needs -streams with at least one stream id")
	}
	labels := client.StreamLabels(ids)
	cols := splitCSV(*columns)

	// A binned aggregate is a finite request; everything else with an
	// open end keeps following live updates after the history.
	binned := *aggFunc != "" && *binsize > 0
	live := *end == 0 && !binned
	if !live {
		c.SetDeadline(time.Now().Add(*timeout))
	}

	if binned {
		col, err := resolve(c, *collection)
		if err != nil {
			return err
		}
		err = c.Aggregate(protocol.Aggregate{
			Collection: col.ID,
			Start:      *start,
			End:        *end,
			Labels:     labels,
			AggColumns: cols,
			Binsize:    *binsize,
			AggFunc:    *aggFunc,
		})
		if err != nil {
			return err
		}
	} else {
		var aggs []string
		if *aggFunc != "" {
			aggs = []string{*aggFunc}
		}
		err = c.Subscribe(protocol.Subscribe{
			Name:    *collection,
			Start:   *start,
			End:     *end,
			Columns: cols,
			Labels:  labels,
			Aggs:    aggs,
		})
		if err != nil {
			return err
		}
	}

	pending := len(labels)
	for pending > 0 || live {
		msg, err := c.Next()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case protocol.History:
			printRows(m.Label, m.Data)
			if !m.More {
				pending--
			}
		case protocol.Live:
			printRows(strconv.Itoa(m.StreamID), []map[string]interface{}{m.Data})
		case protocol.Push:
			if *verbose {
				fmt.Printf("# push collection=%d ts=%d\n", m.Collection, m.Timestamp)
			}
		case client.Cancelled:
			if m.History != nil && m.History.More {
				return errors.New("query timed out; narrow the range and retry")
			}
			return errors.New("server cancelled the query")
		}
	}
	return nil
}

// resolve fetches the catalogue and finds the named collection.
func resolve(c *client.Conn, name string) (nntsc.Collection, error) {
	if err := c.RequestCollections(); err != nil {
		return nntsc.Collection{}, err
	}
	for {
		msg, err := c.Next()
		if err != nil {
			return nntsc.Collection{}, err
		}
		if cols, ok := msg.(protocol.Collections); ok {
			for _, col := range cols.Collections {
				if col.Name() == name {
					return col, nil
				}
			}
			return nntsc.Collection{}, fmt.Errorf("unknown collection %q", name)
		}
	}
}

func printRows(label string, rows []map[string]interface{}) {
	for _, row := range rows {
		if *verbose {
			pretty.Print(row)
			fmt.Println()
			continue
		}
		names := make([]string, 0, len(row))
		for name := range row {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("%s:", label)
		for _, name := range names {
			fmt.Printf(" %s=%v", name, row[name])
		}
		fmt.Println()
	}
}

func parseIDs(csv string) ([]int, error) {
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad stream id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
