package rrdpoll

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/config"
	"github.com/wanduow/nntsc/metrics"
	"github.com/wanduow/nntsc/nntsc"
)

// Store is the slice of the database gateway the poller drives.
type Store interface {
	GetCollection(module, subtype string) (nntsc.Collection, error)
	SelectStreams(col nntsc.Collection, minID int) ([]map[string]interface{}, error)
	CommitData() error
	RollbackData()
}

// Parsers resolves RRD subtypes to their polled parser; satisfied by
// the parser registry.
type Parsers interface {
	Polled(subtype string) (nntsc.PolledParser, bool)
	PolledSubtypes() []string
}

// record is the poll state for one RRD-backed stream. lastTS advances
// as rows are handed to the parser; lastCommit is the value it is wound
// back to when a pass fails before its commit.
type record struct {
	parser     nntsc.PolledParser
	streamID   int
	filename   string
	minres     int64
	highrows   int64
	lastTS     int64
	lastCommit int64
}

// Poller replays new RRD rows into the store on a fixed interval.
// A Poller owns its store connection and runs in a single goroutine.
type Poller struct {
	cfg     config.RRDConfig
	tool    Tool
	store   Store
	parsers Parsers
	log     zerolog.Logger

	records []*record
}

func New(cfg config.RRDConfig, tool Tool, store Store, parsers Parsers, log zerolog.Logger) *Poller {
	return &Poller{
		cfg:     cfg,
		tool:    tool,
		store:   store,
		parsers: parsers,
		log:     log.With().Str("component", "rrdpoll").Logger(),
	}
}

// Load builds the poll list from the streams already registered in the
// store. Call after RegisterStreams and before Run.
func (p *Poller) Load() error {
	p.records = nil
	for _, subtype := range p.parsers.PolledSubtypes() {
		parser, ok := p.parsers.Polled(subtype)
		if !ok {
			continue
		}
		col, err := p.store.GetCollection("rrd", subtype)
		if err != nil {
			return err
		}
		rows, err := p.store.SelectStreams(col, 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			r, ok := newRecord(parser, row)
			if !ok {
				p.log.Warn().Str("subtype", subtype).Interface("stream", row["stream_id"]).
					Msg("rrd stream missing filename or resolution")
				continue
			}
			p.records = append(p.records, r)
		}
		p.log.Info().Str("subtype", subtype).Int("streams", len(rows)).
			Msg("loaded rrd streams")
	}
	return nil
}

func newRecord(parser nntsc.PolledParser, row map[string]interface{}) (*record, bool) {
	id, ok := intVal(row, "stream_id")
	if !ok {
		return nil, false
	}
	filename, ok := row["filename"].(string)
	if !ok || filename == "" {
		return nil, false
	}
	minres, ok := intVal(row, "minres")
	if !ok || minres <= 0 {
		return nil, false
	}
	highrows, ok := intVal(row, "highrows")
	if !ok || highrows <= 0 {
		return nil, false
	}
	last, _ := intVal(row, "lasttimestamp")
	return &record{
		parser:     parser,
		streamID:   int(id),
		filename:   filename,
		minres:     minres,
		highrows:   highrows,
		lastTS:     last,
		lastCommit: last,
	}, true
}

// Run polls every loaded stream each poll interval until ctx is
// cancelled. A transient store fault rolls the pass back, reverts the
// checkpoints and retries after the shorter retry wait.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		wait := p.cfg.PollInterval
		switch p.sweep() {
		case sweepRetry:
			metrics.RRDPollCount.WithLabelValues("retry").Inc()
			p.store.RollbackData()
			p.revert()
			wait = p.cfg.RetryWait
		case sweepHalt:
			metrics.RRDPollCount.WithLabelValues("halt").Inc()
			p.store.RollbackData()
			return nil
		default:
			metrics.RRDPollCount.WithLabelValues("ok").Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

type sweepResult int

const (
	sweepOK sweepResult = iota
	sweepRetry
	sweepHalt
)

// sweep polls every record once. Bad files and bad rows are logged and
// skipped; only store faults stop the pass.
func (p *Poller) sweep() sweepResult {
	for _, r := range p.records {
		err := p.poll(r)
		if err == nil {
			continue
		}
		if nntsc.Retryable(err) {
			p.log.Warn().Err(err).Str("file", r.filename).
				Msg("transient store fault during rrd poll")
			return sweepRetry
		}
		if nntsc.KindOf(err) == nntsc.Interrupted {
			p.log.Info().Str("file", r.filename).Msg("rrd poll interrupted")
			return sweepHalt
		}
		p.log.Warn().Err(err).Str("file", r.filename).Msg("rrd poll failed")
	}
	return sweepOK
}

// poll reads the rows written to one RRD since the stream's checkpoint
// and feeds them to its parser. The fetch window never reaches past the
// highest resolution archive, so a stream that has been idle longer
// than the archive holds skips the missing span.
func (p *Poller) poll(r *record) error {
	r.lastCommit = r.lastTS

	endts, err := p.tool.Last(r.filename)
	if err != nil {
		return err
	}
	if rem := endts % r.minres; rem != 0 {
		endts -= rem
	}
	startts := endts - r.highrows*r.minres
	if r.lastTS > startts {
		startts = r.lastTS
	}
	if endts < startts {
		endts = startts
	}

	rows, err := p.tool.Fetch(r.filename, "AVERAGE", startts, endts)
	if err != nil {
		return err
	}
	// The final row covers the period still being written; drop it.
	if len(rows) > 0 {
		rows = rows[:len(rows)-1]
	}

	updated := false
	for _, row := range rows {
		err := r.parser.ProcessPolled(r.streamID, row.TS, row.Cells)
		switch nntsc.KindOf(err) {
		case nntsc.NoError:
			if row.TS > r.lastTS {
				r.lastTS = row.TS
				updated = true
			}
		case nntsc.Operational, nntsc.QueryTimeout, nntsc.Interrupted:
			return err
		default:
			p.log.Warn().Err(err).Str("file", r.filename).
				Int64("timestamp", row.TS).Msg("discarding rrd row")
		}
	}
	if !updated {
		return nil
	}

	if err := p.store.CommitData(); err != nil {
		return err
	}
	// The rows are durable now; a later fault in this pass must not
	// wind this stream back past them.
	r.lastCommit = r.lastTS
	return r.parser.Flush()
}

// revert winds every stream back to its checkpoint so the next pass
// refetches the rows lost with the rolled back transaction.
func (p *Poller) revert() {
	for _, r := range p.records {
		r.lastTS = r.lastCommit
	}
}

//=====================================================================================
//                       Stream registration
//=====================================================================================

// RegisterStreams creates streams for the RRDs named in the configured
// list file. The file holds key=value lines; a type= line starts a new
// block. Files the store already knows are skipped, so re-running after
// a restart is harmless. Resolution parameters are read from the RRD
// itself.
func (p *Poller) RegisterStreams() error {
	if p.cfg.List == "" {
		return nil
	}

	existing, err := p.existingFilenames()
	if err != nil {
		return err
	}

	f, err := os.Open(p.cfg.List)
	if err != nil {
		p.log.Warn().Err(err).Str("list", p.cfg.List).
			Msg("cannot read RRD list, no streams will be added")
		return nil
	}
	defer f.Close()

	var subtype string
	params := make(map[string]string)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if key == "type" {
			if err := p.createStream(subtype, params, existing); err != nil {
				return err
			}
			subtype = val
			params = make(map[string]string)
			continue
		}
		params[key] = val
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return p.createStream(subtype, params, existing)
}

// createStream registers one list file block. Malformed blocks and
// unreadable files are logged and skipped; only store faults abort the
// whole registration pass.
func (p *Poller) createStream(subtype string, params map[string]string, existing map[string]bool) error {
	if len(params) == 0 {
		return nil
	}
	parser, ok := p.parsers.Polled(subtype)
	if !ok {
		p.log.Warn().Str("type", subtype).Msg("unknown RRD type in list")
		return nil
	}
	file := params["file"]
	if file == "" {
		p.log.Warn().Str("type", subtype).Msg("RRD list entry has no file parameter")
		return nil
	}
	if existing[file] {
		return nil
	}

	info, err := p.tool.Info(file)
	if err != nil {
		p.log.Warn().Err(err).Str("file", file).Msg("cannot read RRD resolution")
		return nil
	}
	params["minres"] = strconv.FormatInt(info.Step, 10)
	params["highrows"] = strconv.FormatInt(info.Rows, 10)

	id, err := parser.InsertStream(params)
	if err != nil {
		if nntsc.Retryable(err) || nntsc.KindOf(err) == nntsc.Interrupted {
			return err
		}
		p.log.Warn().Err(err).Str("file", file).Msg("cannot register RRD stream")
		return nil
	}
	existing[file] = true
	p.log.Info().Str("type", subtype).Str("file", file).Int("stream", id).
		Msg("created RRD stream")
	return nil
}

func (p *Poller) existingFilenames() (map[string]bool, error) {
	existing := make(map[string]bool)
	for _, subtype := range p.parsers.PolledSubtypes() {
		col, err := p.store.GetCollection("rrd", subtype)
		if err != nil {
			return nil, err
		}
		rows, err := p.store.SelectStreams(col, 0)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if name, ok := row["filename"].(string); ok {
				existing[name] = true
			}
		}
	}
	return existing, nil
}

func intVal(m map[string]interface{}, key string) (int64, bool) {
	switch t := m[key].(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}
