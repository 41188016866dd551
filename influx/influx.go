// The influx package mirrors committed measurement rows into an
// InfluxDB database and maintains the continuous queries that keep the
// matrix dashboard aggregates up to date. The mirror is optional and
// best effort: the relational store stays authoritative and a write
// failure never blocks ingestion.
package influx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/wanduow/nntsc/config"
	"github.com/wanduow/nntsc/export"
	"github.com/wanduow/nntsc/parser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// matrixBin is the aggregation window of the matrix continuous queries.
const matrixBin = "5m"

// Client talks to the InfluxDB HTTP API.
type Client struct {
	cfg  config.InfluxConfig
	log  zerolog.Logger
	http *http.Client
	base string
}

func New(cfg config.InfluxConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		log:  log.With().Str("component", "influx").Logger(),
		http: &http.Client{Timeout: 30 * time.Second},
		base: fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
	}
}

// WriteRows posts one batch of measurement rows as line protocol.
// Unrepresentable cells (nulls, NaN) are dropped; rows with no usable
// field at all are skipped.
func (c *Client) WriteRows(ctx context.Context, rows []export.LiveEvent) error {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Second)
	encoded := 0
	for _, row := range rows {
		if encodeRow(&enc, row) {
			encoded++
		}
	}
	if err := enc.Err(); err != nil {
		return fmt.Errorf("encoding rows: %w", err)
	}
	if encoded == 0 {
		return nil
	}

	q := url.Values{}
	q.Set("db", c.cfg.Name)
	q.Set("rp", c.cfg.RetentionPolicy)
	q.Set("precision", "s")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/write?"+q.Encode(), bytes.NewReader(enc.Bytes()))
	if err != nil {
		return err
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("influx write: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// encodeRow emits one line: measurement = collection, tagged with the
// stream id. Field order is sorted so output is stable.
func encodeRow(enc *lineprotocol.Encoder, row export.LiveEvent) bool {
	fields := make([]string, 0, len(row.Row))
	for k := range row.Row {
		if _, ok := fieldValue(row.Row[k]); ok {
			fields = append(fields, k)
		}
	}
	if len(fields) == 0 {
		return false
	}
	sort.Strings(fields)

	enc.StartLine(row.Collection)
	enc.AddTag("stream", strconv.Itoa(row.StreamID))
	for _, k := range fields {
		v, _ := fieldValue(row.Row[k])
		enc.AddField(k, v)
	}
	enc.EndLine(time.Unix(row.Timestamp, 0))
	return true
}

// fieldValue converts a parser row cell into a line protocol value.
// Arrays have no line protocol representation, so they are stored as
// their JSON rendering.
func fieldValue(v interface{}) (lineprotocol.Value, bool) {
	switch t := v.(type) {
	case nil:
		return lineprotocol.Value{}, false
	case bool:
		return lineprotocol.BoolValue(t), true
	case int:
		return lineprotocol.IntValue(int64(t)), true
	case int64:
		return lineprotocol.IntValue(t), true
	case float64:
		return lineprotocol.FloatValue(t)
	case string:
		return lineprotocol.StringValue(t)
	case []*int64, []*float64, []*string, []interface{}:
		rendered, err := json.Marshal(t)
		if err != nil {
			return lineprotocol.Value{}, false
		}
		return lineprotocol.StringValue(string(rendered))
	default:
		return lineprotocol.Value{}, false
	}
}

//=====================================================================================
//                       Continuous queries
//=====================================================================================

// RegisterCQs drops and recreates the matrix continuous query for every
// collection that declares aggregations. Existing queries are replaced
// so definition changes take effect on redeploy.
func (c *Client) RegisterCQs(cqs map[string][]parser.CQ) error {
	names := make([]string, 0, len(cqs))
	for name := range cqs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if len(cqs[name]) == 0 {
			continue
		}
		cqName := name + "_matrix"
		drop := fmt.Sprintf("DROP CONTINUOUS QUERY %q ON %q", cqName, c.cfg.Name)
		if err := c.query(drop); err != nil {
			// Nothing to drop on first run.
			c.log.Debug().Err(err).Str("cq", cqName).Msg("drop continuous query")
		}
		if err := c.query(createCQ(c.cfg.Name, c.cfg.RetentionPolicy, name, cqs[name])); err != nil {
			return fmt.Errorf("registering %s: %w", cqName, err)
		}
		c.log.Info().Str("cq", cqName).Msg("registered continuous query")
	}
	return nil
}

func createCQ(db, rp, collection string, cqs []parser.CQ) string {
	selects := make([]string, 0, len(cqs))
	for _, cq := range cqs {
		selects = append(selects,
			fmt.Sprintf("%s(%q) AS %q", cq.Func, cq.Column, cq.As))
	}
	return fmt.Sprintf(
		`CREATE CONTINUOUS QUERY %q ON %q BEGIN SELECT %s INTO %q.%q.%q FROM %q GROUP BY time(%s), "stream" END`,
		collection+"_matrix", db,
		strings.Join(selects, ", "),
		db, rp, collection+"_matrix",
		collection, matrixBin)
}

// query runs one InfluxQL statement. Statement failures come back with
// HTTP 200 and an error field in the body.
func (c *Client) query(q string) error {
	form := url.Values{}
	form.Set("q", q)
	form.Set("db", c.cfg.Name)

	req, err := http.NewRequest(http.MethodPost, c.base+"/query",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("influx query: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result struct {
		Error   string `json:"error"`
		Results []struct {
			Error string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("influx query response: %w", err)
	}
	if result.Error != "" {
		return fmt.Errorf("influx query: %s", result.Error)
	}
	for _, r := range result.Results {
		if r.Error != "" {
			return fmt.Errorf("influx query: %s", r.Error)
		}
	}
	return nil
}
