package parser

import (
	"encoding/binary"
	"fmt"
)

//=====================================================================================
//                       LPICP record decoding
//=====================================================================================

// LPICP is the export protocol spoken by the libprotoident collector.
// All integers are big endian. Every record starts with an 8 byte
// header:
//
//	version:u8 | record_type:u8 | total_len:u16 | name_len:u16 | reserved:u16
//
// followed by the monitor name (name_len bytes). A stats record then
// carries a 20 byte sub header
//
//	ts:u32 | reserved:u32 | freq:u32 | dir:u8 | metric:u8 | num_results:u16 | user_len:u16 | reserved:u16
//
// the user name and num_results (protocol_id:u32, value:u64) pairs. A
// protocols record carries count:u32 followed by count
// (id:u32, len:u16, name) entries. A push record is the header and
// monitor name alone.
const (
	LPICPVersion = 1

	LPICPStats     = 0
	LPICPPush      = 3
	LPICPProtocols = 4

	lpicpHeaderLen = 8
	lpicpStatsLen  = 20
	lpicpResultLen = 12
)

var lpiDirections = []string{"out", "in"}

var lpiMetrics = []string{"pkts", "bytes", "new_flows", "curr_flows",
	"peak_flows", "active_ips", "observed_ips"}

// LPICPResult is one (protocol, value) measurement within a stats
// record.
type LPICPResult struct {
	Protocol uint32
	Value    uint64
}

// LPICPStatsRecord is one decoded statistics report: the value of one
// metric in one direction for every observed protocol.
type LPICPStatsRecord struct {
	Monitor   string
	User      string
	Direction string
	Metric    string
	Timestamp int64
	Freq      int
	Results   []LPICPResult
}

// LPICPMessage is one decoded LPICP record. Stats is set for stats
// records, Protocols for protocol map records; a push record carries
// the monitor name only.
type LPICPMessage struct {
	Type      int
	Monitor   string
	Stats     *LPICPStatsRecord
	Protocols map[uint32]string
}

// LPICPDecoder decodes LPICP version 1 records.
type LPICPDecoder struct{}

func (LPICPDecoder) Decode(body []byte) (interface{}, error) {
	if len(body) < lpicpHeaderLen {
		return nil, fmt.Errorf("lpicp: short header: %d bytes", len(body))
	}
	if body[0] != LPICPVersion {
		return nil, fmt.Errorf("lpicp: unsupported version %d", body[0])
	}
	recType := int(body[1])
	total := int(binary.BigEndian.Uint16(body[2:4]))
	nameLen := int(binary.BigEndian.Uint16(body[4:6]))
	if total < lpicpHeaderLen || total > len(body) {
		return nil, fmt.Errorf("lpicp: truncated record: have %d of %d bytes",
			len(body), total)
	}

	rec := body[lpicpHeaderLen:total]
	if nameLen > len(rec) {
		return nil, fmt.Errorf("lpicp: name length %d exceeds record", nameLen)
	}
	msg := &LPICPMessage{Type: recType, Monitor: string(rec[:nameLen])}

	switch recType {
	case LPICPStats:
		stats, err := decodeLPICPStats(rec[nameLen:])
		if err != nil {
			return nil, err
		}
		stats.Monitor = msg.Monitor
		msg.Stats = stats
	case LPICPProtocols:
		protos, err := decodeLPICPProtocols(rec[nameLen:])
		if err != nil {
			return nil, err
		}
		msg.Protocols = protos
	case LPICPPush:
	default:
		return nil, fmt.Errorf("lpicp: unknown record type %d", recType)
	}
	return msg, nil
}

func decodeLPICPStats(b []byte) (*LPICPStatsRecord, error) {
	if len(b) < lpicpStatsLen {
		return nil, fmt.Errorf("lpicp: short stats record: %d bytes", len(b))
	}
	ts := binary.BigEndian.Uint32(b[0:4])
	freq := binary.BigEndian.Uint32(b[8:12])
	dir := int(b[12])
	metric := int(b[13])
	nres := int(binary.BigEndian.Uint16(b[14:16]))
	userLen := int(binary.BigEndian.Uint16(b[16:18]))

	if dir >= len(lpiDirections) {
		return nil, fmt.Errorf("lpicp: unknown direction %d", dir)
	}
	if metric >= len(lpiMetrics) {
		return nil, fmt.Errorf("lpicp: unknown metric %d", metric)
	}

	b = b[lpicpStatsLen:]
	if len(b) < userLen {
		return nil, fmt.Errorf("lpicp: user name exceeds record")
	}
	user := string(b[:userLen])
	b = b[userLen:]

	if len(b) < nres*lpicpResultLen {
		return nil, fmt.Errorf("lpicp: stats record wants %d results, has %d bytes",
			nres, len(b))
	}
	results := make([]LPICPResult, nres)
	for i := 0; i < nres; i++ {
		off := i * lpicpResultLen
		results[i] = LPICPResult{
			Protocol: binary.BigEndian.Uint32(b[off : off+4]),
			Value:    binary.BigEndian.Uint64(b[off+4 : off+12]),
		}
	}

	return &LPICPStatsRecord{
		User:      user,
		Direction: lpiDirections[dir],
		Metric:    lpiMetrics[metric],
		Timestamp: int64(ts),
		Freq:      int(freq),
		Results:   results,
	}, nil
}

func decodeLPICPProtocols(b []byte) (map[uint32]string, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("lpicp: short protocols record: %d bytes", len(b))
	}
	count := int(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]

	protos := make(map[uint32]string, count)
	for i := 0; i < count; i++ {
		if len(b) < 6 {
			return nil, fmt.Errorf("lpicp: truncated protocol entry %d", i)
		}
		id := binary.BigEndian.Uint32(b[:4])
		slen := int(binary.BigEndian.Uint16(b[4:6]))
		b = b[6:]
		if len(b) < slen {
			return nil, fmt.Errorf("lpicp: truncated protocol name in entry %d", i)
		}
		protos[id] = string(b[:slen])
		b = b[slen:]
	}
	return protos, nil
}
