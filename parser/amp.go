package parser

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//=====================================================================================
//                       AMP payload decoders
//=====================================================================================

// The amplet client reports each test run as a JSON document. Latency
// style tests (icmp, tcpping, dns, traceroute) carry one entry per
// target; http reports a single page fetch summary.

type icmpResult struct {
	Target     string   `json:"target"`
	Address    string   `json:"address"`
	PacketSize int      `json:"packet_size"`
	Random     bool     `json:"random"`
	Port       int      `json:"port"`
	Rtts       []*int64 `json:"rtts"`
	Loss       int      `json:"loss"`
	Icmperrors int      `json:"icmperrors"`
}

// icmpDecoder handles both the icmp and tcpping tests, which share a
// result shape apart from the target port.
type icmpDecoder struct{}

func (icmpDecoder) Decode(body []byte) (interface{}, error) {
	var results []*icmpResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

type dnsFlags struct {
	QR bool `json:"qr"`
	AA bool `json:"aa"`
	TC bool `json:"tc"`
	RD bool `json:"rd"`
	RA bool `json:"ra"`
	AD bool `json:"ad"`
	CD bool `json:"cd"`
}

type dnsResult struct {
	Destination     string   `json:"destination"`
	Instance        string   `json:"instance"`
	Address         string   `json:"address"`
	Query           string   `json:"query"`
	QueryType       string   `json:"query_type"`
	QueryClass      string   `json:"query_class"`
	UDPPayloadSize  int      `json:"udp_payload_size"`
	Recurse         bool     `json:"recurse"`
	DNSSEC          bool     `json:"dnssec"`
	NSID            bool     `json:"nsid"`
	RTT             *int64   `json:"rtt"`
	QueryLen        *int     `json:"query_len"`
	ResponseSize    *int     `json:"response_size"`
	TotalAnswer     *int     `json:"total_answer"`
	TotalAuthority  *int     `json:"total_authority"`
	TotalAdditional *int     `json:"total_additional"`
	Opcode          *int     `json:"opcode"`
	Rcode           *int     `json:"rcode"`
	TTL             *int     `json:"ttl"`
	Requests        int      `json:"requests"`
	Flags           dnsFlags `json:"flags"`
}

type dnsDecoder struct{}

func (dnsDecoder) Decode(body []byte) (interface{}, error) {
	var results []*dnsResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

type httpResult struct {
	URL         string `json:"url"`
	Destination string `json:"destination"`

	// Older amplet releases report pipelining_maxrequests and keep_alive
	// in place of pipelining_max_requests and persist.
	MaxConnections           int   `json:"max_connections"`
	MaxConnectionsPerServer  int   `json:"max_connections_per_server"`
	MaxPersistentPerServer   int   `json:"max_persistent_connections_per_server"`
	PipeliningMaxRequests    *int  `json:"pipelining_max_requests"`
	PipeliningMaxRequestsOld *int  `json:"pipelining_maxrequests"`
	Persist                  *bool `json:"persist"`
	KeepAlive                *bool `json:"keep_alive"`
	Pipelining               bool  `json:"pipelining"`
	Caching                  bool  `json:"caching"`

	ServerCount *int     `json:"server_count"`
	ObjectCount *int     `json:"object_count"`
	Duration    *float64 `json:"duration"`
	Bytes       *int64   `json:"bytes"`
}

type httpDecoder struct{}

func (httpDecoder) Decode(body []byte) (interface{}, error) {
	result := &httpResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, err
	}
	return result, nil
}

// throughputResult reports one direction of a throughput test run.
// Duration is the configured test length and part of the stream key;
// Runtime is how long the transfer actually took. Both in milliseconds.
type throughputResult struct {
	Target    string   `json:"target"`
	Address   string   `json:"address"`
	Direction string   `json:"direction"`
	Duration  int64    `json:"duration"`
	WriteSize int      `json:"write_size"`
	TCPReused bool     `json:"tcpreused"`
	Runtime   *int64   `json:"runtime"`
	Bytes     *int64   `json:"bytes"`
	Rate      *float64 `json:"rate"`
}

type throughputDecoder struct{}

func (throughputDecoder) Decode(body []byte) (interface{}, error) {
	var results []*throughputResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

type tracerouteHop struct {
	Address *string `json:"address"`
	RTT     *int64  `json:"rtt"`
}

type tracerouteResult struct {
	Target     string          `json:"target"`
	Address    string          `json:"address"`
	PacketSize int             `json:"packet_size"`
	Random     bool            `json:"random"`
	Length     int             `json:"length"`
	ErrorType  *int            `json:"error_type"`
	ErrorCode  *int            `json:"error_code"`
	Hops       []tracerouteHop `json:"hops"`
}

type tracerouteDecoder struct{}

func (tracerouteDecoder) Decode(body []byte) (interface{}, error) {
	var results []*tracerouteResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

//=====================================================================================
//                       Shared AMP helpers
//=====================================================================================

// addressFamily derives the stream family from a reported address.
func addressFamily(address string) string {
	if strings.Contains(address, ".") {
		return "ipv4"
	}
	return "ipv6"
}

// sizeString is the packet size stream property: tests run with random
// payload sizes share one stream.
func sizeString(random bool, size int) string {
	if random {
		return "random"
	}
	return strconv.Itoa(size)
}

// findMedian returns the middle element of an already sorted list, or
// the mean of the two middle elements for even lengths. Empty input has
// no median.
func findMedian(sorted []int64) *int64 {
	n := len(sorted)
	if n == 0 {
		return nil
	}
	var m int64
	if n%2 == 1 {
		m = sorted[n/2]
	} else {
		m = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return &m
}
