package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the header version byte. Peers speaking a different header
// version are disconnected during the handshake.
const Version = 1

// APIVersion is exchanged in VERSION_CHECK messages. It changes whenever
// a body encoding changes, independently of the header version.
const APIVersion = "1.3.0"

// HeaderLen is the fixed size of the message header in bytes.
const HeaderLen = 4

// MaxBodyLen is the largest body a single frame can carry. Senders with
// more data than this must split it across frames.
const MaxBodyLen = 0xffff

// Message types.
const (
	MsgRequest        uint8 = 1
	MsgCollections    uint8 = 2
	MsgSchemas        uint8 = 3
	MsgStreams        uint8 = 4
	MsgHistory        uint8 = 5
	MsgLive           uint8 = 6
	MsgSubscribe      uint8 = 7
	MsgAggregate      uint8 = 8
	MsgPercentile     uint8 = 9
	MsgQueryCancelled uint8 = 10
	MsgPush           uint8 = 11
	MsgVersionCheck   uint8 = 12
)

// Request subtypes carried in a REQUEST body.
const (
	ReqCollections uint32 = 0
	ReqStreams     uint32 = 1
	ReqSchemas     uint32 = 2

	// ReqActiveStreams is retained so old clients get a clean refusal
	// instead of a protocol error. Servers never answer it with data.
	ReqActiveStreams uint32 = 3
)

var msgNames = map[uint8]string{
	MsgRequest:        "REQUEST",
	MsgCollections:    "COLLECTIONS",
	MsgSchemas:        "SCHEMAS",
	MsgStreams:        "STREAMS",
	MsgHistory:        "HISTORY",
	MsgLive:           "LIVE",
	MsgSubscribe:      "SUBSCRIBE",
	MsgAggregate:      "AGGREGATE",
	MsgPercentile:     "PERCENTILE",
	MsgQueryCancelled: "QUERY_CANCELLED",
	MsgPush:           "PUSH",
	MsgVersionCheck:   "VERSION_CHECK",
}

// MsgName returns a printable name for a message type byte.
func MsgName(t uint8) string {
	if n, ok := msgNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", t)
}

// ErrBodyTooLarge is returned when an encoded body does not fit in a
// single frame.
var ErrBodyTooLarge = fmt.Errorf("protocol: body exceeds %d bytes", MaxBodyLen)

// ErrBadVersion is returned when a frame carries an unexpected header
// version byte.
type ErrBadVersion struct {
	Got uint8
}

func (e ErrBadVersion) Error() string {
	return fmt.Sprintf("protocol: bad header version %d, want %d", e.Got, Version)
}

// Frame is a single decoded message, body still encoded.
type Frame struct {
	Type uint8
	Body []byte
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, msgType uint8, body []byte) error {
	if len(body) > MaxBodyLen {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderLen+len(body))
	buf[0] = Version
	buf[1] = msgType
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	copy(buf[HeaderLen:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one framed message from r. It blocks until a full
// frame arrives or the reader fails.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if hdr[0] != Version {
		return Frame{}, ErrBadVersion{Got: hdr[0]}
	}
	f := Frame{Type: hdr[1]}
	n := binary.BigEndian.Uint16(hdr[2:4])
	if n > 0 {
		f.Body = make([]byte, n)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Request is the fixed-size body of a REQUEST message. Collection and
// Start are meaningful only for the subtypes that use them.
type Request struct {
	Type       uint32
	Collection uint32
	Start      uint32
}

const requestLen = 12

// EncodeRequest packs a REQUEST body.
func EncodeRequest(req Request) []byte {
	buf := make([]byte, requestLen)
	binary.BigEndian.PutUint32(buf[0:4], req.Type)
	binary.BigEndian.PutUint32(buf[4:8], req.Collection)
	binary.BigEndian.PutUint32(buf[8:12], req.Start)
	return buf
}

// DecodeRequest unpacks a REQUEST body.
func DecodeRequest(body []byte) (Request, error) {
	if len(body) != requestLen {
		return Request{}, fmt.Errorf("protocol: REQUEST body is %d bytes, want %d", len(body), requestLen)
	}
	return Request{
		Type:       binary.BigEndian.Uint32(body[0:4]),
		Collection: binary.BigEndian.Uint32(body[4:8]),
		Start:      binary.BigEndian.Uint32(body[8:12]),
	}, nil
}
