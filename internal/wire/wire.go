// Package wire implements the inter-node wire protocol of spec §6: a
// fixed MessageHeader framed length-prefixed over a stream connection, with
// a CRC32C checksum covering header-with-checksum-zeroed plus payload.
// Framing follows the length-prefixed-field idiom of the teacher's
// serializer package (WriteFieldBytes/ReadFieldBytes).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/kickboxer/racdb/internal/racerr"
)

// Magic identifies the protocol on the wire: "RAC1".
const Magic uint32 = 0x52414331

// Version is the current wire protocol version.
const Version uint16 = 1

// Kind enumerates every message kind named in spec §6.
type Kind uint16

const (
	KindHeartbeat Kind = iota + 1
	KindViewPropose
	KindViewAck
	KindViewCommit
	KindGrdLookup
	KindGrdReply
	KindGcsRequest
	KindGcsGrant
	KindGcsDowngrade
	KindGcsAck
	KindGcsInstalled
	KindGcsWrittenBack
	KindGcsInvalidate
	KindGesEnqueue
	KindGesConvert
	KindGesRelease
	KindGesGrant
	KindGesRevoke
	KindGesDeadlockAbort
	KindTaskDispatch
	KindTaskResult
	KindTaskCancel
	KindRedoRequest
	KindRedoReply
	KindPiQuery
	KindPiReply
)

// ExperimentalRangeStart is the first reserved kind value for experiments
// (spec: "Reserved range 0xF000-0xFFFF for experiments").
const ExperimentalRangeStart Kind = 0xF000

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// headerWireSize is the byte length of MessageHeader on the wire: all
// fixed-width fields, no padding.
const headerWireSize = 4 + 2 + 2 + 4 + 4 + 8 + 8 + 8 + 4 + 4

// MessageHeader is the fixed header prefixing every wire message, per spec
// §6.
type MessageHeader struct {
	Magic      uint32
	Version    uint16
	Kind       Kind
	From       uint32
	To         uint32 // 0xFFFFFFFF = broadcast
	ViewSeq    uint64
	Seq        uint64 // per-connection monotonic
	SCN        uint64
	PayloadLen uint32
	Checksum   uint32
}

// Broadcast is the reserved "to" value meaning "every member of the view".
const Broadcast uint32 = 0xFFFFFFFF

// Message is a header plus its opaque, already-serialized payload bytes.
// Higher layers (gcs, ges, grd, interconnect) define their own payload
// structs and (de)serialize them independently, the way the teacher's
// ConnectionRequest/ConnectionAcceptedResponse implement Serialize/
// Deserialize against a shared framing.
type Message struct {
	Header  MessageHeader
	Payload []byte
}

// NewMessage builds a Message with a correct header, computing the checksum
// over header-with-checksum-zeroed plus payload.
func NewMessage(kind Kind, from, to uint32, viewSeq, seq, scn uint64, payload []byte) *Message {
	h := MessageHeader{
		Magic:      Magic,
		Version:    Version,
		Kind:       kind,
		From:       from,
		To:         to,
		ViewSeq:    viewSeq,
		Seq:        seq,
		SCN:        scn,
		PayloadLen: uint32(len(payload)),
	}
	m := &Message{Header: h, Payload: payload}
	m.Header.Checksum = m.computeChecksum()
	return m
}

func (m *Message) computeChecksum() uint32 {
	h := m.Header
	h.Checksum = 0
	buf := make([]byte, headerWireSize+len(m.Payload))
	encodeHeader(buf, &h)
	copy(buf[headerWireSize:], m.Payload)
	return crc32.Checksum(buf, castagnoliTable)
}

// Verify reports whether the message's checksum matches its contents.
func (m *Message) Verify() error {
	if m.Header.Magic != Magic {
		return racerr.New(racerr.Corrupted, "bad magic 0x%x", m.Header.Magic)
	}
	want := m.computeChecksum()
	if want != m.Header.Checksum {
		return racerr.New(racerr.Corrupted, "checksum mismatch: got 0x%x want 0x%x", m.Header.Checksum, want)
	}
	if m.Header.PayloadLen != uint32(len(m.Payload)) {
		return racerr.New(racerr.Corrupted, "payload length mismatch: header says %d, got %d bytes", m.Header.PayloadLen, len(m.Payload))
	}
	return nil
}

func encodeHeader(buf []byte, h *MessageHeader) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Kind))
	binary.BigEndian.PutUint32(buf[8:12], h.From)
	binary.BigEndian.PutUint32(buf[12:16], h.To)
	binary.BigEndian.PutUint64(buf[16:24], h.ViewSeq)
	binary.BigEndian.PutUint64(buf[24:32], h.Seq)
	binary.BigEndian.PutUint64(buf[32:40], h.SCN)
	binary.BigEndian.PutUint32(buf[40:44], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[44:48], h.Checksum)
}

func decodeHeader(buf []byte) MessageHeader {
	return MessageHeader{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		Version:    binary.BigEndian.Uint16(buf[4:6]),
		Kind:       Kind(binary.BigEndian.Uint16(buf[6:8])),
		From:       binary.BigEndian.Uint32(buf[8:12]),
		To:         binary.BigEndian.Uint32(buf[12:16]),
		ViewSeq:    binary.BigEndian.Uint64(buf[16:24]),
		Seq:        binary.BigEndian.Uint64(buf[24:32]),
		SCN:        binary.BigEndian.Uint64(buf[32:40]),
		PayloadLen: binary.BigEndian.Uint32(buf[40:44]),
		Checksum:   binary.BigEndian.Uint32(buf[44:48]),
	}
}

// maxPayload guards against a corrupted length field causing an
// unbounded allocation.
const maxPayload = 256 << 20

// WriteMessage frames and writes m to w, flushing if w is a *bufio.Writer.
func WriteMessage(w io.Writer, m *Message) error {
	buf := make([]byte, headerWireSize)
	encodeHeader(buf, &m.Header)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return err
		}
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// ReadMessage reads and validates one framed Message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	buf := make([]byte, headerWireSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	h := decodeHeader(buf)
	if h.PayloadLen > maxPayload {
		return nil, racerr.New(racerr.Corrupted, "payload length %d exceeds maximum %d", h.PayloadLen, maxPayload)
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	m := &Message{Header: h, Payload: payload}
	if err := m.Verify(); err != nil {
		return nil, err
	}
	return m, nil
}

func (k Kind) String() string {
	names := map[Kind]string{
		KindHeartbeat:        "Heartbeat",
		KindViewPropose:      "ViewPropose",
		KindViewAck:          "ViewAck",
		KindViewCommit:       "ViewCommit",
		KindGrdLookup:        "GrdLookup",
		KindGrdReply:         "GrdReply",
		KindGcsRequest:       "GcsRequest",
		KindGcsGrant:         "GcsGrant",
		KindGcsDowngrade:     "GcsDowngrade",
		KindGcsAck:           "GcsAck",
		KindGcsInstalled:     "GcsInstalled",
		KindGcsWrittenBack:   "GcsWrittenBack",
		KindGcsInvalidate:    "GcsInvalidate",
		KindGesEnqueue:       "GesEnqueue",
		KindGesConvert:       "GesConvert",
		KindGesRelease:       "GesRelease",
		KindGesGrant:         "GesGrant",
		KindGesRevoke:        "GesRevoke",
		KindGesDeadlockAbort: "GesDeadlockAbort",
		KindTaskDispatch:     "TaskDispatch",
		KindTaskResult:       "TaskResult",
		KindTaskCancel:       "TaskCancel",
		KindRedoRequest:      "RedoRequest",
		KindRedoReply:        "RedoReply",
		KindPiQuery:          "PiQuery",
		KindPiReply:          "PiReply",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(0x%x)", uint16(k))
}
