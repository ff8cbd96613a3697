package gcs

import (
	"bufio"
	"bytes"

	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/store"
	"github.com/kickboxer/racdb/internal/wire"
)

// Every GCS payload starts with a request id so an async reply can be
// correlated back to the operation that triggered it, then the
// message-specific fields, following the teacher's field-by-field
// Serialize/Deserialize convention (cluster/message_test.go).

func writeBlockID(w *bufio.Writer, b store.BlockID) error {
	if err := wire.WriteUint32(w, b.FileID); err != nil {
		return err
	}
	return wire.WriteUint64(w, b.BlockNo)
}

func readBlockID(r *bufio.Reader) (store.BlockID, error) {
	fileID, err := wire.ReadUint32(r)
	if err != nil {
		return store.BlockID{}, err
	}
	blockNo, err := wire.ReadUint64(r)
	if err != nil {
		return store.BlockID{}, err
	}
	return store.BlockID{FileID: fileID, BlockNo: blockNo}, nil
}

type requestPayload struct {
	ReqID         uint64
	Block         store.BlockID
	Mode          Mode
	SCNFloor      uint64
	RequesterInst uint32
}

func encodeRequest(p requestPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = writeBlockID(w, p.Block)
	_ = wire.WriteByte(w, byte(p.Mode))
	_ = wire.WriteUint64(w, p.SCNFloor)
	_ = wire.WriteUint32(w, p.RequesterInst)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeRequest(payload []byte) (requestPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p requestPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Block, err = readBlockID(r); err != nil {
		return p, err
	}
	mb, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.Mode = Mode(mb)
	if p.SCNFloor, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.RequesterInst, err = wire.ReadUint32(r); err != nil {
		return p, err
	}
	return p, nil
}

type downgradePayload struct {
	ReqID      uint64
	Block      store.BlockID
	TargetMode Mode
}

func encodeDowngrade(p downgradePayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = writeBlockID(w, p.Block)
	_ = wire.WriteByte(w, byte(p.TargetMode))
	_ = w.Flush()
	return buf.Bytes()
}

func decodeDowngrade(payload []byte) (downgradePayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p downgradePayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Block, err = readBlockID(r); err != nil {
		return p, err
	}
	mb, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.TargetMode = Mode(mb)
	return p, nil
}

type ackPayload struct {
	ReqID uint64
	Block store.BlockID
	SCN   uint64
	Image []byte // attached iff the downgrading holder was X
}

func encodeAck(p ackPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = writeBlockID(w, p.Block)
	_ = wire.WriteUint64(w, p.SCN)
	_ = wire.WriteFieldBytes(w, p.Image)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeAck(payload []byte) (ackPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p ackPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Block, err = readBlockID(r); err != nil {
		return p, err
	}
	if p.SCN, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Image, err = wire.ReadFieldBytes(r); err != nil {
		return p, err
	}
	return p, nil
}

type grantPayload struct {
	ReqID  uint64
	Block  store.BlockID
	Source GrantSource
	SCN    uint64
	Mode   Mode
	Image  []byte // present when Source == SourceHolder, or read from disk by caller when SourceDisk
}

func encodeGrant(p grantPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = writeBlockID(w, p.Block)
	_ = wire.WriteByte(w, byte(p.Source))
	_ = wire.WriteUint64(w, p.SCN)
	_ = wire.WriteByte(w, byte(p.Mode))
	_ = wire.WriteFieldBytes(w, p.Image)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeGrant(payload []byte) (grantPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p grantPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Block, err = readBlockID(r); err != nil {
		return p, err
	}
	sb, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.Source = GrantSource(sb)
	if p.SCN, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	mb, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.Mode = Mode(mb)
	if p.Image, err = wire.ReadFieldBytes(r); err != nil {
		return p, err
	}
	return p, nil
}

type installedPayload struct {
	ReqID uint64
	Block store.BlockID
	SCN   uint64
}

func encodeInstalled(p installedPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = writeBlockID(w, p.Block)
	_ = wire.WriteUint64(w, p.SCN)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeInstalled(payload []byte) (installedPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p installedPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Block, err = readBlockID(r); err != nil {
		return p, err
	}
	if p.SCN, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	return p, nil
}

type writtenBackPayload struct {
	Block store.BlockID
	SCN   uint64
}

func encodeWrittenBack(p writtenBackPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = writeBlockID(w, p.Block)
	_ = wire.WriteUint64(w, p.SCN)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeWrittenBack(payload []byte) (writtenBackPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p writtenBackPayload
	var err error
	if p.Block, err = readBlockID(r); err != nil {
		return p, err
	}
	if p.SCN, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	return p, nil
}

// nodeKey turns a NodeId into the string form used to address instances in
// payload-adjacent lookups (kept out of the wire format itself, which
// addresses by the numeric instance id carried in MessageHeader).
func nodeKey(id nodeid.NodeId) string { return id.String() }
