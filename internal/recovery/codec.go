package recovery

import (
	"bufio"
	"bytes"

	"github.com/kickboxer/racdb/internal/store"
	"github.com/kickboxer/racdb/internal/wire"
)

// Every recovery payload starts with a request id for reply correlation,
// following the same field-by-field convention as gcs/ges's codecs.

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

// piQueryPayload asks a survivor for its best retained image of Block at or
// below Ceiling (spec §4.6 phase 4).
type piQueryPayload struct {
	ReqID   uint64
	Block   store.BlockID
	Ceiling uint64
}

func encodePiQuery(p piQueryPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = writeBlockID(w, p.Block)
	_ = wire.WriteUint64(w, p.Ceiling)
	_ = w.Flush()
	return buf.Bytes()
}

func decodePiQuery(payload []byte) (piQueryPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p piQueryPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Block, err = readBlockID(r); err != nil {
		return p, err
	}
	if p.Ceiling, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	return p, nil
}

type piReplyPayload struct {
	ReqID uint64
	HasPI bool
	SCN   uint64
	Data  []byte
}

func encodePiReply(p piReplyPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	has := byte(0)
	if p.HasPI {
		has = 1
	}
	_ = wire.WriteByte(w, has)
	_ = wire.WriteUint64(w, p.SCN)
	_ = wire.WriteFieldBytes(w, p.Data)
	_ = w.Flush()
	return buf.Bytes()
}

func decodePiReply(payload []byte) (piReplyPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p piReplyPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	has, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.HasPI = has != 0
	if p.SCN, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Data, err = wire.ReadFieldBytes(r); err != nil {
		return p, err
	}
	return p, nil
}

// redoRequestPayload is a newly-claimed master asking the recoverer to
// resolve Block: consolidate it if it's in the victim's recovery set, or
// confirm it needs no redo, either way unblocking the claim-phase hold.
type redoRequestPayload struct {
	ReqID uint64
	Block store.BlockID
}

func encodeRedoRequest(p redoRequestPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = writeBlockID(w, p.Block)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeRedoRequest(payload []byte) (redoRequestPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p redoRequestPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Block, err = readBlockID(r); err != nil {
		return p, err
	}
	return p, nil
}

type redoReplyPayload struct {
	ReqID uint64
	OK    bool
	SCN   uint64
}

func encodeRedoReply(p redoReplyPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	ok := byte(0)
	if p.OK {
		ok = 1
	}
	_ = wire.WriteByte(w, ok)
	_ = wire.WriteUint64(w, p.SCN)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeRedoReply(payload []byte) (redoReplyPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p redoReplyPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	ok, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.OK = ok != 0
	if p.SCN, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	return p, nil
}
