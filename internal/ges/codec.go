package ges

import (
	"bufio"
	"bytes"

	"github.com/kickboxer/racdb/internal/wire"
)

type requestPayload struct {
	ReqID         uint64
	Resource      ResourceID
	Mode          LockMode
	RequesterInst uint32
	SubmittedAt   uint64 // unix nanos, for deadlock-victim tie-breaking
}

func encodeRequest(p requestPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = wire.WriteFieldString(w, string(p.Resource))
	_ = wire.WriteByte(w, byte(p.Mode))
	_ = wire.WriteUint32(w, p.RequesterInst)
	_ = wire.WriteUint64(w, p.SubmittedAt)
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
	res, err := wire.ReadFieldString(r)
	if err != nil {
		return p, err
	}
	p.Resource = ResourceID(res)
	mb, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.Mode = LockMode(mb)
	if p.RequesterInst, err = wire.ReadUint32(r); err != nil {
		return p, err
	}
	if p.SubmittedAt, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	return p, nil
}

type releasePayload struct {
	Resource ResourceID
	ReqID    uint64 // nonzero when withdrawing a still-queued request rather than releasing a grant
}

func encodeRelease(p releasePayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteFieldString(w, string(p.Resource))
	_ = wire.WriteUint64(w, p.ReqID)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeRelease(payload []byte) (releasePayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p releasePayload
	res, err := wire.ReadFieldString(r)
	if err != nil {
		return p, err
	}
	p.Resource = ResourceID(res)
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	return p, nil
}

type grantPayload struct {
	ReqID    uint64
	Resource ResourceID
	Mode     LockMode
}

func encodeGrant(p grantPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = wire.WriteFieldString(w, string(p.Resource))
	_ = wire.WriteByte(w, byte(p.Mode))
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
	res, err := wire.ReadFieldString(r)
	if err != nil {
		return p, err
	}
	p.Resource = ResourceID(res)
	mb, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.Mode = LockMode(mb)
	return p, nil
}

type abortPayload struct {
	ReqID    uint64
	Resource ResourceID
}

func encodeAbort(p abortPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.ReqID)
	_ = wire.WriteFieldString(w, string(p.Resource))
	_ = w.Flush()
	return buf.Bytes()
}

func decodeAbort(payload []byte) (abortPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p abortPayload
	var err error
	if p.ReqID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	res, err := wire.ReadFieldString(r)
	if err != nil {
		return p, err
	}
	p.Resource = ResourceID(res)
	return p, nil
}

// gossipWaiter is one queued-but-ungranted request on a resource this node
// masters, as published in the heartbeat-piggybacked snapshot used by the
// deadlock detector.
type gossipWaiter struct {
	ReqID       uint64
	Requester   uint32 // instance id
	SubmittedAt uint64
}

// gossipResource is one mastered resource's holder/queue snapshot.
type gossipResource struct {
	Resource ResourceID
	Holders  []uint32 // instance ids
	Queue    []gossipWaiter
}

func encodeGossip(resources []gossipResource) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint32(w, uint32(len(resources)))
	for _, res := range resources {
		_ = wire.WriteFieldString(w, string(res.Resource))
		_ = wire.WriteUint32(w, uint32(len(res.Holders)))
		for _, h := range res.Holders {
			_ = wire.WriteUint32(w, h)
		}
		_ = wire.WriteUint32(w, uint32(len(res.Queue)))
		for _, q := range res.Queue {
			_ = wire.WriteUint64(w, q.ReqID)
			_ = wire.WriteUint32(w, q.Requester)
			_ = wire.WriteUint64(w, q.SubmittedAt)
		}
	}
	_ = w.Flush()
	return buf.Bytes()
}

func decodeGossip(payload []byte) ([]gossipResource, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	r := bufio.NewReader(bytes.NewReader(payload))
	n, err := wire.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]gossipResource, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := wire.ReadFieldString(r)
		if err != nil {
			return nil, err
		}
		nh, err := wire.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		holders := make([]uint32, 0, nh)
		for j := uint32(0); j < nh; j++ {
			h, err := wire.ReadUint32(r)
			if err != nil {
				return nil, err
			}
			holders = append(holders, h)
		}
		nq, err := wire.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		queue := make([]gossipWaiter, 0, nq)
		for j := uint32(0); j < nq; j++ {
			reqID, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}
			requester, err := wire.ReadUint32(r)
			if err != nil {
				return nil, err
			}
			submittedAt, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}
			queue = append(queue, gossipWaiter{ReqID: reqID, Requester: requester, SubmittedAt: submittedAt})
		}
		out = append(out, gossipResource{Resource: ResourceID(name), Holders: holders, Queue: queue})
	}
	return out, nil
}
