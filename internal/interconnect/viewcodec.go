package interconnect

import (
	"bufio"
	"bytes"

	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
	"github.com/kickboxer/racdb/internal/topology"
	"github.com/kickboxer/racdb/internal/wire"
)

// encodeView serializes a View for ViewPropose/ViewAck/ViewCommit payloads,
// following the teacher's Serialize(*bufio.Writer)/field-by-field style
// (cluster/message_test.go's ConnectionRequest/ConnectionAcceptedResponse).
func encodeView(v *topology.View) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	if err := wire.WriteUint64(w, v.Seq); err != nil {
		return nil, err
	}
	if err := wire.WriteUint32(w, uint32(len(v.Members))); err != nil {
		return nil, err
	}
	for _, m := range v.Members {
		if err := wire.WriteFieldBytes(w, m.ID().Bytes()); err != nil {
			return nil, err
		}
		if err := wire.WriteUint32(w, uint32(m.InstanceID())); err != nil {
			return nil, err
		}
		if err := wire.WriteFieldString(w, m.Name()); err != nil {
			return nil, err
		}
		if err := wire.WriteFieldString(w, m.Addr()); err != nil {
			return nil, err
		}
		if err := wire.WriteFieldBytes(w, m.Token()); err != nil {
			return nil, err
		}
		if err := wire.WriteFieldString(w, string(m.DatacenterID())); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeView(payload []byte) (*topology.View, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	seq, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	count, err := wire.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	members := make([]topology.Node, 0, count)
	for i := uint32(0); i < count; i++ {
		idBytes, err := wire.ReadFieldBytes(r)
		if err != nil {
			return nil, err
		}
		id, err := nodeid.FromBytes(idBytes)
		if err != nil {
			return nil, err
		}
		instID, err := wire.ReadUint32(r)
		if err != nil {
			return nil, err
		}
		name, err := wire.ReadFieldString(r)
		if err != nil {
			return nil, err
		}
		addr, err := wire.ReadFieldString(r)
		if err != nil {
			return nil, err
		}
		token, err := wire.ReadFieldBytes(r)
		if err != nil {
			return nil, err
		}
		dcID, err := wire.ReadFieldString(r)
		if err != nil {
			return nil, err
		}
		members = append(members, topology.NewNode(name, addr, partitioner.Token(token), id, nodeid.InstanceID(instID), topology.DatacenterID(dcID)))
	}
	return &topology.View{Seq: seq, Members: members}, nil
}
