// Package nodeid provides the cluster-wide instance identifier. It plays the
// role of the teacher's node.NodeId, which was backed by the now-defunct
// code.google.com/p/go-uuid; google/uuid is the drop-in modern replacement.
package nodeid

import "github.com/google/uuid"

// NodeId identifies a cluster instance. Instances also have a small
// numeric InstanceID (RAC_NODE_ID, used for "lowest live instance id"
// tie-breaks in view-change/deadlock-detector rotation); NodeId is the
// opaque identity used on the wire and in holder tables.
type NodeId uuid.UUID

// New generates a fresh random NodeId.
func New() NodeId {
	return NodeId(uuid.New())
}

func (n NodeId) String() string {
	return uuid.UUID(n).String()
}

// Bytes returns the raw 16 bytes, for wire encoding.
func (n NodeId) Bytes() []byte {
	b := uuid.UUID(n)
	return b[:]
}

// FromBytes decodes a NodeId previously produced by Bytes.
func FromBytes(b []byte) (NodeId, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NodeId{}, err
	}
	return NodeId(u), nil
}

// InstanceID is the small numeric id (RAC_NODE_ID) used for "lowest live
// instance" tie-breaks: view coordinator election, deadlock detector
// rotation, and recoverer selection (spec §4.1, §4.4, §4.6).
type InstanceID uint32
