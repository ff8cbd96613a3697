// Package topology tracks cluster membership: node identity and the View
// abstraction (an ordered membership epoch, spec invariant I5). The
// teacher's topology/datacenter.go additionally ring-partitions nodes
// per datacenter for placement (DatacenterContainer, Ring.GetNodesForToken);
// this cluster does placement by rendezvous hashing over the flat member
// list instead (partitioner.HighestWeightOwner, used from internal/grd), so
// that ring/per-DC bucketing has no caller here and is not carried over.
package topology

import (
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
)

// DatacenterID names a datacenter; single-DC deployments use one constant
// value.
type DatacenterID string

// NodeStatus is the liveness state of a peer, as tracked by the
// interconnect's failure detector.
type NodeStatus string

const (
	NodeInitializing NodeStatus = ""
	NodeUp           NodeStatus = "UP"
	NodeSuspect      NodeStatus = "SUSPECT"
	NodeDown         NodeStatus = "DOWN"
)

// Node is a member of the cluster. Unlike the teacher's Node interface
// (which exposed a store-backed ExecuteQuery), this one is purely about
// identity and placement — block/lock execution lives in gcs/ges, which
// hold Node references only to look up instance id and address.
type Node interface {
	Name() string
	Addr() string
	Token() partitioner.Token
	ID() nodeid.NodeId
	InstanceID() nodeid.InstanceID
	DatacenterID() DatacenterID
	Status() NodeStatus
}

// node is the concrete Node used for membership bookkeeping; interconnect
// and cluster construct these for both the local instance and every peer.
type node struct {
	name     string
	addr     string
	token    partitioner.Token
	id       nodeid.NodeId
	instID   nodeid.InstanceID
	dcID     DatacenterID
	status   NodeStatus
}

// NewNode constructs a Node for use in a View.
func NewNode(name, addr string, token partitioner.Token, id nodeid.NodeId, instID nodeid.InstanceID, dcID DatacenterID) Node {
	return &node{name: name, addr: addr, token: token, id: id, instID: instID, dcID: dcID, status: NodeUp}
}

func (n *node) Name() string                 { return n.name }
func (n *node) Addr() string                 { return n.addr }
func (n *node) Token() partitioner.Token     { return n.token }
func (n *node) ID() nodeid.NodeId            { return n.id }
func (n *node) InstanceID() nodeid.InstanceID { return n.instID }
func (n *node) DatacenterID() DatacenterID   { return n.dcID }
func (n *node) Status() NodeStatus           { return n.status }

// SetStatus transitions a peer's observed liveness. The interconnect's
// failure detector keeps its own suspect list and does not call it.
func SetStatus(n Node, status NodeStatus) {
	if concrete, ok := n.(*node); ok {
		concrete.status = status
	}
}

// View is an ordered cluster membership epoch (spec §3, invariant I5). Every
// alive instance must observe the same view sequence, or at minimum a
// prefix-agreement (P4): one node's view history is a prefix of the other's.
type View struct {
	Seq     uint64
	Members []Node
}

// Contains reports whether id is a member of this view.
func (v *View) Contains(id nodeid.NodeId) bool {
	for _, m := range v.Members {
		if m.ID() == id {
			return true
		}
	}
	return false
}

// Quorum is strict majority of len(Members): floor(N/2)+1.
func (v *View) Quorum() int {
	return len(v.Members)/2 + 1
}

// LowestInstance returns the member with the smallest InstanceID, used for
// coordinator election (view change), deadlock-detector rotation, and
// recoverer selection (spec §4.1, §4.4, §4.6).
func (v *View) LowestInstance() Node {
	if len(v.Members) == 0 {
		return nil
	}
	lowest := v.Members[0]
	for _, m := range v.Members[1:] {
		if m.InstanceID() < lowest.InstanceID() {
			lowest = m
		}
	}
	return lowest
}
