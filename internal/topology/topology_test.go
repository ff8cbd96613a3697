package topology

import (
	"testing"

	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
)

func newTestNode(name string, tok byte, inst nodeid.InstanceID) Node {
	return NewNode(name, name+":7700", partitioner.Token([]byte{tok}), nodeid.New(), inst, DatacenterID("dc1"))
}

func TestViewQuorumAndLowestInstance(t *testing.T) {
	v := &View{Seq: 3, Members: []Node{
		newTestNode("a", 1, 5),
		newTestNode("b", 2, 2),
		newTestNode("c", 3, 9),
	}}
	if q := v.Quorum(); q != 2 {
		t.Errorf("expected quorum 2 for 3 members, got %d", q)
	}
	if v.LowestInstance().Name() != "b" {
		t.Errorf("expected lowest instance id member b, got %v", v.LowestInstance().Name())
	}
}

func TestViewContains(t *testing.T) {
	a := newTestNode("a", 1, 0)
	v := &View{Seq: 1, Members: []Node{a}}
	if !v.Contains(a.ID()) {
		t.Errorf("expected view to contain a")
	}
	if v.Contains(nodeid.New()) {
		t.Errorf("expected view to not contain a random id")
	}
}
