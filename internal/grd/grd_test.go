package grd

import (
	"testing"
	"time"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
	"github.com/kickboxer/racdb/internal/topology"
)

func testView(n int) (*topology.View, []nodeid.NodeId) {
	members := make([]topology.Node, n)
	ids := make([]nodeid.NodeId, n)
	for i := 0; i < n; i++ {
		node := topology.NewNode("n", "addr", partitioner.Token{byte(i)}, nodeid.New(), nodeid.InstanceID(i), "dc1")
		members[i] = node
		ids[i] = node.ID()
	}
	return &topology.View{Seq: 1, Members: members}, ids
}

func TestMasterOfIsDeterministicAndAssignsOnFirstReference(t *testing.T) {
	view, _ := testView(3)
	d := New(config.Default(), nil, view)

	m1 := d.MasterOf("block:1:1")
	m2 := d.MasterOf("block:1:1")
	if m1 != m2 {
		t.Errorf("expected stable master assignment, got %v then %v", m1, m2)
	}
}

func TestOnViewChangeRemastersDepartedOwner(t *testing.T) {
	view, ids := testView(3)
	d := New(config.Default(), nil, view)

	master := d.MasterOf("block:1:1")

	// remove the current master from the view
	remaining := make([]topology.Node, 0, 2)
	for _, m := range view.Members {
		if m.ID() != master {
			remaining = append(remaining, m)
		}
	}
	newView := &topology.View{Seq: 2, Members: remaining}
	moved := d.OnViewChange(newView)

	if len(moved) != 1 || moved[0] != ResourceID("block:1:1") {
		t.Fatalf("expected block:1:1 to be remastered, got %v", moved)
	}
	newMaster := d.MasterOf("block:1:1")
	if newMaster == master {
		t.Errorf("expected a different master after departure, still %v", newMaster)
	}
	found := false
	for _, id := range ids {
		if id == newMaster {
			found = true
		}
	}
	if !found {
		t.Errorf("new master %v is not a known id", newMaster)
	}
}

func TestScanForSkewProposesRemasterAboveThreshold(t *testing.T) {
	view, _ := testView(3)
	cfg := config.Default()
	cfg.RemasterPeriod = 10 * time.Millisecond
	cfg.SkewMinRate = 1
	cfg.SkewThreshold = 0.5
	d := New(cfg, nil, view)

	master := d.MasterOf("block:1:1")
	var nonMaster nodeid.NodeId
	for _, m := range view.Members {
		if m.ID() != master {
			nonMaster = m.ID()
			break
		}
	}
	for i := 0; i < 1000; i++ {
		d.RegisterAccess("block:1:1", nonMaster)
	}

	proposals := d.scanForSkew()
	if len(proposals) != 1 {
		t.Fatalf("expected 1 remaster proposal, got %d", len(proposals))
	}
	if proposals[0].NewMaster != nonMaster {
		t.Errorf("expected proposal to favor %v, got %v", nonMaster, proposals[0].NewMaster)
	}
}

func TestScanForSkewIgnoresLowRate(t *testing.T) {
	view, _ := testView(3)
	cfg := config.Default()
	cfg.RemasterPeriod = 1 * time.Second
	cfg.SkewMinRate = 1_000_000 // unreachable rate
	d := New(cfg, nil, view)

	master := d.MasterOf("block:1:1")
	var nonMaster nodeid.NodeId
	for _, m := range view.Members {
		if m.ID() != master {
			nonMaster = m.ID()
			break
		}
	}
	d.RegisterAccess("block:1:1", nonMaster)

	proposals := d.scanForSkew()
	if len(proposals) != 0 {
		t.Errorf("expected no proposals below R_min, got %v", proposals)
	}
}
