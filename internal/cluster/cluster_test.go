package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/gcs"
	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
	"github.com/kickboxer/racdb/internal/query"
	"github.com/kickboxer/racdb/internal/store"
	"github.com/kickboxer/racdb/internal/topology"
)

func testExec(_ context.Context, _ string, _ query.ShardID, _ *query.FilterSpec) (*query.RowSet, error) {
	return &query.RowSet{}, nil
}

func setupTestCluster(t *testing.T, self topology.Node, transport interconnect.Transport, view *topology.View, engine store.Engine) *Cluster {
	t.Helper()
	c, err := New(config.Default(), nil, self, transport, view, engine, testExec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestNewRejectsNilEngine(t *testing.T) {
	a := NewNode("a", "loopback://a", partitioner.Token([]byte{1}), nodeid.New(), 0, "dc1")
	view := &topology.View{Seq: 1, Members: []topology.Node{a}}
	_, err := New(config.Default(), nil, a, interconnect.NewLoopbackTransport(), view, nil, testExec)
	if err == nil {
		t.Fatalf("expected error for nil engine")
	}
}

func TestNewRejectsViewMissingSelf(t *testing.T) {
	a := NewNode("a", "loopback://a", partitioner.Token([]byte{1}), nodeid.New(), 0, "dc1")
	b := NewNode("b", "loopback://b", partitioner.Token([]byte{2}), nodeid.New(), 1, "dc1")
	view := &topology.View{Seq: 1, Members: []topology.Node{b}}
	_, err := New(config.Default(), nil, a, interconnect.NewLoopbackTransport(), view, store.NewMemEngine(), testExec)
	if err == nil {
		t.Fatalf("expected error for view missing local node")
	}
}

// TestTwoNodeClusterAgreesOnMastership starts two Cluster instances over a
// shared loopback transport and shared engine, checks that both nodes'
// directories name the same master for a block, then acquires that block
// in X on the mastering node, exercising the full New/Start wiring rather
// than gcs/grd in isolation.
func TestTwoNodeClusterAgreesOnMastership(t *testing.T) {
	transport := interconnect.NewLoopbackTransport()
	engine := store.NewMemEngine()

	a := NewNode("a", "loopback://a", partitioner.Token([]byte{1}), nodeid.New(), 0, "dc1")
	b := NewNode("b", "loopback://b", partitioner.Token([]byte{2}), nodeid.New(), 1, "dc1")
	view := &topology.View{Seq: 1, Members: []topology.Node{a, b}}

	ca := setupTestCluster(t, a, transport, view, engine)
	cb := setupTestCluster(t, b, transport, view, engine)

	if ca.Status() != StatusNormal || cb.Status() != StatusNormal {
		t.Fatalf("expected both clusters NORMAL after Start, got %v / %v", ca.Status(), cb.Status())
	}

	block := store.BlockID{FileID: 1, BlockNo: 1}
	if ma, mb := ca.Directory().MasterOf(grd.ResourceID(block.String())), cb.Directory().MasterOf(grd.ResourceID(block.String())); ma != mb {
		t.Fatalf("nodes disagree on master of %v: a says %v, b says %v", block, ma, mb)
	}
	master := ca
	if ca.Directory().MasterOf(grd.ResourceID(block.String())) != ca.NodeID() {
		master = cb
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := master.GCS().Acquire(ctx, block, gcs.ModeX, 0)
	if err != nil {
		t.Fatalf("acquire on mastering node: %v", err)
	}
	if h.Mode != gcs.ModeX {
		t.Fatalf("expected ModeX handle, got %v", h.Mode)
	}
}
