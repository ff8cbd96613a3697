package gcs

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
	"github.com/kickboxer/racdb/internal/store"
	"github.com/kickboxer/racdb/internal/topology"
)

type testNode struct {
	id  nodeid.NodeId
	ic  *interconnect.Interconnect
	dir *grd.Directory
	svc *Service
}

func setupCluster(t *testing.T, n int) []*testNode {
	t.Helper()
	transport := interconnect.NewLoopbackTransport()
	members := make([]topology.Node, n)
	names := []string{"a", "b", "c", "d"}
	for i := 0; i < n; i++ {
		members[i] = topology.NewNode(names[i], "loopback://"+names[i], partitioner.Token([]byte{byte(i + 1)}), nodeid.New(), nodeid.InstanceID(i), "dc1")
	}
	view := &topology.View{Seq: 1, Members: members}

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		cfg := config.Default()
		ic := interconnect.New(cfg, members[i], transport, view, nil)
		if err := ic.Start(); err != nil {
			t.Fatalf("node %d: start interconnect: %v", i, err)
		}
		dir := grd.New(cfg, nil, view)
		engine := store.NewMemEngine()
		svc := New(cfg, nil, ic, dir, engine, members[i].ID())
		svc.Start()
		nodes[i] = &testNode{id: members[i].ID(), ic: ic, dir: dir, svc: svc}
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.svc.Stop()
			n.ic.Stop()
		}
	})
	return nodes
}

func byID(nodes []*testNode, id nodeid.NodeId) *testNode {
	for _, n := range nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

// TestCacheFusionReadDowngradesHolder exercises scenario 1: A acquires a
// block X and dirties it, then B requests S. The master must downgrade A to
// S and ship A's current bytes to B, without either side touching disk.
func TestCacheFusionReadDowngradesHolder(t *testing.T) {
	nodes := setupCluster(t, 2)
	block := store.BlockID{FileID: 1, BlockNo: 42}

	master := byID(nodes, nodes[0].dir.MasterOf(grd.ResourceID(block.String())))
	var a, b *testNode
	if master.id == nodes[0].id {
		a, b = nodes[0], nodes[1]
	} else {
		a, b = nodes[1], nodes[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handleA, err := a.svc.Acquire(ctx, block, ModeX, 0)
	if err != nil {
		t.Fatalf("A acquire X: %v", err)
	}
	if handleA.Mode != ModeX {
		t.Fatalf("expected A to hold X, got %v", handleA.Mode)
	}
	if err := a.svc.MarkDirty(block, []byte{0xAA}, 1); err != nil {
		t.Fatalf("A mark dirty: %v", err)
	}

	handleB, err := b.svc.Acquire(ctx, block, ModeS, 0)
	if err != nil {
		t.Fatalf("B acquire S: %v", err)
	}
	if handleB.Mode != ModeS {
		t.Fatalf("expected B to hold S, got %v", handleB.Mode)
	}
	if !bytes.Equal(handleB.Data, []byte{0xAA}) {
		t.Fatalf("expected B to receive A's dirty image 0xAA, got %v", handleB.Data)
	}

	a.svc.mu.Lock()
	aLocal := a.svc.localBlocks[block]
	a.svc.mu.Unlock()
	if aLocal == nil || aLocal.mode != ModeS {
		t.Fatalf("expected A downgraded to S locally, got %+v", aLocal)
	}
	if len(aLocal.pastImages) != 1 || aLocal.pastImages[0].SCN != 1 {
		t.Fatalf("expected A to retain one past image at scn 1, got %+v", aLocal.pastImages)
	}
}

// TestConvertContentionIsSerialized exercises scenario 2: A holds X; B and C
// both request X concurrently. The master must serialize the two requests
// through its per-block queue so only one holder ends up with X.
func TestConvertContentionIsSerialized(t *testing.T) {
	nodes := setupCluster(t, 3)
	block := store.BlockID{FileID: 2, BlockNo: 7}
	a, b, c := nodes[0], nodes[1], nodes[2]

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := a.svc.Acquire(ctx, block, ModeX, 0); err != nil {
		t.Fatalf("A acquire X: %v", err)
	}

	type result struct {
		h   *BlockHandle
		err error
	}
	bCh := make(chan result, 1)
	cCh := make(chan result, 1)
	go func() {
		h, err := b.svc.Acquire(ctx, block, ModeX, 0)
		bCh <- result{h, err}
	}()
	go func() {
		h, err := c.svc.Acquire(ctx, block, ModeX, 0)
		cCh <- result{h, err}
	}()

	rb := <-bCh
	rc := <-cCh
	if rb.err != nil {
		t.Fatalf("B acquire X: %v", rb.err)
	}
	if rc.err != nil {
		t.Fatalf("C acquire X: %v", rc.err)
	}
	if rb.h.Mode != ModeX || rc.h.Mode != ModeX {
		t.Fatalf("expected both B and C to eventually be granted X, got B=%v C=%v", rb.h.Mode, rc.h.Mode)
	}

	// the master's holder table must end up with exactly one X holder:
	// whichever of B/C was serialized last.
	master := byID(nodes, a.dir.MasterOf(grd.ResourceID(block.String())))
	ms := master.svc.masterStateFor(block)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	xHolders := 0
	for _, mode := range ms.holders {
		if mode == ModeX {
			xHolders++
		}
	}
	if xHolders != 1 {
		t.Fatalf("expected exactly one X holder after serialized contention, got %d: %v", xHolders, ms.holders)
	}
}
