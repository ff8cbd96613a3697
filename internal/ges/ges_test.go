package ges

import (
	"context"
	"testing"
	"time"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
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
		cfg.DeadlockDetectPeriod = 50 * time.Millisecond
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.SuspectAfter = 150 * time.Millisecond
		cfg.FailAfter = 250 * time.Millisecond
		ic := interconnect.New(cfg, members[i], transport, view, nil)
		if err := ic.Start(); err != nil {
			t.Fatalf("node %d: start interconnect: %v", i, err)
		}
		dir := grd.New(cfg, nil, view)
		svc := New(cfg, nil, ic, dir, members[i].ID())
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

// TestSharedModeBatchGrantsTogether exercises shared-mode compatibility:
// while A holds CR, CR requests from B and then C must each be granted
// without A releasing, since CR is self-compatible.
func TestSharedModeBatchGrantsTogether(t *testing.T) {
	nodes := setupCluster(t, 3)
	resource := ResourceID("table:accounts")
	a, b, c := nodes[0], nodes[1], nodes[2]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := a.svc.Enqueue(ctx, resource, CR); err != nil {
		t.Fatalf("A enqueue CR: %v", err)
	}
	gb, err := b.svc.Enqueue(ctx, resource, CR)
	if err != nil {
		t.Fatalf("B enqueue CR: %v", err)
	}
	gc, err := c.svc.Enqueue(ctx, resource, CR)
	if err != nil {
		t.Fatalf("C enqueue CR: %v", err)
	}
	if gb.Mode != CR || gc.Mode != CR {
		t.Fatalf("expected both B and C granted CR, got B=%v C=%v", gb.Mode, gc.Mode)
	}
}

// TestIncompatibleModeBlocksQueue exercises FIFO ordering: once A holds EX,
// a later CR request from B must block until A releases, even though CR
// would otherwise be freely shareable.
func TestIncompatibleModeBlocksQueue(t *testing.T) {
	nodes := setupCluster(t, 2)
	resource := ResourceID("table:orders")
	a, b := nodes[0], nodes[1]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := a.svc.Enqueue(ctx, resource, EX); err != nil {
		t.Fatalf("A enqueue EX: %v", err)
	}

	grantCh := make(chan *Grant, 1)
	errCh := make(chan error, 1)
	go func() {
		g, err := b.svc.Enqueue(ctx, resource, CR)
		if err != nil {
			errCh <- err
			return
		}
		grantCh <- g
	}()

	select {
	case <-grantCh:
		t.Fatalf("B should not be granted CR while A holds EX")
	case <-errCh:
		t.Fatalf("B enqueue errored before A released")
	case <-time.After(200 * time.Millisecond):
	}

	if err := a.svc.Release(resource); err != nil {
		t.Fatalf("A release: %v", err)
	}

	select {
	case g := <-grantCh:
		if g.Mode != CR {
			t.Fatalf("expected B granted CR after release, got %v", g.Mode)
		}
	case err := <-errCh:
		t.Fatalf("B enqueue failed after release: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("B never granted CR after A released")
	}
}

// TestDeadlockCycleIsBroken exercises scenario 3: A holds resource R1 and
// waits on R2; B holds R2 and waits on R1. The gossip-based detector must
// break the cycle within a bounded number of detection periods, aborting
// one side so the other makes progress.
func TestDeadlockCycleIsBroken(t *testing.T) {
	nodes := setupCluster(t, 2)
	a, b := nodes[0], nodes[1]
	r1 := ResourceID("row:1")
	r2 := ResourceID("row:2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := a.svc.Enqueue(ctx, r1, EX); err != nil {
		t.Fatalf("A enqueue r1 EX: %v", err)
	}
	if _, err := b.svc.Enqueue(ctx, r2, EX); err != nil {
		t.Fatalf("B enqueue r2 EX: %v", err)
	}

	type outcome struct {
		g   *Grant
		err error
	}
	aCh := make(chan outcome, 1)
	bCh := make(chan outcome, 1)
	go func() {
		g, err := a.svc.Enqueue(ctx, r2, EX)
		if err != nil {
			// simulates the usual response to a Deadlock error: the
			// aborted side rolls back, releasing what it already held,
			// so the surviving side can make progress.
			_ = a.svc.Release(r1)
		}
		aCh <- outcome{g, err}
	}()
	go func() {
		g, err := b.svc.Enqueue(ctx, r1, EX)
		if err != nil {
			_ = b.svc.Release(r2)
		}
		bCh <- outcome{g, err}
	}()

	var oa, ob outcome
	select {
	case oa = <-aCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("A's request on r2 never resolved; deadlock not detected")
	}
	select {
	case ob = <-bCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("B's request on r1 never resolved; deadlock not detected")
	}

	aAborted := oa.err != nil
	bAborted := ob.err != nil
	if aAborted == bAborted {
		t.Fatalf("expected exactly one side aborted to break the cycle, got A aborted=%v (err=%v) B aborted=%v (err=%v)", aAborted, oa.err, bAborted, ob.err)
	}
	if aAborted && oa.g != nil {
		t.Fatalf("aborted side should not also receive a grant")
	}
	if bAborted && ob.g != nil {
		t.Fatalf("aborted side should not also receive a grant")
	}
}
