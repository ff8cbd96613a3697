package recovery

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/gcs"
	"github.com/kickboxer/racdb/internal/ges"
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
	gcs *gcs.Service
	ges *ges.Service
	rec *Service
}

// setupCluster wires n nodes against one SHARED MemEngine, mirroring the
// real deployment's shared-disk architecture: every node's gcs/recovery
// sees the same durable blocks and redo streams.
func setupCluster(t *testing.T, n int, engine store.Engine) []*testNode {
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
		cfg.RecoveryPiTimeout = 300 * time.Millisecond
		ic := interconnect.New(cfg, members[i], transport, view, nil)
		if err := ic.Start(); err != nil {
			t.Fatalf("node %d: start interconnect: %v", i, err)
		}
		dir := grd.New(cfg, nil, view)
		gcsSvc := gcs.New(cfg, nil, ic, dir, engine, members[i].ID())
		gcsSvc.Start()
		gesSvc := ges.New(cfg, nil, ic, dir, members[i].ID())
		gesSvc.Start()
		recSvc := New(cfg, nil, ic, dir, gcsSvc, gesSvc, engine, members[i].ID())
		recSvc.Start()
		nodes[i] = &testNode{id: members[i].ID(), ic: ic, dir: dir, gcs: gcsSvc, ges: gesSvc, rec: recSvc}
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			node.rec.Stop()
			node.ges.Stop()
			node.gcs.Stop()
			node.ic.Stop()
		}
	})
	return nodes
}

// byInstance finds the node whose own instance id (within the cluster's
// initial view) is instID. Only meaningful before any departure reshuffles
// who sees what.
func byInstance(nodes []*testNode, instID int) *testNode {
	for _, n := range nodes {
		for _, m := range n.ic.View().Members {
			if m.ID() == n.id && int(m.InstanceID()) == instID {
				return n
			}
		}
	}
	return nil
}

// pickBlockMasteredBy searches for a block whose rendezvous owner is owner,
// using the same placement function grd.Directory uses, so tests can force
// a specific node to master the block under test regardless of the random
// node ids assigned this run.
func pickBlockMasteredBy(t *testing.T, nodes []*testNode, owner *testNode) store.BlockID {
	t.Helper()
	members := make([]partitioner.Member, 0, len(nodes))
	for _, n := range nodes {
		members = append(members, partitioner.StringMember(n.id.String()))
	}
	for file := uint32(1); file < 500; file++ {
		for blockNo := uint64(1); blockNo < 50; blockNo++ {
			b := store.BlockID{FileID: file, BlockNo: blockNo}
			w := partitioner.HighestWeightOwner(b.String(), members)
			if w != nil && w.RendezvousKey() == owner.id.String() {
				return b
			}
		}
	}
	t.Fatalf("no block found mastered by %v in range", owner.id)
	return store.BlockID{}
}

// TestRecoveryConsolidatesPastImageAndRedo exercises the crash-recovery
// scenario: a node crashes mid-write, holding a block at a higher SCN than
// the shared engine has durably checkpointed. The recoverer must pull a
// survivor's retained past image, replay the victim's un-checkpointed redo
// on top of it, and write the consolidated result back before the block
// serves again.
func TestRecoveryConsolidatesPastImageAndRedo(t *testing.T) {
	engine := store.NewMemEngine()
	nodes := setupCluster(t, 3, engine)

	a := byInstance(nodes, 0) // coordinator; survives
	b := byInstance(nodes, 1) // victim; crashes
	c := byInstance(nodes, 2) // survives
	if a == nil || b == nil || c == nil {
		t.Fatalf("expected 3 distinct instances, got a=%v b=%v c=%v", a, b, c)
	}
	block := pickBlockMasteredBy(t, nodes, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// C acquires X, writes scn 90, then A requests S: the master downgrades
	// C to S and C retains a past image at scn 90.
	if _, err := c.gcs.Acquire(ctx, block, gcs.ModeX, 0); err != nil {
		t.Fatalf("C acquire X: %v", err)
	}
	if err := c.gcs.MarkDirty(block, []byte{0x90}, 90); err != nil {
		t.Fatalf("C mark dirty: %v", err)
	}
	if _, err := a.gcs.Acquire(ctx, block, gcs.ModeS, 0); err != nil {
		t.Fatalf("A acquire S: %v", err)
	}
	if err := a.gcs.Release(block); err != nil {
		t.Fatalf("A release: %v", err)
	}

	// B acquires X and "writes" scn 100, logged to the shared redo stream
	// but never checkpointed — then crashes.
	if _, err := b.gcs.Acquire(ctx, block, gcs.ModeX, 0); err != nil {
		t.Fatalf("B acquire X: %v", err)
	}
	if err := b.gcs.MarkDirty(block, []byte{0x64}, 100); err != nil {
		t.Fatalf("B mark dirty: %v", err)
	}
	if err := engine.AppendRedo(1, store.RedoRecord{SCN: 50, Block: block, Payload: []byte{0x32}}); err != nil {
		t.Fatalf("append pre-checkpoint redo: %v", err)
	}
	if err := engine.Checkpoint(80); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := engine.AppendRedo(1, store.RedoRecord{SCN: 100, Block: block, Payload: []byte{0x64}}); err != nil {
		t.Fatalf("append post-checkpoint redo: %v", err)
	}

	// A (lowest surviving instance) declares B's departure.
	a.ic.ProposeLeave(b.id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !a.gcs.IsRecoveryPending(block) && !c.gcs.IsRecoveryPending(block) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if a.gcs.IsRecoveryPending(block) || c.gcs.IsRecoveryPending(block) {
		t.Fatalf("block still recovery-pending after deadline")
	}

	got, err := engine.ReadBlock(block)
	if err != nil {
		t.Fatalf("read back consolidated block: %v", err)
	}
	if !bytes.Equal(got, []byte{0x64}) {
		t.Fatalf("expected consolidated block data 0x64 (scn 100), got %v", got)
	}

	// reads resume against whichever survivor now masters the block.
	master := a
	if a.dir.MasterOf(grd.ResourceID(block.String())) != a.id {
		master = c
	}
	h, err := master.gcs.Acquire(ctx, block, gcs.ModeS, 0)
	if err != nil {
		t.Fatalf("post-recovery acquire: %v", err)
	}
	if !bytes.Equal(h.Data, []byte{0x64}) {
		t.Fatalf("expected post-recovery read to return 0x64, got %v", h.Data)
	}
}

// TestRecoveryNoPastImageReplaysFromDisk exercises the edge case where no
// survivor retains a past image: the recoverer must fall back to the disk
// image and replay every redo record up to the target SCN.
func TestRecoveryNoPastImageReplaysFromDisk(t *testing.T) {
	engine := store.NewMemEngine()
	nodes := setupCluster(t, 3, engine)

	a := byInstance(nodes, 0)
	b := byInstance(nodes, 1)
	c := byInstance(nodes, 2)
	if a == nil || b == nil || c == nil {
		t.Fatalf("expected 3 distinct instances, got a=%v b=%v c=%v", a, b, c)
	}
	block := pickBlockMasteredBy(t, nodes, b)

	if err := engine.WriteBlock(block, []byte{0x01}, 10); err != nil {
		t.Fatalf("seed disk image: %v", err)
	}
	if err := engine.AppendRedo(1, store.RedoRecord{SCN: 10, Block: block, Payload: []byte{0x01}}); err != nil {
		t.Fatalf("append checkpoint redo: %v", err)
	}
	if err := engine.Checkpoint(10); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := engine.AppendRedo(1, store.RedoRecord{SCN: 20, Block: block, Payload: []byte{0x02}}); err != nil {
		t.Fatalf("append post-checkpoint redo: %v", err)
	}

	// reference the block on every survivor so each has a directory entry to
	// remaster once b departs (mirrors a block some node has already
	// cross-referenced before the crash).
	_ = a.dir.MasterOf(grd.ResourceID(block.String()))
	_ = c.dir.MasterOf(grd.ResourceID(block.String()))

	a.ic.ProposeLeave(b.id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !a.gcs.IsRecoveryPending(block) && !c.gcs.IsRecoveryPending(block) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if a.gcs.IsRecoveryPending(block) || c.gcs.IsRecoveryPending(block) {
		t.Fatalf("block still recovery-pending after deadline")
	}

	got, err := engine.ReadBlock(block)
	if err != nil {
		t.Fatalf("read back consolidated block: %v", err)
	}
	if !bytes.Equal(got, []byte{0x02}) {
		t.Fatalf("expected replayed block data 0x02 (scn 20), got %v", got)
	}
}
