package interconnect

import (
	"testing"
	"time"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
	"github.com/kickboxer/racdb/internal/topology"
	"github.com/kickboxer/racdb/internal/wire"
)

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.SuspectAfter = 60 * time.Millisecond
	cfg.FailAfter = 120 * time.Millisecond
	return cfg
}

func makeNode(name, addr string, tok byte, inst nodeid.InstanceID) topology.Node {
	return topology.NewNode(name, addr, partitioner.Token([]byte{tok}), nodeid.New(), inst, "dc1")
}

func twoNodeCluster(t *testing.T) (*Interconnect, *Interconnect, func()) {
	t.Helper()
	transport := NewLoopbackTransport()
	a := makeNode("a", "loopback://a", 1, 0)
	b := makeNode("b", "loopback://b", 2, 1)
	view := &topology.View{Seq: 1, Members: []topology.Node{a, b}}

	icA := New(fastConfig(), a, transport, view, nil)
	icB := New(fastConfig(), b, transport, view, nil)

	if err := icA.Start(); err != nil {
		t.Fatalf("unexpected error starting A: %v", err)
	}
	if err := icB.Start(); err != nil {
		t.Fatalf("unexpected error starting B: %v", err)
	}
	return icA, icB, func() {
		icA.Stop()
		icB.Stop()
	}
}

func TestSendDeliversToSubscriber(t *testing.T) {
	icA, icB, cleanup := twoNodeCluster(t)
	defer cleanup()

	sub := icB.Subscribe(wire.KindGcsRequest)
	bID := icB.View().Members[1].ID()
	if err := icA.Send(bID, wire.KindGcsRequest, []byte("hello"), 7); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	select {
	case msg := <-sub:
		if string(msg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got %q", msg.Payload)
		}
		if msg.Header.SCN != 7 {
			t.Errorf("expected SCN 7, got %d", msg.Header.SCN)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendToUnknownNodeIsUnreachable(t *testing.T) {
	icA, _, cleanup := twoNodeCluster(t)
	defer cleanup()
	if err := icA.Send(nodeid.New(), wire.KindGcsRequest, nil, 0); err == nil {
		t.Fatalf("expected Unreachable error for a node not in the view")
	}
}

func TestHeartbeatKeepsPeerOffSuspectList(t *testing.T) {
	icA, icB, cleanup := twoNodeCluster(t)
	defer cleanup()

	aID := icA.View().Members[0].ID()
	_ = icB.Send(aID, wire.KindHeartbeat, nil, 0) // prime liveness both ways
	time.Sleep(300 * time.Millisecond)

	if icA.Health() != HealthHealthy && icA.Health() != HealthQuorate {
		t.Errorf("expected healthy/quorate interconnect under active heartbeats, got %v", icA.Health())
	}
}

func TestProposeJoinCommitsNewView(t *testing.T) {
	transport := NewLoopbackTransport()
	a := makeNode("a", "loopback://a", 1, 0)
	view := &topology.View{Seq: 1, Members: []topology.Node{a}}
	icA := New(fastConfig(), a, transport, view, nil)
	if err := icA.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer icA.Stop()

	b := makeNode("b", "loopback://b", 2, 1)
	icA.ProposeJoin(b)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if icA.View().Seq == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if icA.View().Seq != 2 {
		t.Fatalf("expected view_seq 2 after join, got %d", icA.View().Seq)
	}
	if len(icA.View().Members) != 2 {
		t.Fatalf("expected 2 members after join, got %d", len(icA.View().Members))
	}
}

func TestViewSeqHistoryIsMonotonic(t *testing.T) {
	transport := NewLoopbackTransport()
	a := makeNode("a", "loopback://a", 1, 0)
	view := &topology.View{Seq: 1, Members: []topology.Node{a}}
	icA := New(fastConfig(), a, transport, view, nil)
	if err := icA.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer icA.Stop()

	b := makeNode("b", "loopback://b", 2, 1)
	icA.ProposeJoin(b)
	time.Sleep(200 * time.Millisecond)

	hist := icA.ViewSeqHistory()
	for i := 1; i < len(hist); i++ {
		if hist[i] <= hist[i-1] {
			t.Errorf("view_seq history must be strictly increasing: %v", hist)
		}
	}
}
