package ges

import (
	"sync"
	"time"

	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/wire"
)

// deadlockDetector runs the gossip-based rotating detector described in
// spec §4.4: every node piggybacks a snapshot of the resources it masters
// onto its periodic heartbeat (SWIM-style gossip, since the wire protocol
// has no dedicated snapshot-exchange message); only the node with the
// lowest live instance id aggregates snapshots into a waits-for graph and
// breaks cycles, the same rotation rule used for view-change coordination
// and recoverer selection (spec §4.1, §4.6).
type deadlockDetector struct {
	svc *Service

	mu        sync.Mutex
	snapshots map[nodeid.NodeId][]gossipResource

	stop chan struct{}
	wg   sync.WaitGroup
}

func newDeadlockDetector(s *Service) *deadlockDetector {
	return &deadlockDetector{
		svc:       s,
		snapshots: make(map[nodeid.NodeId][]gossipResource),
		stop:      make(chan struct{}),
	}
}

func (d *deadlockDetector) Start(period time.Duration) {
	d.wg.Add(1)
	go d.loop(period)
}

func (d *deadlockDetector) Stop() {
	close(d.stop)
	d.wg.Wait()
}

func (d *deadlockDetector) loop(period time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.detect()
		}
	}
}

// gossipPayload is registered as the interconnect's heartbeat payload
// provider: every outbound heartbeat carries this node's own mastered-
// resource snapshot, and (being a gossip protocol) the aggregator's own
// snapshot is folded in locally rather than waiting to hear it echoed back.
func (d *deadlockDetector) gossipPayload() []byte {
	resources := d.svc.snapshotMastered()
	if len(resources) == 0 {
		return nil
	}
	d.recordSnapshot(d.svc.self, resources)
	return encodeGossip(resources)
}

func (d *deadlockDetector) onGossip(from nodeid.NodeId, payload []byte) {
	resources, err := decodeGossip(payload)
	if err != nil {
		logger.Warningf("ges: malformed gossip snapshot from %v: %v", from, err)
		return
	}
	d.recordSnapshot(from, resources)
}

func (d *deadlockDetector) recordSnapshot(from nodeid.NodeId, resources []gossipResource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots[from] = resources
}

type waiterKey struct {
	reqID       uint64
	requester   uint32
	submittedAt uint64
	resource    ResourceID
}

// detect runs one pass of the rotating detector: only the lowest live
// instance id aggregates, so at most one node is ever building the graph
// at a time, avoiding duplicate victim selection (spec §4.4).
func (d *deadlockDetector) detect() {
	view := d.svc.ic.View()
	lowest := view.LowestInstance()
	if lowest == nil || lowest.ID() != d.svc.self {
		return
	}

	d.mu.Lock()
	snapshots := make(map[nodeid.NodeId][]gossipResource, len(d.snapshots))
	for k, v := range d.snapshots {
		snapshots[k] = v
	}
	d.mu.Unlock()

	edges := make(map[waiterKey][]uint32)
	waiters := make(map[waiterKey]bool)
	for _, resources := range snapshots {
		for _, res := range resources {
			for _, q := range res.Queue {
				wk := waiterKey{reqID: q.ReqID, requester: q.Requester, submittedAt: q.SubmittedAt, resource: res.Resource}
				waiters[wk] = true
				for _, h := range res.Holders {
					if h == q.Requester {
						continue
					}
					edges[wk] = append(edges[wk], h)
				}
			}
		}
	}
	if len(waiters) == 0 {
		return
	}

	// waiterByHolder maps a holder instance id back to every waiterKey it
	// is itself blocked on (if it is also queued somewhere), so the graph
	// walk can continue through a holder who is simultaneously a waiter
	// elsewhere.
	waiterByHolder := make(map[uint32][]waiterKey)
	for wk := range waiters {
		waiterByHolder[wk.requester] = append(waiterByHolder[wk.requester], wk)
	}

	for start := range waiters {
		if cycle := findCycle(start, edges, waiterByHolder); cycle != nil {
			d.breakCycle(cycle)
			return
		}
	}
}

// findCycle walks the waits-for graph depth-first from start, following
// waiter->holder edges and then holder->(its own waits, if any) edges,
// returning the full path if it loops back to start.
func findCycle(start waiterKey, edges map[waiterKey][]uint32, waiterByHolder map[uint32][]waiterKey) []waiterKey {
	visited := make(map[waiterKey]bool)
	var path []waiterKey

	var walk func(wk waiterKey) []waiterKey
	walk = func(wk waiterKey) []waiterKey {
		if visited[wk] {
			return nil
		}
		visited[wk] = true
		path = append(path, wk)
		for _, holderInst := range edges[wk] {
			for _, next := range waiterByHolder[holderInst] {
				if next == start && len(path) > 0 {
					out := make([]waiterKey, len(path))
					copy(out, path)
					return out
				}
				if found := walk(next); found != nil {
					return found
				}
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return walk(start)
}

// breakCycle picks the victim named by spec §4.4 ("youngest request", i.e.
// latest SubmittedAt, tie-broken by instance id) and aborts it.
func (d *deadlockDetector) breakCycle(cycle []waiterKey) {
	victim := cycle[0]
	for _, wk := range cycle[1:] {
		if wk.submittedAt > victim.submittedAt ||
			(wk.submittedAt == victim.submittedAt && wk.requester > victim.requester) {
			victim = wk
		}
	}

	victimNode, ok := d.svc.nodeByInstance(victim.requester)
	if !ok {
		return
	}

	payload := encodeAbort(abortPayload{ReqID: victim.reqID, Resource: victim.resource})
	if victimNode == d.svc.self {
		d.svc.onAbort(&wire.Message{Payload: payload})
		return
	}
	if err := d.svc.ic.Send(victimNode, wire.KindGesDeadlockAbort, payload, 0); err != nil {
		logger.Warningf("ges: deadlock abort send to %v failed: %v", victimNode, err)
	}
}
