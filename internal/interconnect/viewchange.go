package interconnect

import (
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/topology"
	"github.com/kickboxer/racdb/internal/wire"
)

// ProposeJoin proposes a view that adds n. Only the coordinator (lowest live
// instance id) proposes; on any other instance the call returns without
// proposing or forwarding the request.
func (ic *Interconnect) ProposeJoin(n topology.Node) {
	view := ic.View()
	if view.LowestInstance() == nil || view.LowestInstance().ID() != ic.self.ID() {
		return
	}
	members := append(append([]topology.Node(nil), view.Members...), n)
	ic.propose(&topology.View{Seq: view.Seq + 1, Members: members})
}

// ProposeLeave handles a clean leave: the coordinator proposes a view
// excluding the departing node immediately, without waiting out the
// failure-detector timers (spec §4.1: "join, clean leave, failure
// declaration" are the three view-mutation triggers).
func (ic *Interconnect) ProposeLeave(id nodeid.NodeId) {
	view := ic.View()
	if view.LowestInstance() == nil || view.LowestInstance().ID() != ic.self.ID() {
		return
	}
	members := make([]topology.Node, 0, len(view.Members))
	for _, m := range view.Members {
		if m.ID() != id {
			members = append(members, m)
		}
	}
	ic.propose(&topology.View{Seq: view.Seq + 1, Members: members})
}

func (ic *Interconnect) proposeViewExcluding(failed []topology.Node) {
	view := ic.View()
	excluded := make(map[nodeid.NodeId]bool, len(failed))
	for _, f := range failed {
		excluded[f.ID()] = true
		logger.Warningf("declaring instance %v (%v) failed after %v of silence", f.InstanceID(), f.Name(), ic.cfg.FailAfter)
	}
	members := make([]topology.Node, 0, len(view.Members))
	for _, m := range view.Members {
		if !excluded[m.ID()] {
			members = append(members, m)
		}
	}
	ic.propose(&topology.View{Seq: view.Seq + 1, Members: members})
}

func (ic *Interconnect) propose(proposed *topology.View) {
	ic.mu.Lock()
	if ic.pendingProposal != nil {
		ic.mu.Unlock()
		return // a proposal is already in flight
	}
	ic.pendingProposal = proposed
	ic.pendingAcks = map[nodeid.NodeId]bool{ic.self.ID(): true}
	prevView := ic.view
	ic.mu.Unlock()

	payload, err := encodeView(proposed)
	if err != nil {
		logger.Errorf("failed to encode view proposal: %v", err)
		return
	}
	logger.Infof("proposing view_seq=%d with %d members", proposed.Seq, len(proposed.Members))

	if prevView.Quorum() <= 1 {
		// single-node cluster (or we're the only survivor): no one else
		// to ack, commit immediately.
		ic.commitView(proposed)
		return
	}

	for _, m := range prevView.Members {
		if m.ID() == ic.self.ID() {
			continue
		}
		go func(to nodeid.NodeId) {
			if err := ic.Send(to, wire.KindViewPropose, payload, 0); err != nil {
				logger.Debugf("view propose to %v failed: %v", to, err)
			}
		}(m.ID())
	}
}

func (ic *Interconnect) onViewPropose(msg *wire.Message) {
	proposed, err := decodeView(msg.Payload)
	if err != nil {
		logger.Errorf("failed to decode view proposal: %v", err)
		return
	}
	current := ic.View()
	if proposed.Seq <= current.Seq {
		return // stale proposal
	}
	ic.mu.Lock()
	ic.pendingProposal = proposed
	ic.mu.Unlock()

	// ack back to the proposer (From is an instance id in this view).
	coordID, ok := ic.memberByInstanceID(nodeid.InstanceID(msg.Header.From))
	if !ok {
		logger.Warningf("view proposal from unknown instance %d", msg.Header.From)
		return
	}
	ackPayload, err := encodeView(proposed)
	if err != nil {
		return
	}
	if err := ic.Send(coordID, wire.KindViewAck, ackPayload, 0); err != nil {
		logger.Debugf("failed to ack view proposal: %v", err)
	}
}

func (ic *Interconnect) onViewAck(msg *wire.Message) {
	acked, err := decodeView(msg.Payload)
	if err != nil {
		return
	}
	ic.mu.Lock()
	if ic.pendingProposal == nil || ic.pendingProposal.Seq != acked.Seq {
		ic.mu.Unlock()
		return
	}
	from, ok := ic.memberByInstanceID(nodeid.InstanceID(msg.Header.From))
	if ok {
		ic.pendingAcks[from] = true
	}
	acks := len(ic.pendingAcks)
	prevQuorum := ic.view.Quorum()
	ic.mu.Unlock()

	if acks >= prevQuorum {
		ic.commitView(acked)
	}
}

func (ic *Interconnect) onViewCommit(msg *wire.Message) {
	committed, err := decodeView(msg.Payload)
	if err != nil {
		return
	}
	ic.applyCommittedView(committed)
}

func (ic *Interconnect) commitView(v *topology.View) {
	ic.applyCommittedView(v)
	payload, err := encodeView(v)
	if err != nil {
		return
	}
	ic.Broadcast(wire.KindViewCommit, payload, 0)
}

func (ic *Interconnect) applyCommittedView(v *topology.View) {
	ic.mu.Lock()
	if v.Seq <= ic.view.Seq {
		ic.mu.Unlock()
		return
	}
	ic.view = v
	ic.viewSeqLog = append(ic.viewSeqLog, v.Seq)
	ic.pendingProposal = nil
	ic.pendingAcks = nil
	for id := range ic.suspected {
		if !v.Contains(id) {
			delete(ic.suspected, id)
		}
	}
	// evict connections to members no longer in the view, per spec: "All
	// in-flight messages whose view_seq < committed view_seq are dropped;
	// retries must re-address."
	for id, c := range ic.conns {
		if !v.Contains(id) {
			_ = c.Close()
			delete(ic.conns, id)
		}
	}
	watchers := append([]chan *topology.View(nil), ic.viewWatchers...)
	ic.mu.Unlock()

	ic.metrics.Inc("interconnect.view_changes")
	ic.metrics.ViewChanges.Inc()
	logger.Infof("committed view_seq=%d, %d members", v.Seq, len(v.Members))

	for _, ch := range watchers {
		select {
		case ch <- v:
		default:
		}
	}
}

// SelfFence trips split-brain protection: while fenced, Send refuses every
// message with a Quorum error and Health reports Fenced. The interconnect
// does not call it itself when quorum is lost, and the fence stays set
// until Unfence is called.
func (ic *Interconnect) SelfFence() {
	ic.mu.Lock()
	already := ic.fenced
	ic.fenced = true
	ic.mu.Unlock()
	if !already {
		logger.Criticalf("self-fencing: lost quorum of previous view, suspending GCS/GES activity")
	}
}

// Unfence clears self-fencing. Committing a new view does not call it.
func (ic *Interconnect) Unfence() {
	ic.mu.Lock()
	ic.fenced = false
	ic.mu.Unlock()
}

// ViewSeqHistory returns every view_seq this instance has ever committed,
// oldest first — used to check prefix-agreement (P4) in tests.
func (ic *Interconnect) ViewSeqHistory() []uint64 {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return append([]uint64(nil), ic.viewSeqLog...)
}
