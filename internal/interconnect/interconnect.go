// Package interconnect is the cluster's foundational messaging layer (spec
// §4.1): reliable, in-order delivery between instances; heartbeat-based
// membership with two-stage failure detection; coordinator-led view change
// with quorum ack; split-brain self-fencing; and the cluster-wide SCN
// logical clock (spec §3) every message ride-shares. Everything else in the
// cluster core (grd, gcs, ges, recovery, query) is built on top of it.
//
// Grounded on the teacher's cluster.PeerServer/ConnectionPool/RemoteNode
// connection-per-peer model (cluster/node.go) and the handshake message
// shape of cluster/message_test.go.
package interconnect

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/op/go-logging"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/metrics"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/racerr"
	"github.com/kickboxer/racdb/internal/topology"
	"github.com/kickboxer/racdb/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("interconnect")
}

// HealthState summarizes the interconnect's view of itself, surfaced on the
// health endpoint per spec §7 ("Quorum ... surface on health endpoint") and
// SPEC_FULL.md §D.2.
type HealthState string

const (
	HealthHealthy HealthState = "HEALTHY"
	HealthSuspect HealthState = "SUSPECT" // at least one peer suspected, quorum intact
	HealthQuorate HealthState = "QUORATE" // a view change is in flight but quorum held
	HealthFenced  HealthState = "FENCED"  // self-fenced: lost quorum of previous view
)

// Interconnect is one instance's handle onto the cluster's messaging fabric.
type Interconnect struct {
	cfg       *config.Config
	self      topology.Node
	transport Transport
	metrics   *metrics.Sink
	listener  io_Closer

	mu         sync.RWMutex
	view       *topology.View
	viewSeqLog []uint64 // view_seq history, for prefix-agreement checks (P4)
	conns      map[nodeid.NodeId]Conn
	lastSeen   map[nodeid.NodeId]time.Time
	suspected  map[nodeid.NodeId]bool
	fenced     bool
	seqCounter uint64

	// scnClock is this instance's view of the cluster-wide SCN (spec §3): a
	// monotonically increasing logical clock, advanced locally by NextSCN on
	// every committed change and synchronized to the max of local vs. peer
	// value on every message exchanged through Send/Broadcast/dispatch, per
	// invariant I4/P2.
	scnClock uint64

	pendingProposal *topology.View
	pendingAcks     map[nodeid.NodeId]bool

	subs         map[wire.Kind][]chan *wire.Message
	viewWatchers []chan *topology.View

	heartbeatPayloadFn func() []byte
	onHeartbeatExtra   func(from nodeid.NodeId, payload []byte)

	stop chan struct{}
	wg   sync.WaitGroup
}

// SetHeartbeatPayloadProvider lets another component (ges's gossip-based
// deadlock detector) piggyback a small payload onto every outbound
// heartbeat instead of requiring its own round trip, the way SWIM-style
// gossip protocols attach application state to liveness probes.
func (ic *Interconnect) SetHeartbeatPayloadProvider(fn func() []byte) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.heartbeatPayloadFn = fn
}

// OnHeartbeatExtra registers a callback invoked with the sender and payload
// of every inbound heartbeat that carries one.
func (ic *Interconnect) OnHeartbeatExtra(fn func(nodeid.NodeId, []byte)) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.onHeartbeatExtra = fn
}

// New builds an Interconnect for self, booting with initialView (typically
// a single-member view containing only self; further members are added by
// ProposeJoin view changes).
func New(cfg *config.Config, self topology.Node, transport Transport, initialView *topology.View, sink *metrics.Sink) *Interconnect {
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Interconnect{
		cfg:       cfg,
		self:      self,
		transport: transport,
		metrics:   sink,
		view:      initialView,
		conns:     make(map[nodeid.NodeId]Conn),
		lastSeen:  make(map[nodeid.NodeId]time.Time),
		suspected: make(map[nodeid.NodeId]bool),
		subs:      make(map[wire.Kind][]chan *wire.Message),
		stop:      make(chan struct{}),
	}
}

// Start begins listening for inbound connections and the heartbeat/failure
// detection loops.
func (ic *Interconnect) Start() error {
	ln, err := ic.transport.Listen(ic.self.Addr(), ic.handleInboundConn)
	if err != nil {
		return fmt.Errorf("interconnect: listen: %w", err)
	}
	ic.listener = ln

	ic.wg.Add(2)
	go ic.heartbeatLoop()
	go ic.failureDetectorLoop()
	logger.Infof("interconnect started on %v (instance %v)", ic.self.Addr(), ic.self.InstanceID())
	return nil
}

// Stop tears down the listener and background loops.
func (ic *Interconnect) Stop() {
	close(ic.stop)
	if ic.listener != nil {
		_ = ic.listener.Close()
	}
	ic.mu.Lock()
	for _, c := range ic.conns {
		_ = c.Close()
	}
	ic.mu.Unlock()
	ic.wg.Wait()
}

// View returns the current committed membership view.
func (ic *Interconnect) View() *topology.View {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.view
}

// WatchView returns a channel of every future committed view, in order.
func (ic *Interconnect) WatchView() <-chan *topology.View {
	ch := make(chan *topology.View, 8)
	ic.mu.Lock()
	ic.viewWatchers = append(ic.viewWatchers, ch)
	ic.mu.Unlock()
	return ch
}

// Health reports the interconnect's current HealthState.
func (ic *Interconnect) Health() HealthState {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	if ic.fenced {
		return HealthFenced
	}
	if ic.pendingProposal != nil {
		return HealthQuorate
	}
	for _, s := range ic.suspected {
		if s {
			return HealthSuspect
		}
	}
	return HealthHealthy
}

// NextSCN advances the local SCN clock by one and returns the new value,
// stamping a change this instance is committing right now (spec §3: "SCN
// advances on every committed change").
func (ic *Interconnect) NextSCN() uint64 {
	return atomic.AddUint64(&ic.scnClock, 1)
}

// CurrentSCN returns the instance's current SCN high-water mark without
// advancing it.
func (ic *Interconnect) CurrentSCN() uint64 {
	return atomic.LoadUint64(&ic.scnClock)
}

// ObserveSCN folds an SCN learned from somewhere else (an inbound message,
// a caller-assigned commit point) into the local clock, advancing it to
// peer if peer is higher and leaving it alone otherwise. This is the
// "exchange between peers" half of spec §3's SCN definition: the clock
// never needs its own gossip round, it just rides every message already
// carrying one.
func (ic *Interconnect) ObserveSCN(peer uint64) {
	for {
		cur := atomic.LoadUint64(&ic.scnClock)
		if peer <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&ic.scnClock, cur, peer) {
			return
		}
	}
}

// Subscribe returns an in-order stream of messages of the given kind. The
// channel is never closed by Interconnect; callers stop reading on Stop().
func (ic *Interconnect) Subscribe(kind wire.Kind) <-chan *wire.Message {
	ch := make(chan *wire.Message, 256)
	ic.mu.Lock()
	ic.subs[kind] = append(ic.subs[kind], ch)
	ic.mu.Unlock()
	return ch
}

// Send delivers msg to "to", retrying with exponential backoff until the
// peer is declared failed (Unreachable), per spec §4.1. Callers never block
// forever.
func (ic *Interconnect) Send(to nodeid.NodeId, kind wire.Kind, payload []byte, scn uint64) error {
	if ic.isFenced() {
		return racerr.New(racerr.Quorum, "instance is self-fenced, cannot send")
	}
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(ic.cfg.FailAfter)
	for {
		view := ic.View()
		if !view.Contains(to) {
			return racerr.New(racerr.Unreachable, "node %v left the current view (seq %d)", to, view.Seq)
		}
		conn, err := ic.connFor(to)
		if err == nil {
			msg := ic.buildMessage(kind, to, view.Seq, scn, payload)
			if err := conn.Send(msg); err == nil {
				return nil
			}
			ic.dropConn(to)
		}
		if time.Now().After(deadline) || ic.isDeclaredFailed(to) {
			return racerr.New(racerr.Unreachable, "node %v unreachable after retrying", to)
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// Broadcast delivers msg to every member of the current view, best effort:
// unreachable members are dropped silently (they will fall out of the view
// on the next view change).
func (ic *Interconnect) Broadcast(kind wire.Kind, payload []byte, scn uint64) {
	view := ic.View()
	for _, m := range view.Members {
		if m.ID() == ic.self.ID() {
			continue
		}
		go func(to nodeid.NodeId) {
			if err := ic.Send(to, kind, payload, scn); err != nil {
				logger.Debugf("broadcast to %v failed: %v", to, err)
			}
		}(m.ID())
	}
}

func (ic *Interconnect) buildMessage(kind wire.Kind, to nodeid.NodeId, viewSeq, scn uint64, payload []byte) *wire.Message {
	ic.mu.Lock()
	ic.seqCounter++
	seq := ic.seqCounter
	ic.mu.Unlock()
	ic.ObserveSCN(scn)
	return wire.NewMessage(kind, uint32(ic.self.InstanceID()), instanceIDFromView(ic.View(), to), viewSeq, seq, scn, payload)
}

func instanceIDFromView(v *topology.View, to nodeid.NodeId) uint32 {
	for _, m := range v.Members {
		if m.ID() == to {
			return uint32(m.InstanceID())
		}
	}
	return 0
}

func (ic *Interconnect) connFor(to nodeid.NodeId) (Conn, error) {
	ic.mu.Lock()
	if c, ok := ic.conns[to]; ok {
		ic.mu.Unlock()
		return c, nil
	}
	ic.mu.Unlock()

	view := ic.View()
	var addr string
	for _, m := range view.Members {
		if m.ID() == to {
			addr = m.Addr()
			break
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("no known address for %v", to)
	}
	c, err := ic.transport.Dial(addr)
	if err != nil {
		return nil, err
	}
	ic.mu.Lock()
	ic.conns[to] = c
	ic.mu.Unlock()
	go ic.readLoop(to, c)
	return c, nil
}

func (ic *Interconnect) dropConn(to nodeid.NodeId) {
	ic.mu.Lock()
	if c, ok := ic.conns[to]; ok {
		_ = c.Close()
		delete(ic.conns, to)
	}
	ic.mu.Unlock()
}

func (ic *Interconnect) handleInboundConn(c Conn) {
	go ic.readLoop(nodeid.NodeId{}, c)
}

func (ic *Interconnect) readLoop(knownFrom nodeid.NodeId, c Conn) {
	for {
		msg, err := c.Recv()
		if err != nil {
			return
		}
		ic.dispatch(msg)
	}
}

// dispatch routes an inbound message: drops late-view traffic, updates
// liveness, and either handles membership protocol messages internally or
// fans out to subscribers.
func (ic *Interconnect) dispatch(msg *wire.Message) {
	ic.ObserveSCN(msg.Header.SCN)

	currentSeq := ic.View().Seq
	if msg.Header.ViewSeq < currentSeq {
		logger.Debugf("dropping message kind=%v from stale view_seq=%d (current=%d)", msg.Header.Kind, msg.Header.ViewSeq, currentSeq)
		return
	}

	from, ok := ic.memberByInstanceID(nodeid.InstanceID(msg.Header.From))
	if ok {
		ic.mu.Lock()
		ic.lastSeen[from] = time.Now()
		delete(ic.suspected, from)
		ic.mu.Unlock()
	}

	switch msg.Header.Kind {
	case wire.KindHeartbeat:
		// liveness already recorded above.
		if ok && len(msg.Payload) > 0 {
			ic.mu.RLock()
			extra := ic.onHeartbeatExtra
			ic.mu.RUnlock()
			if extra != nil {
				extra(from, msg.Payload)
			}
		}
		return
	case wire.KindViewPropose:
		ic.onViewPropose(msg)
		return
	case wire.KindViewAck:
		ic.onViewAck(msg)
		return
	case wire.KindViewCommit:
		ic.onViewCommit(msg)
		return
	}

	ic.mu.RLock()
	subs := append([]chan *wire.Message(nil), ic.subs[msg.Header.Kind]...)
	ic.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			logger.Warningf("subscriber channel for kind=%v full, dropping message", msg.Header.Kind)
		}
	}
}

func (ic *Interconnect) memberByInstanceID(instID nodeid.InstanceID) (nodeid.NodeId, bool) {
	view := ic.View()
	for _, m := range view.Members {
		if m.InstanceID() == instID {
			return m.ID(), true
		}
	}
	return nodeid.NodeId{}, false
}

func (ic *Interconnect) isFenced() bool {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.fenced
}

func (ic *Interconnect) isDeclaredFailed(id nodeid.NodeId) bool {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	last, ok := ic.lastSeen[id]
	if !ok {
		return false
	}
	return time.Since(last) > ic.cfg.FailAfter
}

func (ic *Interconnect) heartbeatLoop() {
	defer ic.wg.Done()
	ticker := time.NewTicker(ic.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ic.stop:
			return
		case <-ticker.C:
			ic.mu.RLock()
			fn := ic.heartbeatPayloadFn
			ic.mu.RUnlock()
			var payload []byte
			if fn != nil {
				payload = fn()
			}
			ic.Broadcast(wire.KindHeartbeat, payload, 0)
		}
	}
}

// failureDetectorLoop implements the two-stage suspect/fail rule of spec
// §4.1: a peer is suspected after T_suspect of silence, and a view change
// proposing its removal is only initiated by the view coordinator (lowest
// live instance id) once it independently observes T_fail of silence —
// the quorum-ack step of view change is what turns that local observation
// into a cluster-wide declaration.
func (ic *Interconnect) failureDetectorLoop() {
	defer ic.wg.Done()
	ticker := time.NewTicker(ic.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ic.stop:
			return
		case <-ticker.C:
			ic.checkPeerLiveness()
		}
	}
}

func (ic *Interconnect) checkPeerLiveness() {
	view := ic.View()
	if view.LowestInstance() == nil || view.LowestInstance().ID() != ic.self.ID() {
		// only the coordinator proposes view changes.
		ic.markSuspects(view)
		return
	}

	var failed []topology.Node
	for _, m := range view.Members {
		if m.ID() == ic.self.ID() {
			continue
		}
		ic.mu.RLock()
		last, seen := ic.lastSeen[m.ID()]
		ic.mu.RUnlock()
		if !seen {
			continue
		}
		if time.Since(last) > ic.cfg.SuspectAfter {
			ic.mu.Lock()
			ic.suspected[m.ID()] = true
			ic.mu.Unlock()
		}
		if time.Since(last) > ic.cfg.FailAfter {
			failed = append(failed, m)
		}
	}
	if len(failed) > 0 {
		ic.proposeViewExcluding(failed)
	}
}

func (ic *Interconnect) markSuspects(view *topology.View) {
	for _, m := range view.Members {
		if m.ID() == ic.self.ID() {
			continue
		}
		ic.mu.RLock()
		last, seen := ic.lastSeen[m.ID()]
		ic.mu.RUnlock()
		if seen && time.Since(last) > ic.cfg.SuspectAfter {
			ic.mu.Lock()
			ic.suspected[m.ID()] = true
			ic.mu.Unlock()
		}
	}
}
