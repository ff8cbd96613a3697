package ges

import (
	"context"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/metrics"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/racerr"
	"github.com/kickboxer/racdb/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("ges")
}

// waiter is one request (new enqueue or convert) queued against a resource
// this node masters.
type waiter struct {
	reqID       uint64
	requester   nodeid.NodeId
	mode        LockMode
	submittedAt uint64
}

// resourceState is the master-side bookkeeping for one GES resource: who
// holds it, in what mode, and who is FIFO-queued behind an incompatible
// hold (spec §4.4).
type resourceState struct {
	mu      sync.Mutex
	holders map[nodeid.NodeId]LockMode
	queue   []*waiter

	// recoveryPending mirrors gcs's claim-phase hold (spec §4.6): while
	// set, processQueue grants nothing even if the head is compatible.
	recoveryPending bool
}

// localHold is what a node remembers about a resource it currently holds a
// grant on.
type localHold struct {
	mode LockMode
}

type enqueueResult struct {
	grant *Grant
	err   error
}

// Service is one instance's Global Enqueue Service.
type Service struct {
	cfg     *config.Config
	metrics *metrics.Sink
	ic      *interconnect.Interconnect
	grd     *grd.Directory
	self    nodeid.NodeId

	mu             sync.Mutex
	masterResource map[ResourceID]*resourceState
	localHolds     map[ResourceID]*localHold

	reqMu   sync.Mutex
	reqSeq  uint64
	pending map[uint64]chan enqueueResult

	detector *deadlockDetector

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg *config.Config, sink *metrics.Sink, ic *interconnect.Interconnect, directory *grd.Directory, self nodeid.NodeId) *Service {
	if sink == nil {
		sink = metrics.Noop()
	}
	s := &Service{
		cfg:            cfg,
		metrics:        sink,
		ic:             ic,
		grd:            directory,
		self:           self,
		masterResource: make(map[ResourceID]*resourceState),
		localHolds:     make(map[ResourceID]*localHold),
		pending:        make(map[uint64]chan enqueueResult),
		stop:           make(chan struct{}),
	}
	s.detector = newDeadlockDetector(s)
	return s
}

func (s *Service) Start() {
	kinds := []wire.Kind{
		wire.KindGesEnqueue, wire.KindGesConvert, wire.KindGesRelease,
		wire.KindGesGrant, wire.KindGesRevoke, wire.KindGesDeadlockAbort,
	}
	inbox := make(chan *wire.Message, 1024)
	for _, k := range kinds {
		ch := s.ic.Subscribe(k)
		s.wg.Add(1)
		go s.forward(ch, inbox)
	}
	s.wg.Add(1)
	go s.dispatchLoop(inbox)

	s.ic.SetHeartbeatPayloadProvider(s.detector.gossipPayload)
	s.ic.OnHeartbeatExtra(s.detector.onGossip)
	s.detector.Start(s.cfg.DeadlockDetectPeriod)
}

func (s *Service) Stop() {
	close(s.stop)
	s.detector.Stop()
	s.wg.Wait()
}

func (s *Service) forward(ch <-chan *wire.Message, inbox chan *wire.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case inbox <- m:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *Service) dispatchLoop(inbox chan *wire.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case m := <-inbox:
			s.handle(m)
		}
	}
}

func (s *Service) handle(m *wire.Message) {
	switch m.Header.Kind {
	case wire.KindGesEnqueue, wire.KindGesConvert:
		s.onRequest(m)
	case wire.KindGesGrant:
		s.onGrant(m)
	case wire.KindGesRelease:
		s.onRelease(m)
	case wire.KindGesDeadlockAbort:
		s.onAbort(m)
	}
}

func (s *Service) nodeByInstance(instID uint32) (nodeid.NodeId, bool) {
	for _, n := range s.ic.View().Members {
		if uint32(n.InstanceID()) == instID {
			return n.ID(), true
		}
	}
	return nodeid.NodeId{}, false
}

func (s *Service) instanceOf(id nodeid.NodeId) uint32 {
	for _, n := range s.ic.View().Members {
		if n.ID() == id {
			return uint32(n.InstanceID())
		}
	}
	return 0
}

func (s *Service) nextReqID() uint64 {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.reqSeq++
	return s.reqSeq
}

func (s *Service) registerPending(reqID uint64) chan enqueueResult {
	ch := make(chan enqueueResult, 1)
	s.reqMu.Lock()
	s.pending[reqID] = ch
	s.reqMu.Unlock()
	return ch
}

func (s *Service) unregisterPending(reqID uint64) {
	s.reqMu.Lock()
	delete(s.pending, reqID)
	s.reqMu.Unlock()
}

func (s *Service) resolvePending(reqID uint64, grant *Grant, err error) {
	s.reqMu.Lock()
	ch, ok := s.pending[reqID]
	s.reqMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- enqueueResult{grant: grant, err: err}:
	default:
	}
}

// Enqueue acquires resourceID in at least mode, blocking in FIFO order
// behind any incompatible current holder (spec §4.4).
func (s *Service) Enqueue(ctx context.Context, resourceID ResourceID, mode LockMode) (*Grant, error) {
	return s.request(ctx, wire.KindGesEnqueue, resourceID, mode)
}

// Convert re-requests the caller's existing hold on resourceID at mode,
// going through the same FIFO queue as a fresh Enqueue (spec §4.4: converts
// and enqueues share one ordering). The master records the stronger of the
// held and requested modes, so a convert to a weaker mode does not lower
// the hold the master tracks.
func (s *Service) Convert(ctx context.Context, resourceID ResourceID, mode LockMode) (*Grant, error) {
	return s.request(ctx, wire.KindGesConvert, resourceID, mode)
}

func (s *Service) request(ctx context.Context, kind wire.Kind, resourceID ResourceID, mode LockMode) (*Grant, error) {
	start := time.Now()
	master := s.grd.MasterOf(grd.ResourceID(resourceID))

	reqID := s.nextReqID()
	respCh := s.registerPending(reqID)
	defer s.unregisterPending(reqID)

	w := &waiter{reqID: reqID, requester: s.self, mode: mode, submittedAt: uint64(time.Now().UnixNano())}

	if master == s.self {
		s.submitWaiter(resourceID, w)
	} else {
		payload := encodeRequest(requestPayload{ReqID: reqID, Resource: resourceID, Mode: mode, RequesterInst: s.instanceOf(s.self), SubmittedAt: w.submittedAt})
		if err := s.ic.Send(master, kind, payload, 0); err != nil {
			return nil, err
		}
	}

	var outcome string
	select {
	case res := <-respCh:
		if res.err != nil {
			if racerr.Is(res.err, racerr.Deadlock) {
				outcome = "deadlock"
			} else {
				outcome = "error"
			}
		} else {
			outcome = "granted"
		}
		s.metrics.EnqueueWait.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		return res.grant, res.err
	case <-ctx.Done():
		s.cancel(resourceID, reqID, master)
		s.metrics.EnqueueWait.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		return nil, ctx.Err()
	}
}

// cancel withdraws a still-queued (never granted) request, e.g. on context
// cancellation, so it does not block others indefinitely.
func (s *Service) cancel(resourceID ResourceID, reqID uint64, master nodeid.NodeId) {
	if master == s.self {
		s.withdrawWaiter(resourceID, reqID)
		return
	}
	payload := encodeRelease(releasePayload{Resource: resourceID, ReqID: reqID})
	_ = s.ic.Send(master, wire.KindGesRelease, payload, 0)
}

// Release drops the caller's hold on resourceID entirely.
func (s *Service) Release(resourceID ResourceID) error {
	s.mu.Lock()
	_, held := s.localHolds[resourceID]
	delete(s.localHolds, resourceID)
	s.mu.Unlock()
	if !held {
		return nil
	}
	master := s.grd.MasterOf(grd.ResourceID(resourceID))
	if master == s.self {
		s.applyRelease(resourceID, s.self)
		return nil
	}
	payload := encodeRelease(releasePayload{Resource: resourceID})
	return s.ic.Send(master, wire.KindGesRelease, payload, 0)
}

func (s *Service) resourceStateFor(resourceID ResourceID) *resourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.masterResource[resourceID]
	if !ok {
		rs = &resourceState{holders: make(map[nodeid.NodeId]LockMode)}
		s.masterResource[resourceID] = rs
	}
	return rs
}

func (s *Service) submitWaiter(resourceID ResourceID, w *waiter) {
	rs := s.resourceStateFor(resourceID)
	rs.mu.Lock()
	rs.queue = append(rs.queue, w)
	rs.mu.Unlock()
	s.processQueue(resourceID, rs)
}

func (s *Service) withdrawWaiter(resourceID ResourceID, reqID uint64) {
	rs := s.resourceStateFor(resourceID)
	rs.mu.Lock()
	for i, w := range rs.queue {
		if w.reqID == reqID {
			rs.queue = append(rs.queue[:i], rs.queue[i+1:]...)
			break
		}
	}
	rs.mu.Unlock()
}

// MarkRecoveryPending puts resourceID into the claim-phase hold.
func (s *Service) MarkRecoveryPending(resourceID ResourceID) {
	rs := s.resourceStateFor(resourceID)
	rs.mu.Lock()
	rs.recoveryPending = true
	rs.mu.Unlock()
}

// ClearRecoveryPending releases resourceID's hold and resumes granting.
func (s *Service) ClearRecoveryPending(resourceID ResourceID) {
	rs := s.resourceStateFor(resourceID)
	rs.mu.Lock()
	rs.recoveryPending = false
	rs.mu.Unlock()
	s.processQueue(resourceID, rs)
}

// IsRecoveryPending reports whether resourceID is currently held for recovery.
func (s *Service) IsRecoveryPending(resourceID ResourceID) bool {
	rs := s.resourceStateFor(resourceID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.recoveryPending
}

func compatibleWithHoldersLocked(rs *resourceState, w *waiter) bool {
	for h, mode := range rs.holders {
		if h == w.requester {
			continue
		}
		if !Compatible(mode, w.mode) {
			return false
		}
	}
	return true
}

// processQueue grants every compatible request at the head of the FIFO
// queue, up to max_shared_batch per pass (spec §4.4's shared-batching
// grant policy): an incompatible request blocks everything behind it, but
// compatible requests at the head are granted together rather than one at
// a time.
func (s *Service) processQueue(resourceID ResourceID, rs *resourceState) {
	rs.mu.Lock()
	if rs.recoveryPending {
		rs.mu.Unlock()
		return
	}
	var granted []*waiter
	batch := 0
	for len(rs.queue) > 0 && batch < s.cfg.MaxSharedBatch {
		w := rs.queue[0]
		if !compatibleWithHoldersLocked(rs, w) {
			break
		}
		rs.queue = rs.queue[1:]
		rs.holders[w.requester] = higher(rs.holders[w.requester], w.mode)
		granted = append(granted, w)
		batch++
	}
	rs.mu.Unlock()
	for _, w := range granted {
		s.deliverGrant(resourceID, w)
	}
}

func (s *Service) deliverGrant(resourceID ResourceID, w *waiter) {
	if w.requester == s.self {
		s.mu.Lock()
		s.localHolds[resourceID] = &localHold{mode: w.mode}
		s.mu.Unlock()
		s.resolvePending(w.reqID, &Grant{Resource: resourceID, Mode: w.mode}, nil)
		return
	}
	payload := encodeGrant(grantPayload{ReqID: w.reqID, Resource: resourceID, Mode: w.mode})
	if err := s.ic.Send(w.requester, wire.KindGesGrant, payload, 0); err != nil {
		logger.Warningf("ges: grant send to %v failed: %v", w.requester, err)
	}
}

func (s *Service) applyRelease(resourceID ResourceID, holder nodeid.NodeId) {
	rs := s.resourceStateFor(resourceID)
	rs.mu.Lock()
	delete(rs.holders, holder)
	rs.mu.Unlock()
	s.processQueue(resourceID, rs)
}

func (s *Service) onRequest(m *wire.Message) {
	p, err := decodeRequest(m.Payload)
	if err != nil {
		logger.Warningf("ges: malformed request payload: %v", err)
		return
	}
	requester, ok := s.nodeByInstance(p.RequesterInst)
	if !ok {
		requester, ok = s.nodeByInstance(m.Header.From)
		if !ok {
			return
		}
	}
	w := &waiter{reqID: p.ReqID, requester: requester, mode: p.Mode, submittedAt: p.SubmittedAt}
	s.submitWaiter(p.Resource, w)
}

func (s *Service) onGrant(m *wire.Message) {
	p, err := decodeGrant(m.Payload)
	if err != nil {
		logger.Warningf("ges: malformed grant payload: %v", err)
		return
	}
	s.mu.Lock()
	s.localHolds[p.Resource] = &localHold{mode: p.Mode}
	s.mu.Unlock()
	s.resolvePending(p.ReqID, &Grant{Resource: p.Resource, Mode: p.Mode}, nil)
}

func (s *Service) onRelease(m *wire.Message) {
	p, err := decodeRelease(m.Payload)
	if err != nil {
		logger.Warningf("ges: malformed release payload: %v", err)
		return
	}
	if p.ReqID != 0 {
		s.withdrawWaiter(p.Resource, p.ReqID)
		return
	}
	holder, ok := s.nodeByInstance(m.Header.From)
	if !ok {
		return
	}
	s.applyRelease(p.Resource, holder)
}

// onAbort is the victim side of deadlock resolution: the detector picked
// this node's outstanding request as the cycle to break.
func (s *Service) onAbort(m *wire.Message) {
	p, err := decodeAbort(m.Payload)
	if err != nil {
		logger.Warningf("ges: malformed abort payload: %v", err)
		return
	}
	s.metrics.DeadlocksBroken.Inc()
	master := s.grd.MasterOf(grd.ResourceID(p.Resource))
	s.cancel(p.Resource, p.ReqID, master)
	s.resolvePending(p.ReqID, nil, racerr.New(racerr.Deadlock, "request for %v aborted to break a waits-for cycle", p.Resource))
}

// snapshotMastered returns a gossip-ready snapshot of every resource
// this node masters, for the deadlock detector's heartbeat piggyback.
func (s *Service) snapshotMastered() []gossipResource {
	s.mu.Lock()
	resources := make([]ResourceID, 0, len(s.masterResource))
	for rid := range s.masterResource {
		resources = append(resources, rid)
	}
	s.mu.Unlock()

	out := make([]gossipResource, 0, len(resources))
	for _, rid := range resources {
		rs := s.resourceStateFor(rid)
		rs.mu.Lock()
		holders := make([]uint32, 0, len(rs.holders))
		for h := range rs.holders {
			holders = append(holders, s.instanceOf(h))
		}
		queue := make([]gossipWaiter, 0, len(rs.queue))
		for _, w := range rs.queue {
			queue = append(queue, gossipWaiter{ReqID: w.reqID, Requester: s.instanceOf(w.requester), SubmittedAt: w.submittedAt})
		}
		rs.mu.Unlock()
		if len(holders) == 0 && len(queue) == 0 {
			continue
		}
		out = append(out, gossipResource{Resource: rid, Holders: holders, Queue: queue})
	}
	return out
}
