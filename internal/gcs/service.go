package gcs

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/metrics"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/store"
	"github.com/kickboxer/racdb/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("gcs")
}

// pendingOp is one in-flight acquire, queued per-block so a master never
// juggles more than one downgrade chain for the same block at once (spec
// §9: acquire ops are explicit state machines keyed by request id).
type pendingOp struct {
	reqID           uint64
	requester       nodeid.NodeId
	requestedMode   Mode
	scnFloor        uint64
	awaitingFrom    nodeid.NodeId
	downgradeTarget Mode
}

// masterBlockState is the holder table and cached bytes a master keeps for
// one block. Only the node that masters a block keeps one of these; per
// spec §9 it is the only source of truth for who holds what.
type masterBlockState struct {
	mu      sync.Mutex
	holders map[nodeid.NodeId]Mode
	scn     uint64
	data    []byte

	active *pendingOp
	queue  []*pendingOp

	// recoveryPending mirrors spec §4.6's claim phase: a freshly-claimed
	// master starts every inherited block in this state and holds all
	// acquires in queue until the recoverer clears it.
	recoveryPending bool
}

// localBlockState is what a node remembers about a block it currently (or
// until an in-flight downgrade finishes) holds a cached copy of.
type localBlockState struct {
	mode       Mode
	scn        uint64
	data       []byte
	dirty      bool
	pastImages []PastImage
}

type acquireResult struct {
	handle *BlockHandle
	err    error
}

// Service is one instance's Global Cache Service: the acquire/release
// client surface plus, for every block this instance masters, the
// holder-table state machine that serializes contention.
type Service struct {
	cfg     *config.Config
	metrics *metrics.Sink
	ic      *interconnect.Interconnect
	grd     *grd.Directory
	engine  store.Engine
	self    nodeid.NodeId

	mu           sync.Mutex
	masterBlocks map[store.BlockID]*masterBlockState
	localBlocks  map[store.BlockID]*localBlockState
	// retainedPI holds past images that outlive the localBlockState that
	// produced them: a node fully releasing a block to N still owes
	// recovery a record of the last dirty image it shipped away, so this
	// survives independently of localBlocks' own lifecycle.
	retainedPI map[store.BlockID][]PastImage

	reqMu   sync.Mutex
	reqSeq  uint64
	pending map[uint64]chan acquireResult

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Service bound to ic/grd/engine. self must be ic's own node
// id, matching the instance the GRD and interconnect resolve as "me".
func New(cfg *config.Config, sink *metrics.Sink, ic *interconnect.Interconnect, directory *grd.Directory, engine store.Engine, self nodeid.NodeId) *Service {
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Service{
		cfg:          cfg,
		metrics:      sink,
		ic:           ic,
		grd:          directory,
		engine:       engine,
		self:         self,
		masterBlocks: make(map[store.BlockID]*masterBlockState),
		localBlocks:  make(map[store.BlockID]*localBlockState),
		retainedPI:   make(map[store.BlockID][]PastImage),
		pending:      make(map[uint64]chan acquireResult),
		stop:         make(chan struct{}),
	}
}

// Start launches the dispatcher that handles every inbound GCS-kind
// message. A single goroutine reads a merged inbox so in-flight multi-step
// operations (request -> downgrade -> ack -> grant -> installed) are
// state-machine transitions, never blocking calls, per spec §9's
// "Coroutine-style control flow" note.
func (s *Service) Start() {
	kinds := []wire.Kind{
		wire.KindGcsRequest, wire.KindGcsGrant, wire.KindGcsDowngrade,
		wire.KindGcsAck, wire.KindGcsInstalled, wire.KindGcsWrittenBack,
		wire.KindGcsInvalidate,
	}
	inbox := make(chan *wire.Message, 1024)
	for _, k := range kinds {
		ch := s.ic.Subscribe(k)
		s.wg.Add(1)
		go s.forward(ch, inbox)
	}
	s.wg.Add(1)
	go s.dispatchLoop(inbox)
}

func (s *Service) Stop() {
	close(s.stop)
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
	case wire.KindGcsRequest:
		s.onRequest(m)
	case wire.KindGcsGrant:
		s.onGrant(m)
	case wire.KindGcsDowngrade:
		s.onDowngrade(m)
	case wire.KindGcsAck:
		s.onAck(m)
	case wire.KindGcsInstalled:
		s.onInstalled(m)
	case wire.KindGcsWrittenBack:
		s.onWrittenBack(m)
	case wire.KindGcsInvalidate:
		s.onInvalidate(m)
	}
}

func upgradeMode(current, requested Mode) Mode {
	if requested > current {
		return requested
	}
	return current
}

func (s *Service) nodeByInstance(instID uint32) (nodeid.NodeId, bool) {
	for _, n := range s.ic.View().Members {
		if uint32(n.InstanceID()) == instID {
			return n.ID(), true
		}
	}
	return nodeid.NodeId{}, false
}

func (s *Service) nextReqID() uint64 {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.reqSeq++
	return s.reqSeq
}

func (s *Service) registerPending(reqID uint64) chan acquireResult {
	ch := make(chan acquireResult, 1)
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

func (s *Service) resolvePending(reqID uint64, handle *BlockHandle, err error) {
	s.reqMu.Lock()
	ch, ok := s.pending[reqID]
	s.reqMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- acquireResult{handle: handle, err: err}:
	default:
	}
}

// Acquire obtains block in at least mode, with an SCN at or above scnFloor,
// per spec §4.3. Requests the requester's own instance already masters are
// served without a wire round trip.
func (s *Service) Acquire(ctx context.Context, block store.BlockID, mode Mode, scnFloor uint64) (*BlockHandle, error) {
	start := time.Now()
	master := s.grd.MasterOf(grd.ResourceID(block.String()))

	reqID := s.nextReqID()
	respCh := s.registerPending(reqID)
	defer s.unregisterPending(reqID)

	op := &pendingOp{reqID: reqID, requester: s.self, requestedMode: mode, scnFloor: scnFloor}

	if master == s.self {
		s.submitOp(block, op)
	} else {
		payload := encodeRequest(requestPayload{ReqID: reqID, Block: block, Mode: mode, SCNFloor: scnFloor, RequesterInst: uint32(s.selfInstance())})
		if err := s.ic.Send(master, wire.KindGcsRequest, payload, scnFloor); err != nil {
			return nil, err
		}
	}

	select {
	case res := <-respCh:
		if res.err == nil {
			s.metrics.AcquireLatency.WithLabelValues(sourceLabel(master == s.self)).Observe(time.Since(start).Seconds())
		}
		return res.handle, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sourceLabel(local bool) string {
	if local {
		return "local-master"
	}
	return "remote-master"
}

func (s *Service) selfInstance() nodeid.InstanceID {
	for _, n := range s.ic.View().Members {
		if n.ID() == s.self {
			return n.InstanceID()
		}
	}
	return 0
}

// Release drops the caller's hold on block to N, notifying the master.
func (s *Service) Release(block store.BlockID) error {
	s.mu.Lock()
	lb, ok := s.localBlocks[block]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	master := s.grd.MasterOf(grd.ResourceID(block.String()))
	if master == s.self {
		s.applyRelease(block, s.self)
		return nil
	}
	if lb.dirty {
		if err := s.writeBack(block); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.localBlocks, block)
	s.mu.Unlock()
	payload := encodeWrittenBack(writtenBackPayload{Block: block, SCN: lb.scn})
	return s.ic.Send(master, wire.KindGcsInvalidate, payload, lb.scn)
}

func (s *Service) applyRelease(block store.BlockID, holder nodeid.NodeId) {
	ms := s.masterStateFor(block)
	ms.mu.Lock()
	delete(ms.holders, holder)
	ms.mu.Unlock()
}

// MarkDirty records that the caller has modified block while holding X, so
// the bytes must eventually be written back (checkpoint, async flush, or
// on-demand at a master's request), per spec §4.3 write-back rules. scn==0
// asks the interconnect's SCN clock to assign the next one rather than
// requiring every caller to mint its own; a caller that already has a
// specific commit SCN (the common case once a query layer is driving this)
// passes it directly, and that value is folded into the shared clock either
// way (spec §3: SCN "advances on every committed change").
func (s *Service) MarkDirty(block store.BlockID, data []byte, scn uint64) error {
	if scn == 0 {
		scn = s.ic.NextSCN()
	} else {
		s.ic.ObserveSCN(scn)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lb, ok := s.localBlocks[block]
	if !ok || lb.mode != ModeX {
		return fmt.Errorf("gcs: cannot mark block %v dirty: not held in X", block)
	}
	lb.data = append([]byte(nil), data...)
	lb.scn = scn
	lb.dirty = true
	return nil
}

// writeBack flushes a held block's bytes to the local storage engine and
// reports the durable SCN to the block's master (directly, if this node is
// the master), so the master can drop its cached relay image once a
// durable SCN covers it. Past images are not pruned by this path.
func (s *Service) writeBack(block store.BlockID) error {
	s.mu.Lock()
	lb, ok := s.localBlocks[block]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	data := append([]byte(nil), lb.data...)
	scn := lb.scn
	lb.dirty = false
	s.mu.Unlock()

	if err := s.engine.WriteBlock(block, data, scn); err != nil {
		return err
	}
	s.ic.ObserveSCN(scn)
	master := s.grd.MasterOf(grd.ResourceID(block.String()))
	payload := encodeWrittenBack(writtenBackPayload{Block: block, SCN: scn})
	if master == s.self {
		s.onDurableSCN(block, scn)
		return nil
	}
	return s.ic.Send(master, wire.KindGcsWrittenBack, payload, scn)
}

// Invalidate forces the caller's cached copy of block (if any) to N,
// dropping bytes without a write-back. Nothing in recovery calls it.
func (s *Service) Invalidate(block store.BlockID) {
	s.mu.Lock()
	delete(s.localBlocks, block)
	s.mu.Unlock()
}

// BestPastImage returns the newest image this node retains for block at or
// below ceiling — either a retained PastImage from a downgrade, or (if
// fresher) the node's own current cached copy. Serves a recoverer's PI
// consolidation query, spec §4.6 phase 4.
func (s *Service) BestPastImage(block store.BlockID, ceiling uint64) (PastImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best PastImage
	found := false
	for _, pi := range s.retainedPI[block] {
		if pi.SCN <= ceiling && (!found || pi.SCN > best.SCN) {
			best = pi
			found = true
		}
	}
	lb, ok := s.localBlocks[block]
	if !ok {
		return best, found
	}
	for _, pi := range lb.pastImages {
		if pi.SCN <= ceiling && (!found || pi.SCN > best.SCN) {
			best = pi
			found = true
		}
	}
	if lb.data != nil && lb.scn <= ceiling && (!found || lb.scn > best.SCN) {
		best = PastImage{SCN: lb.scn, Data: append([]byte(nil), lb.data...)}
		found = true
	}
	return best, found
}

func (s *Service) masterStateFor(block store.BlockID) *masterBlockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.masterBlocks[block]
	if !ok {
		ms = &masterBlockState{holders: make(map[nodeid.NodeId]Mode)}
		s.masterBlocks[block] = ms
	}
	return ms
}

// submitOp enqueues op against block's master state, starting it
// immediately if no op is already in flight (spec §8 scenario 2: two
// simultaneous X requesters are serialized through this queue).
func (s *Service) submitOp(block store.BlockID, op *pendingOp) {
	ms := s.masterStateFor(block)
	ms.mu.Lock()
	if ms.recoveryPending || ms.active != nil {
		ms.queue = append(ms.queue, op)
		ms.mu.Unlock()
		return
	}
	ms.active = op
	ms.mu.Unlock()
	s.advanceOp(block, ms, op)
}

// MarkRecoveryPending puts block into the claim-phase hold: every acquire
// submitted against it queues without being advanced until
// ClearRecoveryPending runs. Called by recovery's claim step on the node
// that newly masters block.
func (s *Service) MarkRecoveryPending(block store.BlockID) {
	ms := s.masterStateFor(block)
	ms.mu.Lock()
	ms.recoveryPending = true
	ms.mu.Unlock()
}

// ClearRecoveryPending releases block's hold and, if no op is already
// active, starts the oldest queued one — spec §4.6's unfence step.
func (s *Service) ClearRecoveryPending(block store.BlockID) {
	ms := s.masterStateFor(block)
	ms.mu.Lock()
	ms.recoveryPending = false
	if ms.active != nil || len(ms.queue) == 0 {
		ms.mu.Unlock()
		return
	}
	next := ms.queue[0]
	ms.queue = ms.queue[1:]
	ms.active = next
	ms.mu.Unlock()
	s.advanceOp(block, ms, next)
}

// IsRecoveryPending reports whether block is currently held for recovery.
func (s *Service) IsRecoveryPending(block store.BlockID) bool {
	ms := s.masterStateFor(block)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.recoveryPending
}

func (s *Service) completeOp(block store.BlockID, ms *masterBlockState) {
	ms.mu.Lock()
	if len(ms.queue) == 0 {
		ms.active = nil
		ms.mu.Unlock()
		return
	}
	next := ms.queue[0]
	ms.queue = ms.queue[1:]
	ms.active = next
	ms.mu.Unlock()
	s.advanceOp(block, ms, next)
}

// advanceOp either grants op immediately (no incompatible holder) or kicks
// off a downgrade of the one holder blocking it. Only one holder is ever
// downgraded per step: if several are incompatible, each is resolved in its
// own step as processAck re-invokes advanceOp for the same op once the
// holder's ack arrives, keeping the state machine single-threaded per block.
func (s *Service) advanceOp(block store.BlockID, ms *masterBlockState, op *pendingOp) {
	ms.mu.Lock()
	var conflictHolder nodeid.NodeId
	var conflictMode Mode
	found := false
	for h, mode := range ms.holders {
		if h == op.requester {
			continue
		}
		if !Compatible(mode, op.requestedMode) {
			conflictHolder, conflictMode = h, mode
			found = true
			break
		}
	}
	if !found {
		scn, data, source := s.resolveGrantBytesLocked(ms, block)
		ms.holders[op.requester] = upgradeMode(ms.holders[op.requester], op.requestedMode)
		ms.mu.Unlock()
		s.deliverGrant(block, op, source, scn, op.requestedMode, data)
		s.completeOp(block, ms)
		return
	}
	target := ModeN
	if op.requestedMode == ModeS && conflictMode == ModeX {
		target = ModeS
	}
	op.awaitingFrom = conflictHolder
	op.downgradeTarget = target
	ms.mu.Unlock()
	s.requestDowngrade(block, conflictHolder, op.reqID, target)
}

func (s *Service) resolveGrantBytesLocked(ms *masterBlockState, block store.BlockID) (uint64, []byte, GrantSource) {
	if ms.data != nil {
		return ms.scn, ms.data, SourceHolder
	}
	data, err := s.engine.ReadBlock(block)
	if err != nil {
		data = nil
	}
	return ms.scn, data, SourceDisk
}

func (s *Service) requestDowngrade(block store.BlockID, holder nodeid.NodeId, reqID uint64, target Mode) {
	if holder == s.self {
		scn, image := s.localDowngrade(block, target)
		s.processAck(block, ackPayload{ReqID: reqID, Block: block, SCN: scn, Image: image})
		return
	}
	payload := encodeDowngrade(downgradePayload{ReqID: reqID, Block: block, TargetMode: target})
	if err := s.ic.Send(holder, wire.KindGcsDowngrade, payload, 0); err != nil {
		logger.Warningf("gcs: downgrade of %v to %v failed, treating holder as gone: %v", block, holder, err)
		s.processAck(block, ackPayload{ReqID: reqID, Block: block})
	}
}

// onDowngrade is the holder side: the master is asking this node to give
// up its cached copy down to target, shipping current bytes (and, if
// surrendering X, retaining a past image) directly back rather than
// round-tripping through disk, per spec §4.3's cache-fusion description.
func (s *Service) onDowngrade(m *wire.Message) {
	p, err := decodeDowngrade(m.Payload)
	if err != nil {
		logger.Warningf("gcs: malformed downgrade payload: %v", err)
		return
	}
	scn, image := s.localDowngrade(p.Block, p.TargetMode)
	master, ok := s.nodeByInstance(m.Header.From)
	if !ok {
		return
	}
	payload := encodeAck(ackPayload{ReqID: p.ReqID, Block: p.Block, SCN: scn, Image: image})
	if err := s.ic.Send(master, wire.KindGcsAck, payload, scn); err != nil {
		logger.Warningf("gcs: ack send to master %v failed: %v", master, err)
	}
}

func (s *Service) localDowngrade(block store.BlockID, target Mode) (uint64, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lb, ok := s.localBlocks[block]
	if !ok {
		return 0, nil
	}
	if lb.dirty && target < ModeX {
		pi := PastImage{SCN: lb.scn, Data: append([]byte(nil), lb.data...)}
		lb.pastImages = append(lb.pastImages, pi)
		s.retainedPI[block] = append(s.retainedPI[block], pi)
	}
	data := append([]byte(nil), lb.data...)
	scn := lb.scn
	lb.mode = target
	lb.dirty = false
	if target == ModeN {
		delete(s.localBlocks, block)
	}
	return scn, data
}

func (s *Service) onAck(m *wire.Message) {
	p, err := decodeAck(m.Payload)
	if err != nil {
		logger.Warningf("gcs: malformed ack payload: %v", err)
		return
	}
	s.processAck(p.Block, p)
}

func (s *Service) processAck(block store.BlockID, p ackPayload) {
	s.ic.ObserveSCN(p.SCN)
	ms := s.masterStateFor(block)
	ms.mu.Lock()
	op := ms.active
	if op == nil || op.reqID != p.ReqID {
		ms.mu.Unlock()
		return
	}
	if len(p.Image) > 0 {
		ms.scn = p.SCN
		ms.data = p.Image
	}
	if op.downgradeTarget == ModeN {
		delete(ms.holders, op.awaitingFrom)
	} else {
		ms.holders[op.awaitingFrom] = op.downgradeTarget
	}
	ms.mu.Unlock()
	// another holder may still be incompatible; advanceOp either grants or
	// downgrades the next one.
	s.advanceOp(block, ms, op)
}

// deliverGrant hands a resolved acquire back to its requester: directly, if
// the requester is this node (local master fast path), otherwise over the
// wire. Grant carries bytes from the master's relay rather than a separate
// peer-to-peer shipping hop: the spec's wire kinds have no distinct "ship"
// message, and a master-relayed grant produces the same observable result.
func (s *Service) deliverGrant(block store.BlockID, op *pendingOp, source GrantSource, scn uint64, mode Mode, data []byte) {
	s.ic.ObserveSCN(scn)
	if op.requester == s.self {
		s.installLocal(block, mode, scn, data)
		s.resolvePending(op.reqID, &BlockHandle{Block: block, Mode: mode, SCN: scn, Data: data}, nil)
		return
	}
	payload := encodeGrant(grantPayload{ReqID: op.reqID, Block: block, Source: source, SCN: scn, Mode: mode, Image: data})
	if err := s.ic.Send(op.requester, wire.KindGcsGrant, payload, scn); err != nil {
		logger.Warningf("gcs: grant send to %v failed: %v", op.requester, err)
	}
}

func (s *Service) installLocal(block store.BlockID, mode Mode, scn uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lb, ok := s.localBlocks[block]
	if !ok {
		lb = &localBlockState{}
		s.localBlocks[block] = lb
	}
	lb.mode = upgradeMode(lb.mode, mode)
	lb.scn = scn
	lb.data = data
}

func (s *Service) onRequest(m *wire.Message) {
	p, err := decodeRequest(m.Payload)
	if err != nil {
		logger.Warningf("gcs: malformed request payload: %v", err)
		return
	}
	requester, ok := s.nodeByInstance(p.RequesterInst)
	if !ok {
		requester, ok = s.nodeByInstance(m.Header.From)
		if !ok {
			return
		}
	}
	op := &pendingOp{reqID: p.ReqID, requester: requester, requestedMode: p.Mode, scnFloor: p.SCNFloor}
	s.submitOp(p.Block, op)
}

func (s *Service) onGrant(m *wire.Message) {
	p, err := decodeGrant(m.Payload)
	if err != nil {
		logger.Warningf("gcs: malformed grant payload: %v", err)
		return
	}
	if p.Source == SourceHolder && len(p.Image) == 0 {
		logger.Warningf("gcs: rejecting zero-length cache-fusion transfer for %v, reqID=%d", p.Block, p.ReqID)
		s.resolvePending(p.ReqID, nil, fmt.Errorf("gcs: empty block transfer for %v", p.Block))
		return
	}
	data := p.Image
	if p.Source == SourceDisk && len(data) == 0 {
		if d, err := s.engine.ReadBlock(p.Block); err == nil {
			data = d
		}
	}
	s.installLocal(p.Block, p.Mode, p.SCN, data)

	master := s.grd.MasterOf(grd.ResourceID(p.Block.String()))
	installed := encodeInstalled(installedPayload{ReqID: p.ReqID, Block: p.Block, SCN: p.SCN})
	if master != s.self {
		if err := s.ic.Send(master, wire.KindGcsInstalled, installed, p.SCN); err != nil {
			logger.Debugf("gcs: installed notification to %v failed: %v", master, err)
		}
	}
	s.resolvePending(p.ReqID, &BlockHandle{Block: p.Block, Mode: p.Mode, SCN: p.SCN, Data: data}, nil)
}

func (s *Service) onInstalled(m *wire.Message) {
	p, err := decodeInstalled(m.Payload)
	if err != nil {
		logger.Warningf("gcs: malformed installed payload: %v", err)
		return
	}
	s.metrics.Inc("gcs.installed")
	logger.Debugf("block %v installed at requester, reqID=%d scn=%d", p.Block, p.ReqID, p.SCN)
}

// onWrittenBack is the master side of writeBack: a holder reports bytes
// durable at scn, and the master drops its cached relay image if that
// image's SCN is at or below scn. No timer is involved. Past images held by
// any node (localBlockState.pastImages, retainedPI) are not pruned here or
// anywhere else.
func (s *Service) onWrittenBack(m *wire.Message) {
	p, err := decodeWrittenBack(m.Payload)
	if err != nil {
		logger.Warningf("gcs: malformed written-back payload: %v", err)
		return
	}
	s.onDurableSCN(p.Block, p.SCN)
}

func (s *Service) onDurableSCN(block store.BlockID, scn uint64) {
	ms := s.masterStateFor(block)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if scn >= ms.scn {
		ms.data = nil
	}
}

// onInvalidate is the master side of Release: drop the sender from the
// holder table.
func (s *Service) onInvalidate(m *wire.Message) {
	p, err := decodeWrittenBack(m.Payload)
	if err != nil {
		logger.Warningf("gcs: malformed invalidate payload: %v", err)
		return
	}
	holder, ok := s.nodeByInstance(m.Header.From)
	if !ok {
		return
	}
	s.applyRelease(p.Block, holder)
}
