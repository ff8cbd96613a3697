// Package recovery implements Instance Recovery (spec §4.6): the
// fence/claim/redo-scan/PI-consolidate/unfence pipeline a surviving cluster
// runs after a view change drops a member.
//
// Grounded on the teacher's consensus/scope.go "Explicit Prepare" design
// notes: a surviving replica reconstructing an instance's outcome from
// acks and past state after a peer is presumed dead is the same shape as a
// recoverer reconstructing a block's state from redo and past images after
// an instance crash. The coroutine-style dispatch loop is the same pattern
// gcs and ges already use for their own wire-driven state machines.
package recovery

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/gcs"
	"github.com/kickboxer/racdb/internal/ges"
	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/metrics"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/racerr"
	"github.com/kickboxer/racdb/internal/store"
	"github.com/kickboxer/racdb/internal/topology"
	"github.com/kickboxer/racdb/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("recovery")
}

// run is one victim instance's in-flight redo scan and PI consolidation.
type run struct {
	mu          sync.Mutex
	victim      uint32
	fromSCN     uint64
	recoverySet map[store.BlockID]uint64 // block -> target SCN found in the scan
	resolved    map[store.BlockID]uint64 // block -> final consolidated SCN
	waiters     map[store.BlockID][]chan uint64
}

func (r *run) await(block store.BlockID) (uint64, bool) {
	r.mu.Lock()
	if scn, ok := r.resolved[block]; ok {
		r.mu.Unlock()
		return scn, true
	}
	if _, pending := r.recoverySet[block]; !pending {
		r.mu.Unlock()
		return 0, false
	}
	ch := make(chan uint64, 1)
	r.waiters[block] = append(r.waiters[block], ch)
	r.mu.Unlock()
	select {
	case scn := <-ch:
		return scn, true
	case <-time.After(30 * time.Second):
		return 0, false
	}
}

func (r *run) resolve(block store.BlockID, scn uint64) {
	r.mu.Lock()
	r.resolved[block] = scn
	waiters := r.waiters[block]
	delete(r.waiters, block)
	r.mu.Unlock()
	for _, ch := range waiters {
		ch <- scn
	}
}

// Service drives recovery for the instance it runs on: claiming blocks this
// node newly masters after a departure, and — if this node is the elected
// recoverer (lowest surviving instance id) — scanning redo and consolidating
// past images for every departed instance.
type Service struct {
	cfg     *config.Config
	metrics *metrics.Sink
	ic      *interconnect.Interconnect
	grd     *grd.Directory
	gcs     *gcs.Service
	ges     *ges.Service
	engine  store.Engine
	self    nodeid.NodeId

	mu     sync.Mutex
	active map[uint32]*run // victim instance id -> in-flight run

	reqMu    sync.Mutex
	reqSeq   uint64
	piWait   map[uint64]chan piReplyPayload
	redoWait map[uint64]chan redoReplyPayload

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Service bound to the cluster's shared storage engine and its
// gcs/ges services. engine is assumed shared (a SAN in a real deployment):
// the redo scan and block writeback go straight through it rather than over
// the wire, since every instance already sees the same durable storage.
func New(cfg *config.Config, sink *metrics.Sink, ic *interconnect.Interconnect, directory *grd.Directory, gcsSvc *gcs.Service, gesSvc *ges.Service, engine store.Engine, self nodeid.NodeId) *Service {
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Service{
		cfg:      cfg,
		metrics:  sink,
		ic:       ic,
		grd:      directory,
		gcs:      gcsSvc,
		ges:      gesSvc,
		engine:   engine,
		self:     self,
		active:   make(map[uint32]*run),
		piWait:   make(map[uint64]chan piReplyPayload),
		redoWait: make(map[uint64]chan redoReplyPayload),
		stop:     make(chan struct{}),
	}
}

// Start launches the view-change watcher and the inbound message dispatcher
// for PiQuery/PiReply/RedoRequest/RedoReply.
func (s *Service) Start() {
	kinds := []wire.Kind{wire.KindPiQuery, wire.KindPiReply, wire.KindRedoRequest, wire.KindRedoReply}
	inbox := make(chan *wire.Message, 256)
	for _, k := range kinds {
		ch := s.ic.Subscribe(k)
		s.wg.Add(1)
		go s.forward(ch, inbox)
	}
	s.wg.Add(1)
	go s.dispatchLoop(inbox)
	s.wg.Add(1)
	go s.watchLoop()
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
	case wire.KindPiQuery:
		s.onPiQuery(m)
	case wire.KindPiReply:
		s.onPiReply(m)
	case wire.KindRedoRequest:
		s.onRedoRequest(m)
	case wire.KindRedoReply:
		s.onRedoReply(m)
	}
}

// watchLoop reacts to every committed view: every node claims blocks it
// newly masters, and the elected recoverer (lowest surviving instance)
// kicks off a redo scan for each departed instance.
func (s *Service) watchLoop() {
	defer s.wg.Done()
	ch := s.ic.WatchView()
	prev := s.ic.View()
	for {
		select {
		case <-s.stop:
			return
		case cur, ok := <-ch:
			if !ok {
				return
			}
			s.onViewChanged(prev, cur)
			prev = cur
		}
	}
}

func (s *Service) onViewChanged(prev, cur *topology.View) {
	moved := s.grd.OnViewChange(cur)
	for _, rid := range moved {
		block, ok := parseBlockResourceID(rid)
		if !ok {
			continue // a GES resource name, not a gcs block
		}
		if s.grd.MasterOf(rid) == s.self {
			go s.claim(block)
		}
	}

	lowest := cur.LowestInstance()
	if lowest == nil || lowest.ID() != s.self {
		return
	}
	for _, instID := range departedInstances(prev, cur) {
		go s.runRecovery(instID)
	}
}

func departedInstances(prev, cur *topology.View) []uint32 {
	if prev == nil {
		return nil
	}
	var out []uint32
	for _, m := range prev.Members {
		if !cur.Contains(m.ID()) {
			out = append(out, uint32(m.InstanceID()))
		}
	}
	return out
}

func parseBlockResourceID(rid grd.ResourceID) (store.BlockID, bool) {
	var fileID uint32
	var blockNo uint64
	n, err := fmt.Sscanf(string(rid), "(%d,%d)", &fileID, &blockNo)
	if err != nil || n != 2 {
		return store.BlockID{}, false
	}
	return store.BlockID{FileID: fileID, BlockNo: blockNo}, true
}

// claim is the per-node Claim step (spec §4.6 phase 2): hold acquires
// against block until the recoverer confirms it's safe to serve.
func (s *Service) claim(block store.BlockID) {
	s.gcs.MarkRecoveryPending(block)

	recoverer := s.ic.View().LowestInstance()
	if recoverer == nil {
		return
	}
	if recoverer.ID() == s.self {
		if scn, ok := s.resolveBlock(block); ok {
			s.verifyAndUnfence(block, scn)
		} else {
			s.gcs.ClearRecoveryPending(block)
		}
		return
	}

	reqID := s.nextReqID()
	ch := make(chan redoReplyPayload, 1)
	s.reqMu.Lock()
	s.redoWait[reqID] = ch
	s.reqMu.Unlock()
	defer func() {
		s.reqMu.Lock()
		delete(s.redoWait, reqID)
		s.reqMu.Unlock()
	}()

	payload := encodeRedoRequest(redoRequestPayload{ReqID: reqID, Block: block})
	if err := s.ic.Send(recoverer.ID(), wire.KindRedoRequest, payload, 0); err != nil {
		logger.Warningf("recovery: redo request for %v to recoverer %v failed: %v", block, recoverer.ID(), err)
		return
	}
	select {
	case rep := <-ch:
		if rep.OK {
			s.gcs.ClearRecoveryPending(block)
		}
	case <-time.After(s.cfg.RecoveryPiTimeout * 10):
		logger.Warningf("recovery: timed out waiting for recoverer to resolve %v", block)
	}
}

// resolveBlock looks across every active run for block, waiting on the one
// whose recovery set contains it. If no run ever claims the block within a
// bounded window, it is treated as demonstrably outside any recovery set
// (spec §4.6 invariant (b)).
func (s *Service) resolveBlock(block store.BlockID) (uint64, bool) {
	deadline := time.Now().Add(s.cfg.RecoveryPiTimeout * 10)
	for {
		s.mu.Lock()
		var candidate *run
		for _, r := range s.active {
			r.mu.Lock()
			_, pending := r.recoverySet[block]
			r.mu.Unlock()
			if pending {
				candidate = r
				break
			}
		}
		s.mu.Unlock()
		if candidate != nil {
			return candidate.await(block)
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Service) onRedoRequest(m *wire.Message) {
	p, err := decodeRedoRequest(m.Payload)
	if err != nil {
		logger.Warningf("recovery: malformed redo request: %v", err)
		return
	}
	requester, ok := s.nodeByInstance(m.Header.From)
	if !ok {
		return
	}
	scn, ok := s.resolveBlock(p.Block)
	if ok {
		s.verifyAndUnfence(p.Block, scn)
	}
	reply := encodeRedoReply(redoReplyPayload{ReqID: p.ReqID, OK: true, SCN: scn})
	if err := s.ic.Send(requester, wire.KindRedoReply, reply, 0); err != nil {
		logger.Warningf("recovery: redo reply to %v failed: %v", requester, err)
	}
}

func (s *Service) onRedoReply(m *wire.Message) {
	p, err := decodeRedoReply(m.Payload)
	if err != nil {
		return
	}
	s.reqMu.Lock()
	ch, ok := s.redoWait[p.ReqID]
	s.reqMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

// verifyAndUnfence clears block's recovery-pending hold only on the node
// that currently masters it. If that's a remote node (mastership moved
// again since this was resolved), it's left for that node's own claim path
// to settle — it will independently resolve against the same (by-then
// cached) run result.
func (s *Service) verifyAndUnfence(block store.BlockID, scn uint64) {
	if s.grd.MasterOf(grd.ResourceID(blockResourceID(block))) != s.self {
		return
	}
	s.gcs.ClearRecoveryPending(block)
}

func blockResourceID(b store.BlockID) string {
	return b.String()
}

func (s *Service) nextReqID() uint64 {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.reqSeq++
	return s.reqSeq
}

func (s *Service) nodeByInstance(instID uint32) (nodeid.NodeId, bool) {
	for _, n := range s.ic.View().Members {
		if uint32(n.InstanceID()) == instID {
			return n.ID(), true
		}
	}
	return nodeid.NodeId{}, false
}

// runRecovery is the recoverer's redo scan (phase 3) and per-block PI
// consolidation (phase 4) for one departed instance.
func (s *Service) runRecovery(victimInst uint32) {
	start := time.Now()
	fromSCN := s.engine.LastCheckpoint(victimInst)
	records, err := s.engine.RedoStreamFor(victimInst, fromSCN)
	if err != nil {
		logger.Errorf("recovery: redo scan for instance %d failed: %v", victimInst, err)
		return
	}

	target := make(map[store.BlockID]uint64, len(records))
	for _, rec := range records {
		if rec.SCN > target[rec.Block] {
			target[rec.Block] = rec.SCN
		}
	}

	r := &run{
		victim:      victimInst,
		fromSCN:     fromSCN,
		recoverySet: target,
		resolved:    make(map[store.BlockID]uint64),
		waiters:     make(map[store.BlockID][]chan uint64),
	}
	s.mu.Lock()
	s.active[victimInst] = r
	s.mu.Unlock()

	logger.Infof("recovery: instance %d departed, checkpoint scn=%d, %d blocks in recovery set", victimInst, fromSCN, len(target))

	var wg sync.WaitGroup
	for block, targetSCN := range target {
		wg.Add(1)
		go func(block store.BlockID, targetSCN uint64) {
			defer wg.Done()
			scn := s.consolidate(block, targetSCN, records)
			r.resolve(block, scn)
			s.verifyAndUnfence(block, scn)
		}(block, targetSCN)
	}
	wg.Wait()

	s.mu.Lock()
	delete(s.active, victimInst)
	s.mu.Unlock()

	s.metrics.RecoveryDuration.Observe(time.Since(start).Seconds())
	logger.Infof("recovery: instance %d complete, %d blocks restored", victimInst, len(target))
}

// consolidate is PI consolidation for one block (spec §4.6 phase 4): pick
// the newest past image at or below targetSCN from any survivor (or, if
// none exists, reload the block from disk and replay from scratch), apply
// every remaining redo record up to targetSCN, write the result back, and
// verify it durably stuck before returning — SPEC_FULL.md's supplemented
// post-recovery verification pass, grounded on the original's
// backup/verification.rs.
func (s *Service) consolidate(block store.BlockID, targetSCN uint64, records []store.RedoRecord) uint64 {
	var data []byte
	var baseSCN uint64
	if pi, ok := s.queryBestPI(block, targetSCN); ok {
		data = pi.Data
		baseSCN = pi.SCN
	} else {
		disk, err := s.engine.ReadBlock(block)
		if err != nil {
			logger.Warningf("recovery: disk read of %v failed during recovery: %v", block, err)
		}
		data = disk
		baseSCN = 0
	}

	for _, rec := range records {
		if rec.Block != block || rec.SCN <= baseSCN || rec.SCN > targetSCN {
			continue
		}
		next, err := s.engine.ApplyRedo(data, rec)
		if err != nil {
			racerr.Fatal("recovery: apply redo to %v at scn %d failed: %v", block, rec.SCN, err)
		}
		data = next
	}

	if err := s.engine.WriteBlock(block, data, targetSCN); err != nil {
		racerr.Fatal("recovery: write back %v at scn %d failed: %v", block, targetSCN, err)
	}

	verify, err := s.engine.ReadBlock(block)
	if err != nil || !bytes.Equal(verify, data) {
		racerr.Fatal("recovery: post-recovery verification failed for %v: block not durable at scn %d", block, targetSCN)
	}
	return targetSCN
}

// queryBestPI checks this node's own retained images, then broadcasts a
// PiQuery to every other live peer and waits up to cfg.RecoveryPiTimeout,
// keeping the newest reply at or below ceiling — the recoverer is itself a
// survivor and may hold the best image.
func (s *Service) queryBestPI(block store.BlockID, ceiling uint64) (piReplyPayload, bool) {
	var best piReplyPayload
	found := false
	if pi, ok := s.gcs.BestPastImage(block, ceiling); ok {
		best = piReplyPayload{HasPI: true, SCN: pi.SCN, Data: pi.Data}
		found = true
	}

	reqID := s.nextReqID()
	ch := make(chan piReplyPayload, len(s.ic.View().Members))
	s.reqMu.Lock()
	s.piWait[reqID] = ch
	s.reqMu.Unlock()
	defer func() {
		s.reqMu.Lock()
		delete(s.piWait, reqID)
		s.reqMu.Unlock()
	}()

	payload := encodePiQuery(piQueryPayload{ReqID: reqID, Block: block, Ceiling: ceiling})
	view := s.ic.View()
	expect := 0
	for _, m := range view.Members {
		if m.ID() == s.self {
			continue
		}
		if err := s.ic.Send(m.ID(), wire.KindPiQuery, payload, 0); err == nil {
			expect++
		}
	}
	if expect == 0 {
		return best, found
	}

	deadline := time.After(s.cfg.RecoveryPiTimeout)
	for i := 0; i < expect; i++ {
		select {
		case rep := <-ch:
			if rep.HasPI && rep.SCN <= ceiling && (!found || rep.SCN > best.SCN) {
				best = rep
				found = true
			}
		case <-deadline:
			return best, found
		}
	}
	return best, found
}

func (s *Service) onPiQuery(m *wire.Message) {
	p, err := decodePiQuery(m.Payload)
	if err != nil {
		logger.Warningf("recovery: malformed pi query: %v", err)
		return
	}
	from, ok := s.nodeByInstance(m.Header.From)
	if !ok {
		return
	}
	reply := piReplyPayload{ReqID: p.ReqID}
	if pi, found := s.gcs.BestPastImage(p.Block, p.Ceiling); found {
		reply.HasPI = true
		reply.SCN = pi.SCN
		reply.Data = pi.Data
	}
	payload := encodePiReply(reply)
	if err := s.ic.Send(from, wire.KindPiReply, payload, 0); err != nil {
		logger.Warningf("recovery: pi reply to %v failed: %v", from, err)
	}
}

func (s *Service) onPiReply(m *wire.Message) {
	p, err := decodePiReply(m.Payload)
	if err != nil {
		return
	}
	if p.HasPI && len(p.Data) == 0 {
		logger.Warningf("recovery: rejecting zero-length past-image transfer for reqID=%d", p.ReqID)
		p.HasPI = false
	}
	s.reqMu.Lock()
	ch, ok := s.piWait[p.ReqID]
	s.reqMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}
