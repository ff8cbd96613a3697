// Package store defines the external storage-engine contract of spec §6
// (local storage engine is explicitly out of scope for this module; this
// package is the narrow boundary the cluster core sees it through) plus an
// in-memory reference implementation used by tests and single-process
// demos. Adapted from the teacher's store.Store/Value interfaces
// (store/store.go), generalized from redis-command semantics to block
// semantics.
package store

import (
	"fmt"
	"sort"
	"sync"
)

// BlockID identifies one fixed-size block of shared storage.
type BlockID struct {
	FileID  uint32
	BlockNo uint64
}

func (b BlockID) String() string {
	return fmt.Sprintf("(%d,%d)", b.FileID, b.BlockNo)
}

// RedoRecord is one entry of a per-instance redo stream, per spec §6.
type RedoRecord struct {
	SCN     uint64
	Block   BlockID
	Payload []byte
}

// Engine is the contract the cluster core requires of a local storage
// engine, per spec §6. The storage format itself (WAL, buffer pool,
// table/index layout) is a Non-goal; this interface is deliberately thin.
type Engine interface {
	ReadBlock(block BlockID) ([]byte, error)
	WriteBlock(block BlockID, data []byte, scn uint64) error
	Checkpoint(upToSCN uint64) error
	// RedoStreamFor returns every redo record for instanceID with SCN >
	// fromSCN, in SCN order.
	RedoStreamFor(instanceID uint32, fromSCN uint64) ([]RedoRecord, error)
	// ApplyRedo derives the next block image by applying one redo record
	// to blockBytes. blockBytes may be nil (block not yet materialized).
	ApplyRedo(blockBytes []byte, rec RedoRecord) ([]byte, error)
	// AppendRedo records a change made by instanceID at scn to block,
	// so a later RedoStreamFor / recovery can replay it. Not part of the
	// narrow external contract in §6, but required for this module's own
	// reference engine and its recovery tests to have something to
	// replay.
	AppendRedo(instanceID uint32, rec RedoRecord) error
	// LastCheckpoint returns the last durable checkpoint SCN recorded for
	// instanceID. Recovery's redo scan (§4.6) starts here; also not part
	// of the narrow §6 contract but required to drive it.
	LastCheckpoint(instanceID uint32) uint64
}

// MemEngine is an in-memory Engine: durable blocks, a per-instance redo
// log, and a last-checkpoint SCN. It exists to give gcs/recovery tests (and
// the single-process demo in cmd/racd) something concrete to exercise the
// Engine contract against, the way the teacher's store/redis.go is a
// concrete Store backing the abstract interface.
type MemEngine struct {
	mu          sync.Mutex
	blocks      map[BlockID][]byte
	blockSCN    map[BlockID]uint64
	redoByInst  map[uint32][]RedoRecord
	checkpoints map[uint32]uint64
}

func NewMemEngine() *MemEngine {
	return &MemEngine{
		blocks:      make(map[BlockID][]byte),
		blockSCN:    make(map[BlockID]uint64),
		redoByInst:  make(map[uint32][]RedoRecord),
		checkpoints: make(map[uint32]uint64),
	}
}

func (e *MemEngine) ReadBlock(block BlockID) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.blocks[block]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (e *MemEngine) WriteBlock(block BlockID, data []byte, scn uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if scn < e.blockSCN[block] {
		return fmt.Errorf("store: SCN went backwards for block %v: have %d, got %d", block, e.blockSCN[block], scn)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	e.blocks[block] = cp
	e.blockSCN[block] = scn
	return nil
}

func (e *MemEngine) Checkpoint(upToSCN uint64) error {
	// a single-engine checkpoint advances every instance it has redo for;
	// per-instance checkpoints are tracked separately so RedoStreamFor
	// can be called per failed instance during recovery.
	e.mu.Lock()
	defer e.mu.Unlock()
	for inst := range e.redoByInst {
		if upToSCN > e.checkpoints[inst] {
			e.checkpoints[inst] = upToSCN
		}
	}
	return nil
}

func (e *MemEngine) RedoStreamFor(instanceID uint32, fromSCN uint64) ([]RedoRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.redoByInst[instanceID]
	out := make([]RedoRecord, 0, len(all))
	for _, r := range all {
		if r.SCN > fromSCN {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SCN < out[j].SCN })
	return out, nil
}

func (e *MemEngine) ApplyRedo(blockBytes []byte, rec RedoRecord) ([]byte, error) {
	// the reference engine's redo payload is simply the new block image;
	// a real physical-redo engine would apply a delta instead.
	out := make([]byte, len(rec.Payload))
	copy(out, rec.Payload)
	return out, nil
}

func (e *MemEngine) AppendRedo(instanceID uint32, rec RedoRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redoByInst[instanceID] = append(e.redoByInst[instanceID], rec)
	return nil
}

// LastCheckpoint returns the last durable checkpoint SCN recorded for
// instanceID, used by recovery to know where to start its redo scan.
func (e *MemEngine) LastCheckpoint(instanceID uint32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpoints[instanceID]
}
