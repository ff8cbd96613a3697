// Package gcs implements the Global Cache Service (spec §4.3): coherence of
// fixed-size blocks cached at multiple nodes, mediating transfers directly
// between buffer pools ("cache fusion") instead of always round-tripping
// through disk.
//
// The holder-table-is-the-only-owner design (spec §9, "Cyclic references")
// follows the teacher's baseNode/RemoteNode split in cluster/node.go:
// identity, not ownership — a node's local cache state is a derived copy of
// what the master's holder table says is true. Long-running acquire
// operations (with a downgrade chain) are explicit, resumable state
// machines keyed by request id, per spec §9's "Coroutine-style control
// flow" note, rather than blocking the per-node dispatcher goroutine.
package gcs

import (
	"fmt"

	"github.com/kickboxer/racdb/internal/store"
)

// Mode is a block's cache mode, per the lattice of spec §4.3.
type Mode byte

const (
	ModeN Mode = iota // null: not cached
	ModeS             // shared: read-only copy
	ModeX             // exclusive: may modify
)

func (m Mode) String() string {
	switch m {
	case ModeN:
		return "N"
	case ModeS:
		return "S"
	case ModeX:
		return "X"
	default:
		return fmt.Sprintf("Mode(%d)", byte(m))
	}
}

// Compatible reports whether two modes may be held simultaneously by
// different instances, per the table in spec §4.3: N is compatible with
// everything, S is compatible with N and S, X is compatible with N only.
func Compatible(a, b Mode) bool {
	if a == ModeN || b == ModeN {
		return true
	}
	return a == ModeS && b == ModeS
}

// PastImage is a retained copy of a block at the SCN it held immediately
// before a mode downgrade (spec GLOSSARY, §4.3 "Past images").
type PastImage struct {
	SCN  uint64
	Data []byte
}

// BlockHandle is the result of a successful Acquire: a version at or above
// the caller's scn_floor, in at least the requested mode.
type BlockHandle struct {
	Block store.BlockID
	Mode  Mode
	SCN   uint64
	Data  []byte
}

// GrantSource names where an acquired block's bytes came from: the
// master's cached image (SourceHolder) or disk (SourceDisk). A requester
// handed a SourceDisk grant with no image reads the block from its own
// engine.
type GrantSource byte

const (
	SourceDisk GrantSource = iota
	SourceHolder
)
