// Package query implements the Distributed Query Coordinator (spec §4.5):
// turns a logical plan tree into per-shard tasks, dispatches them over the
// interconnect, and combines results — strategy selection for scan fan-out
// and join execution, two-phase aggregation, and a bounded k-way merge for
// sort/limit.
//
// Plan nodes are a closed tagged variant (one Node struct with a Kind tag
// and per-kind fields), not a polymorphic hierarchy, so the executor switch
// in coordinator.go stays exhaustive without a type switch over an open
// interface.
package query

import "fmt"

// Kind tags a Node as one of the six plan node kinds spec §4.5 names.
type Kind int

const (
	ScanKind Kind = iota
	JoinKind
	AggregateKind
	SortKind
	LimitKind
	ProjectKind
)

func (k Kind) String() string {
	switch k {
	case ScanKind:
		return "Scan"
	case JoinKind:
		return "Join"
	case AggregateKind:
		return "Aggregate"
	case SortKind:
		return "Sort"
	case LimitKind:
		return "Limit"
	case ProjectKind:
		return "Project"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ShardID identifies a shard within the shard map.
type ShardID uint32

// JoinStrategy is the chosen execution strategy for a Join node (spec
// §4.5's strategy table).
type JoinStrategy int

const (
	CoLocated JoinStrategy = iota
	Broadcast
	Shuffle
	NestedLoop
)

func (s JoinStrategy) String() string {
	switch s {
	case CoLocated:
		return "CoLocated"
	case Broadcast:
		return "Broadcast"
	case Shuffle:
		return "Shuffle"
	case NestedLoop:
		return "NestedLoop"
	default:
		return fmt.Sprintf("JoinStrategy(%d)", int(s))
	}
}

// ExecStrategy is the top-level fan-out strategy chosen for a query (spec
// §4.5's strategy selection rule).
type ExecStrategy int

const (
	SingleShard ExecStrategy = iota
	MultiShard
	ScatterGather
	PartitionAware
)

func (s ExecStrategy) String() string {
	switch s {
	case SingleShard:
		return "SingleShard"
	case MultiShard:
		return "MultiShard"
	case ScatterGather:
		return "ScatterGather"
	case PartitionAware:
		return "PartitionAware"
	default:
		return fmt.Sprintf("ExecStrategy(%d)", int(s))
	}
}

// AggOp is a two-phase aggregation operator (spec §4.5: "sum of sums, union
// of distinct sketches, merge of top-K, etc."). Sum/Count/Min/Max compose
// associatively across shards; Avg is carried as a running sum+count pair
// and divided only at the final combine, so partial averages never need to
// be re-weighted.
type AggOp int

const (
	AggSum AggOp = iota
	AggCount
	AggMin
	AggMax
	AggAvg
)

// FilterSpec is a single equality predicate, the only filter shape that
// needs to cross the wire to a remote shard fragment (spec leaves filter
// expressiveness unspecified; a richer predicate language is future work,
// not needed to exercise the coordinator's fan-out/combine logic).
type FilterSpec struct {
	Column string
	Value  string
}

// Matches reports whether row (under columns) satisfies the filter.
func (f *FilterSpec) Matches(columns []string, row []string) bool {
	if f == nil {
		return true
	}
	for i, c := range columns {
		if c == f.Column {
			return i < len(row) && row[i] == f.Value
		}
	}
	return false
}

// RowSet is a columnar result batch, mirroring the predecessor's
// QueryResult (original_source/src/execution/hash_join.rs): columns once,
// rows as plain string tuples, cheap to append and to frame on the wire.
type RowSet struct {
	Columns []string
	Rows    [][]string
}

func (rs *RowSet) columnIndex(name string) int {
	for i, c := range rs.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Node is one node of a logical plan tree (spec §4.5's node set: Scan,
// Join, Aggregate, Sort, Limit, Project).
type Node struct {
	Kind Kind

	// Scan
	Table           string
	Shards          []ShardID
	Filter          *FilterSpec
	PartitionKeyEq  bool // true when Filter pins the partition key to a constant

	// Join
	JoinStrategy JoinStrategy
	Left, Right  *Node
	LeftKey      string
	RightKey     string
	HasEquality  bool

	// Aggregate
	AggOp   AggOp
	AggCol  string
	GroupBy []string
	Input   *Node

	// Sort
	SortKey string
	Desc    bool

	// Limit
	LimitN  int
	OffsetK int

	// Project
	Columns []string
}
