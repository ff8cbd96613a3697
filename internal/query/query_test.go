package query

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
	"github.com/kickboxer/racdb/internal/topology"
)

// ordersFixture and customersFixture model two tables shared across every
// node's LocalExecFn: orders has 3 shards of 3 rows each, customers is a
// small single-shard lookup table. Only the node a shard is actually
// mastered to will ever be asked to execute it.
func ordersFixture(shard ShardID, filter *FilterSpec) *RowSet {
	columns := []string{"order_id", "customer_id", "amount"}
	rs := &RowSet{Columns: columns}
	customerIDs := []string{"100", "101", "102"}
	for i := 0; i < 3; i++ {
		orderID := int(shard)*3 + i + 1
		row := []string{fmt.Sprintf("%d", orderID), customerIDs[i%3], fmt.Sprintf("%d", 10*orderID)}
		if filter.Matches(columns, row) {
			rs.Rows = append(rs.Rows, row)
		}
	}
	return rs
}

func customersFixture(shard ShardID, filter *FilterSpec) *RowSet {
	if shard != 0 {
		return &RowSet{Columns: []string{"customer_id", "name"}}
	}
	columns := []string{"customer_id", "name"}
	rows := [][]string{
		{"100", "alice"},
		{"101", "bob"},
		{"102", "carol"},
	}
	rs := &RowSet{Columns: columns}
	for _, row := range rows {
		if filter.Matches(columns, row) {
			rs.Rows = append(rs.Rows, row)
		}
	}
	return rs
}

func fixtureExec(ctx context.Context, table string, shard ShardID, filter *FilterSpec) (*RowSet, error) {
	switch table {
	case "orders":
		return ordersFixture(shard, filter), nil
	case "customers":
		return customersFixture(shard, filter), nil
	default:
		return &RowSet{}, nil
	}
}

type testNode struct {
	id    nodeid.NodeId
	ic    *interconnect.Interconnect
	coord *Coordinator
}

func setupCluster(t *testing.T, n int, exec LocalExecFn) []*testNode {
	t.Helper()
	transport := interconnect.NewLoopbackTransport()
	members := make([]topology.Node, n)
	names := []string{"a", "b", "c", "d"}
	for i := 0; i < n; i++ {
		members[i] = topology.NewNode(names[i], "loopback://"+names[i], partitioner.Token([]byte{byte(i + 1)}), nodeid.New(), nodeid.InstanceID(i), "dc1")
	}
	view := &topology.View{Seq: 1, Members: members}

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		cfg := config.Default()
		ic := interconnect.New(cfg, members[i], transport, view, nil)
		if err := ic.Start(); err != nil {
			t.Fatalf("node %d: start interconnect: %v", i, err)
		}
		dir := grd.New(cfg, nil, view)
		router := NewShardRouter(dir)
		coord := New(cfg, nil, ic, router, members[i].ID(), exec)
		coord.Start()
		nodes[i] = &testNode{id: members[i].ID(), ic: ic, coord: coord}
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.coord.Stop()
			n.ic.Stop()
		}
	})
	return nodes
}

func colVal(rs *RowSet, row []string, col string) string {
	idx := rs.columnIndex(col)
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// TestSelectExecStrategy exercises spec §4.5's scan fan-out rule directly.
func TestSelectExecStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.MultiShardMax = 5

	cases := []struct {
		name       string
		shards     int
		partKeyEq  bool
		want       ExecStrategy
	}{
		{"single", 1, false, SingleShard},
		{"multi", 5, false, MultiShard},
		{"scatter", 6, false, ScatterGather},
		{"partition aware wins regardless of shard count", 20, true, PartitionAware},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectExecStrategy(cfg, tc.shards, tc.partKeyEq)
			if got != tc.want {
				t.Fatalf("SelectExecStrategy(%d, %v) = %v, want %v", tc.shards, tc.partKeyEq, got, tc.want)
			}
		})
	}
}

// TestSelectJoinStrategy exercises spec §4.5's join strategy table.
func TestSelectJoinStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.BroadcastMaxRows = 1000

	cases := []struct {
		name         string
		hasEquality  bool
		coLocated    bool
		smallerRows  int
		want         JoinStrategy
	}{
		{"no equality predicate", false, false, 10, NestedLoop},
		{"co-located equality join", true, true, 10, CoLocated},
		{"small side broadcasts", true, false, 500, Broadcast},
		{"large side shuffles", true, false, 5000, Shuffle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectJoinStrategy(cfg, tc.hasEquality, tc.coLocated, tc.smallerRows)
			if got != tc.want {
				t.Fatalf("SelectJoinStrategy = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestDistributedJoinAcrossShards exercises scenario 5: a Join whose two
// sides are scattered across shards on different nodes. orders (3 shards)
// joins customers (1 shard) on customer_id; with BroadcastMaxRows lowered
// below the customers row count, SelectJoinStrategy picks Shuffle, so the
// executed join goes through hashJoin rather than NestedLoop.
func TestDistributedJoinAcrossShards(t *testing.T) {
	nodes := setupCluster(t, 3, fixtureExec)

	cfg := config.Default()
	cfg.BroadcastMaxRows = 2 // forces Shuffle: customers has 3 rows

	orders := &Node{Kind: ScanKind, Table: "orders", Shards: []ShardID{0, 1, 2}}
	customers := &Node{Kind: ScanKind, Table: "customers", Shards: []ShardID{0}}
	join := &Node{
		Kind:         JoinKind,
		JoinStrategy: Shuffle, // not CoLocated: the two tables are sharded independently
		Left:         orders,
		Right:        customers,
		LeftKey:      "customer_id",
		RightKey:     "customer_id",
		HasEquality:  true,
	}

	nodes[0].coord.cfg.BroadcastMaxRows = cfg.BroadcastMaxRows

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := nodes[0].coord.Execute(ctx, join)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 9 {
		t.Fatalf("expected 9 joined rows (3 shards x 3 orders), got %d", len(result.Rows))
	}
	for _, row := range result.Rows {
		custID := colVal(result, row, "customer_id")
		name := colVal(result, row, "name")
		switch custID {
		case "100":
			if name != "alice" {
				t.Fatalf("customer 100 joined to wrong name %q", name)
			}
		case "101":
			if name != "bob" {
				t.Fatalf("customer 101 joined to wrong name %q", name)
			}
		case "102":
			if name != "carol" {
				t.Fatalf("customer 102 joined to wrong name %q", name)
			}
		default:
			t.Fatalf("unexpected customer_id %q in joined row", custID)
		}
	}
}

// TestScatterGatherLimitMergesGlobalSmallest exercises scenario 6: a
// Sort+Limit over a 4-shard scan, with the sort and limit pushed down to
// each shard by evalLimit/scanShardStreams. The merged, limited result must
// be the correct globally-smallest N by sort key. `shipped` counts the rows
// exec returns before the shard-side trim, so it only confirms exec ran;
// the per-shard row bound itself is not observed here.
func TestScatterGatherLimitMergesGlobalSmallest(t *testing.T) {
	var shipped int64
	counting := func(ctx context.Context, table string, shard ShardID, filter *FilterSpec) (*RowSet, error) {
		_ = filter
		_ = table
		rs := metricsFixture(shard)
		atomic.AddInt64(&shipped, int64(len(rs.Rows)))
		return rs, nil
	}

	nodes := setupCluster(t, 4, counting)

	scan := &Node{Kind: ScanKind, Table: "metrics", Shards: []ShardID{0, 1, 2, 3}}
	sort := &Node{Kind: SortKind, SortKey: "value", Input: scan}
	limit := &Node{Kind: LimitKind, LimitN: 10, Input: sort}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := nodes[0].coord.Execute(ctx, limit)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(result.Rows))
	}

	valIdx := result.columnIndex("value")
	prev := -1
	for i, row := range result.Rows {
		v, err := strconv.Atoi(row[valIdx])
		if err != nil {
			t.Fatalf("row %d: bad value %q: %v", i, row[valIdx], err)
		}
		if v < prev {
			t.Fatalf("result not ascending at row %d: %d before %d", i, prev, v)
		}
		prev = v
	}
	// the global top 10 all come from shard 0 (values 0-24); shard 0 being
	// in the answer at all confirms the per-shard push-down sorted before
	// trimming rather than trusting fixture insertion order.
	if result.Rows[0][0] != "0" {
		t.Fatalf("expected row 0 to be shard 0, got shard %v", result.Rows[0][0])
	}
	if atomic.LoadInt64(&shipped) == 0 {
		t.Fatalf("expected exec to have run at least once")
	}
}

// metricsFixture returns a shard's full local rows, unsorted, so the
// shard-side sort must do real work rather than merge no-op single-row streams.
func metricsFixture(shard ShardID) *RowSet {
	columns := []string{"shard_id", "value"}
	rs := &RowSet{Columns: columns}
	base := int(shard) * 100
	// descending insertion order within the shard so a correct
	// implementation must actually sort, not just trust insertion order.
	for i := 24; i >= 0; i-- {
		rs.Rows = append(rs.Rows, []string{fmt.Sprintf("%d", shard), fmt.Sprintf("%d", base+i)})
	}
	return rs
}
