package query

import "github.com/kickboxer/racdb/internal/config"

// SelectExecStrategy implements spec §4.5's fan-out rule: key-aware
// queries with an equality predicate on the partition key always route
// PartitionAware (single deterministic shard, computed from the key
// rather than counted); otherwise the choice is driven purely by how many
// shards the scan touches.
func SelectExecStrategy(cfg *config.Config, shardsTouched int, partitionKeyEquality bool) ExecStrategy {
	if partitionKeyEquality {
		return PartitionAware
	}
	switch {
	case shardsTouched <= 1:
		return SingleShard
	case shardsTouched <= cfg.MultiShardMax:
		return MultiShard
	default:
		return ScatterGather
	}
}

// SelectJoinStrategy implements spec §4.5's join strategy table. hasEquality
// is whether the join has an equality predicate at all (absent ⇒ NestedLoop,
// the only strategy that doesn't require a hash/co-partition); coLocated is
// whether both sides are partitioned by the join key on the same shard map;
// smallerSideRows is an estimate of the smaller (broadcast candidate) side's size.
func SelectJoinStrategy(cfg *config.Config, hasEquality, coLocated bool, smallerSideRows int) JoinStrategy {
	if !hasEquality {
		return NestedLoop
	}
	if coLocated {
		return CoLocated
	}
	if smallerSideRows <= cfg.BroadcastMaxRows {
		return Broadcast
	}
	return Shuffle
}
