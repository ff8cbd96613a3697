package query

// hashJoin is the Shuffle strategy's executor: a build/probe in-memory hash
// join. Grounded on the predecessor's simple_hash_join
// (original_source/src/execution/hash_join.rs) — build a hash table on the
// smaller side, then probe with the larger, skipping the disk-spilling
// grace/hybrid variants since a single coordinator-side batch is assumed to
// fit in memory (spec names Shuffle as "hash-repartition both sides ... and
// join locally": the repartitioning already bounds each side's size).
func hashJoin(build, probe *RowSet, buildKey, probeKey string) *RowSet {
	bi := build.columnIndex(buildKey)
	pi := probe.columnIndex(probeKey)
	out := &RowSet{Columns: append(append([]string{}, probe.Columns...), build.Columns...)}
	if bi < 0 || pi < 0 {
		return out
	}

	table := make(map[string][][]string, len(build.Rows))
	for _, row := range build.Rows {
		key := row[bi]
		table[key] = append(table[key], row)
	}

	for _, prow := range probe.Rows {
		key := prow[pi]
		for _, brow := range table[key] {
			joined := make([]string, 0, len(prow)+len(brow))
			joined = append(joined, prow...)
			joined = append(joined, brow...)
			out.Rows = append(out.Rows, joined)
		}
	}
	return out
}

// nestedLoopJoin is the fallback strategy for joins with no equality
// predicate: every pair of rows is tested against pred.
func nestedLoopJoin(left, right *RowSet, pred func(l, r []string) bool) *RowSet {
	out := &RowSet{Columns: append(append([]string{}, left.Columns...), right.Columns...)}
	for _, lrow := range left.Rows {
		for _, rrow := range right.Rows {
			if pred(lrow, rrow) {
				joined := make([]string, 0, len(lrow)+len(rrow))
				joined = append(joined, lrow...)
				joined = append(joined, rrow...)
				out.Rows = append(out.Rows, joined)
			}
		}
	}
	return out
}
