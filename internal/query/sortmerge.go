package query

import (
	"container/heap"
	"sort"
	"strconv"
)

// mergeItem is one candidate row in the k-way merge, tagged with which
// source RowSet it came from so the heap can pull the next row from the
// same source once this one is emitted.
type mergeItem struct {
	row    []string
	source int
	sortV  float64
}

type mergeHeap struct {
	items []mergeItem
	desc  bool
}

func (h mergeHeap) Len() int { return len(h.items) }
func (h mergeHeap) Less(i, j int) bool {
	if h.desc {
		return h.items[i].sortV > h.items[j].sortV
	}
	return h.items[i].sortV < h.items[j].sortV
}
func (h mergeHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// boundedMerge k-way merges already-sorted shard result streams on sortKey,
// using a bounded priority queue (container/heap) and stopping at limit
// rows — spec §8 scenario 6: each shard ships its own Limit-n stream, the
// coordinator never buffers more than one pending row per shard plus the
// limit-sized output.
func boundedMerge(streams []*RowSet, sortKey string, desc bool, limit int) *RowSet {
	if len(streams) == 0 {
		return &RowSet{}
	}
	columns := streams[0].Columns
	sortIdx := -1
	for i, c := range columns {
		if c == sortKey {
			sortIdx = i
			break
		}
	}

	cursors := make([]int, len(streams))
	h := &mergeHeap{desc: desc}
	heap.Init(h)
	push := func(source int) {
		s := streams[source]
		if cursors[source] >= len(s.Rows) {
			return
		}
		row := s.Rows[cursors[source]]
		cursors[source]++
		v := 0.0
		if sortIdx >= 0 && sortIdx < len(row) {
			v, _ = strconv.ParseFloat(row[sortIdx], 64)
		}
		heap.Push(h, mergeItem{row: row, source: source, sortV: v})
	}
	for i := range streams {
		push(i)
	}

	out := &RowSet{Columns: columns}
	for h.Len() > 0 && len(out.Rows) < limit {
		item := heap.Pop(h).(mergeItem)
		out.Rows = append(out.Rows, item.row)
		push(item.source)
	}
	return out
}

// sortRowSet sorts rs in place on sortKey, parsing cells as float64 the same
// way boundedMerge does. Used to produce the per-stream order boundedMerge
// assumes, and as the direct executor for a Sort whose input isn't a raw
// multi-shard scan.
func sortRowSet(rs *RowSet, sortKey string, desc bool) {
	idx := rs.columnIndex(sortKey)
	if idx < 0 {
		return
	}
	sort.SliceStable(rs.Rows, func(i, j int) bool {
		vi, _ := strconv.ParseFloat(rs.Rows[i][idx], 64)
		vj, _ := strconv.ParseFloat(rs.Rows[j][idx], 64)
		if desc {
			return vi > vj
		}
		return vi < vj
	})
}
