package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/op/go-logging"
	"golang.org/x/sync/errgroup"

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
	logger = logging.MustGetLogger("query")
}

// ShardRouter answers "which instance owns shard N", reusing grd's
// rendezvous-hash mastership rather than inventing a separate placement
// scheme: a shard is just another resource id in the directory's space.
type ShardRouter struct {
	dir *grd.Directory
}

func NewShardRouter(dir *grd.Directory) *ShardRouter {
	return &ShardRouter{dir: dir}
}

func (r *ShardRouter) OwnerOf(shard ShardID) nodeid.NodeId {
	return r.dir.MasterOf(grd.ResourceID(fmt.Sprintf("shard:%d", shard)))
}

// LocalExecFn runs one shard fragment locally: a filtered scan of table on
// shard. This is the "local executor" of the overview diagram (Session ->
// Query Coordinator -> local executor -> buffer pool); the coordinator
// never reaches into another node's storage directly.
type LocalExecFn func(ctx context.Context, table string, shard ShardID, filter *FilterSpec) (*RowSet, error)

type taskResult struct {
	rowset *RowSet
	err    error
}

// queryToken is the cancellation handle spec §4.5 requires per query: on
// client cancel, timeout, or a fatal task error, every outstanding task for
// this query is sent Cancel and held GES locks are released.
type queryToken struct {
	cancel     context.CancelFunc
	mu         sync.Mutex
	outstanding map[uint64]nodeid.NodeId // taskID -> node it was sent to
	releaseFn  func()                    // releases any GES locks the query held
}

// Coordinator is one instance's Distributed Query Coordinator.
type Coordinator struct {
	cfg     *config.Config
	metrics *metrics.Sink
	ic      *interconnect.Interconnect
	router  *ShardRouter
	self    nodeid.NodeId
	exec    LocalExecFn

	reqMu   sync.Mutex
	reqSeq  uint64
	pending map[uint64]chan taskResult

	tokMu  sync.Mutex
	tokens map[uint64]*queryToken

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg *config.Config, sink *metrics.Sink, ic *interconnect.Interconnect, router *ShardRouter, self nodeid.NodeId, exec LocalExecFn) *Coordinator {
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Coordinator{
		cfg:     cfg,
		metrics: sink,
		ic:      ic,
		router:  router,
		self:    self,
		exec:    exec,
		pending: make(map[uint64]chan taskResult),
		tokens:  make(map[uint64]*queryToken),
		stop:    make(chan struct{}),
	}
}

func (c *Coordinator) Start() {
	kinds := []wire.Kind{wire.KindTaskDispatch, wire.KindTaskResult, wire.KindTaskCancel}
	inbox := make(chan *wire.Message, 1024)
	for _, k := range kinds {
		ch := c.ic.Subscribe(k)
		c.wg.Add(1)
		go c.forward(ch, inbox)
	}
	c.wg.Add(1)
	go c.dispatchLoop(inbox)
}

func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) forward(ch <-chan *wire.Message, inbox chan *wire.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case inbox <- m:
			case <-c.stop:
				return
			}
		}
	}
}

func (c *Coordinator) dispatchLoop(inbox chan *wire.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case m := <-inbox:
			c.handle(m)
		}
	}
}

func (c *Coordinator) handle(m *wire.Message) {
	switch m.Header.Kind {
	case wire.KindTaskDispatch:
		c.onTaskDispatch(m)
	case wire.KindTaskResult:
		c.onTaskResult(m)
	case wire.KindTaskCancel:
		c.onTaskCancel(m)
	}
}

func (c *Coordinator) nextID() uint64 {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.reqSeq++
	return c.reqSeq
}

// newToken registers a cancellation token for one query, deriving from ctx
// so client cancel/timeout trips it automatically (spec §4.5).
func (c *Coordinator) newToken(ctx context.Context) (context.Context, uint64, *queryToken) {
	qctx, cancel := context.WithCancel(ctx)
	tok := &queryToken{cancel: cancel, outstanding: make(map[uint64]nodeid.NodeId)}
	id := c.nextID()
	c.tokMu.Lock()
	c.tokens[id] = tok
	c.tokMu.Unlock()
	return qctx, id, tok
}

func (c *Coordinator) releaseToken(id uint64) {
	c.tokMu.Lock()
	tok, ok := c.tokens[id]
	delete(c.tokens, id)
	c.tokMu.Unlock()
	if !ok {
		return
	}
	tok.cancel()
	if tok.releaseFn != nil {
		tok.releaseFn()
	}
}

// trip cancels every outstanding task of this query (spec §4.5: "all
// outstanding tasks receive Cancel").
func (tok *queryToken) trip(c *Coordinator) {
	tok.mu.Lock()
	outstanding := make(map[uint64]nodeid.NodeId, len(tok.outstanding))
	for k, v := range tok.outstanding {
		outstanding[k] = v
	}
	tok.mu.Unlock()
	for taskID, node := range outstanding {
		if node == c.self {
			continue
		}
		payload := encodeTaskCancel(taskCancelPayload{TaskID: taskID})
		_ = c.ic.Send(node, wire.KindTaskCancel, payload, 0)
	}
}

// execFragment runs the local scan and, when requested, sorts and caps it
// before it ever leaves this node — the push-down that keeps a shard's
// shipped result to at most limit rows (spec §8 scenario 6) instead of its
// full local result crossing the wire.
func execFragment(ctx context.Context, exec LocalExecFn, table string, shard ShardID, filter *FilterSpec, sortKey string, desc bool, limit int) (*RowSet, error) {
	rs, err := exec(ctx, table, shard, filter)
	if err != nil {
		return nil, err
	}
	if sortKey != "" {
		sortRowSet(rs, sortKey, desc)
	}
	if limit >= 0 && len(rs.Rows) > limit {
		rs.Rows = rs.Rows[:limit]
	}
	return rs, nil
}

// runFragment dispatches one shard fragment, running it locally if this
// node owns the shard, otherwise over the wire with up to R_task retries
// against a transient (Unreachable) failure. sortKey/desc/limit, when set,
// are pushed down so the owning node ships at most limit rows back.
func (c *Coordinator) runFragment(ctx context.Context, tok *queryToken, table string, shard ShardID, filter *FilterSpec, sortKey string, desc bool, limit int) (*RowSet, error) {
	owner := c.router.OwnerOf(shard)
	if owner == c.self {
		return execFragment(ctx, c.exec, table, shard, filter, sortKey, desc, limit)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.TaskMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		owner = c.router.OwnerOf(shard)
		taskID := c.nextID()
		respCh := make(chan taskResult, 1)
		c.reqMu.Lock()
		c.pending[taskID] = respCh
		c.reqMu.Unlock()

		tok.mu.Lock()
		tok.outstanding[taskID] = owner
		tok.mu.Unlock()

		p := taskDispatchPayload{TaskID: taskID, Table: table, Shard: uint32(shard), SortKey: sortKey, Desc: desc}
		if filter != nil {
			p.HasFilter = true
			p.FilterCol = filter.Column
			p.FilterVal = filter.Value
		}
		if limit >= 0 {
			p.HasLimit = true
			p.Limit = uint32(limit)
		}
		err := c.ic.Send(owner, wire.KindTaskDispatch, encodeTaskDispatch(p), 0)
		if err != nil {
			c.reqMu.Lock()
			delete(c.pending, taskID)
			c.reqMu.Unlock()
			lastErr = err
			if racerr.Is(err, racerr.Unreachable) {
				continue
			}
			return nil, err
		}

		select {
		case res := <-respCh:
			c.reqMu.Lock()
			delete(c.pending, taskID)
			c.reqMu.Unlock()
			tok.mu.Lock()
			delete(tok.outstanding, taskID)
			tok.mu.Unlock()
			if res.err != nil {
				lastErr = res.err
				if racerr.Is(res.err, racerr.Unreachable) {
					continue
				}
				return nil, res.err
			}
			return res.rowset, nil
		case <-ctx.Done():
			c.reqMu.Lock()
			delete(c.pending, taskID)
			c.reqMu.Unlock()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("query: shard %d fragment failed after %d retries: %w", shard, c.cfg.TaskMaxRetries, lastErr)
}

func (c *Coordinator) onTaskDispatch(m *wire.Message) {
	p, err := decodeTaskDispatch(m.Payload)
	if err != nil {
		logger.Warningf("query: malformed task dispatch: %v", err)
		return
	}
	var filter *FilterSpec
	if p.HasFilter {
		filter = &FilterSpec{Column: p.FilterCol, Value: p.FilterVal}
	}
	from, ok := memberByInstance(c.ic, m.Header.From)
	if !ok {
		return
	}
	limit := -1
	if p.HasLimit {
		limit = int(p.Limit)
	}
	go func() {
		rs, err := execFragment(context.Background(), c.exec, p.Table, ShardID(p.Shard), filter, p.SortKey, p.Desc, limit)
		resp := taskResultPayload{TaskID: p.TaskID}
		if err != nil {
			resp.OK = false
			resp.ErrMsg = err.Error()
		} else {
			resp.OK = true
			resp.Result = rs
		}
		if sendErr := c.ic.Send(from, wire.KindTaskResult, encodeTaskResult(resp), 0); sendErr != nil {
			logger.Warningf("query: send task result to %v failed: %v", from, sendErr)
		}
	}()
}

func (c *Coordinator) onTaskResult(m *wire.Message) {
	p, err := decodeTaskResult(m.Payload)
	if err != nil {
		logger.Warningf("query: malformed task result: %v", err)
		return
	}
	c.reqMu.Lock()
	ch, ok := c.pending[p.TaskID]
	c.reqMu.Unlock()
	if !ok {
		return
	}
	var res taskResult
	if p.OK {
		res.rowset = p.Result
	} else {
		res.err = fmt.Errorf("query: remote fragment failed: %s", p.ErrMsg)
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *Coordinator) onTaskCancel(m *wire.Message) {
	// the local executor path is a plain function call (exec), not a
	// cancellable goroutine table keyed by task id, so a remote cancel
	// of an in-flight local fragment is a no-op beyond logging: the
	// fragment is expected to be short-lived relative to T_dd/T_fail.
	p, err := decodeTaskCancel(m.Payload)
	if err != nil {
		return
	}
	logger.Debugf("query: cancel received for task %d", p.TaskID)
}

func memberByInstance(ic *interconnect.Interconnect, instID uint32) (nodeid.NodeId, bool) {
	for _, n := range ic.View().Members {
		if uint32(n.InstanceID()) == instID {
			return n.ID(), true
		}
	}
	return nodeid.NodeId{}, false
}

// Execute plans and runs a query, per spec §4.5.
func (c *Coordinator) Execute(ctx context.Context, plan *Node) (*RowSet, error) {
	qctx, tokID, tok := c.newToken(ctx)
	defer c.releaseToken(tokID)

	start := time.Now()
	rs, err := c.eval(qctx, tok, plan)
	if err != nil {
		tok.trip(c)
	}
	c.metrics.TimeSince("query.execute", start)
	return rs, err
}

func (c *Coordinator) eval(ctx context.Context, tok *queryToken, n *Node) (*RowSet, error) {
	switch n.Kind {
	case ScanKind:
		return c.evalScan(ctx, tok, n)
	case JoinKind:
		return c.evalJoin(ctx, tok, n)
	case AggregateKind:
		return c.evalAggregate(ctx, tok, n)
	case SortKind:
		return c.evalSort(ctx, tok, n)
	case LimitKind:
		return c.evalLimit(ctx, tok, n)
	case ProjectKind:
		return c.evalProject(ctx, tok, n)
	default:
		return nil, fmt.Errorf("query: unknown plan node kind %v", n.Kind)
	}
}

// scanShardStreams fans Scan n out across its shards, each fragment run via
// runFragment with the given sort/limit push-down, and returns the raw
// per-shard results without flattening them — callers that need a k-way
// merge over already-sorted streams (evalSort, evalLimit) keep shard
// boundaries; evalScan flattens them itself.
func (c *Coordinator) scanShardStreams(ctx context.Context, tok *queryToken, n *Node, sortKey string, desc bool, limit int) ([]*RowSet, error) {
	if len(n.Shards) == 0 {
		return nil, nil
	}
	parts := make([]*RowSet, len(n.Shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range n.Shards {
		i, shard := i, shard
		g.Go(func() error {
			rs, err := c.runFragment(gctx, tok, n.Table, shard, n.Filter, sortKey, desc, limit)
			if err != nil {
				return err
			}
			parts[i] = rs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

func (c *Coordinator) evalScan(ctx context.Context, tok *queryToken, n *Node) (*RowSet, error) {
	strategy := SelectExecStrategy(c.cfg, len(n.Shards), n.PartitionKeyEq)
	logger.Debugf("scan %s: %v across %d shard(s)", n.Table, strategy, len(n.Shards))

	parts, err := c.scanShardStreams(ctx, tok, n, "", false, -1)
	if err != nil {
		return nil, err
	}

	out := &RowSet{}
	for _, p := range parts {
		if p == nil {
			continue
		}
		if out.Columns == nil {
			out.Columns = p.Columns
		}
		out.Rows = append(out.Rows, p.Rows...)
	}
	return out, nil
}

func (c *Coordinator) evalJoin(ctx context.Context, tok *queryToken, n *Node) (*RowSet, error) {
	var left, right *RowSet
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rs, err := c.eval(gctx, tok, n.Left)
		left = rs
		return err
	})
	g.Go(func() error {
		rs, err := c.eval(gctx, tok, n.Right)
		right = rs
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	strategy := SelectJoinStrategy(c.cfg, n.HasEquality, n.JoinStrategy == CoLocated, len(right.Rows))
	logger.Debugf("join %s=%s: %v (left=%d right=%d rows)", n.LeftKey, n.RightKey, strategy, len(left.Rows), len(right.Rows))

	switch strategy {
	case NestedLoop:
		return nestedLoopJoin(left, right, func(l, r []string) bool { return true }), nil
	default:
		// CoLocated/Broadcast/Shuffle all perform the same equality join
		// here; they differ in a real deployment only in how the inputs
		// were gathered (co-partitioned fragment push-down vs. broadcast
		// vs. hash-repartition), which this coordinator-centric evaluator
		// doesn't model since both sides are already materialized above.
		return hashJoin(right, left, n.RightKey, n.LeftKey), nil
	}
}

func (c *Coordinator) evalAggregate(ctx context.Context, tok *queryToken, n *Node) (*RowSet, error) {
	input, err := c.eval(ctx, tok, n.Input)
	if err != nil {
		return nil, err
	}
	partial := localAggregate(input, n.AggOp, n.AggCol, n.GroupBy)
	return combineAggregates([]*RowSet{partial}, n.AggOp, n.GroupBy), nil
}

func (c *Coordinator) evalSort(ctx context.Context, tok *queryToken, n *Node) (*RowSet, error) {
	if n.Input.Kind == ScanKind {
		// push the sort down to each shard, then k-way merge the
		// per-shard sorted streams instead of sorting one flattened set.
		parts, err := c.scanShardStreams(ctx, tok, n.Input, n.SortKey, n.Desc, -1)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, p := range parts {
			if p != nil {
				total += len(p.Rows)
			}
		}
		return boundedMerge(parts, n.SortKey, n.Desc, total), nil
	}
	input, err := c.eval(ctx, tok, n.Input)
	if err != nil {
		return nil, err
	}
	sortRowSet(input, n.SortKey, n.Desc)
	return input, nil
}

func (c *Coordinator) evalLimit(ctx context.Context, tok *queryToken, n *Node) (*RowSet, error) {
	total := n.LimitN + n.OffsetK
	var merged *RowSet

	if n.Input.Kind == SortKind && n.Input.Input.Kind == ScanKind {
		// spec §8 scenario 6: each shard ships at most `total` sorted
		// rows rather than its full local result, pushed all the way
		// down through the Sort into the Scan's wire dispatch.
		parts, err := c.scanShardStreams(ctx, tok, n.Input.Input, n.Input.SortKey, n.Input.Desc, total)
		if err != nil {
			return nil, err
		}
		merged = boundedMerge(parts, n.Input.SortKey, n.Input.Desc, total)
	} else {
		input, err := c.eval(ctx, tok, n.Input)
		if err != nil {
			return nil, err
		}
		if total > len(input.Rows) {
			total = len(input.Rows)
		}
		merged = &RowSet{Columns: input.Columns, Rows: input.Rows[:total]}
	}

	rows := merged.Rows
	if n.OffsetK < len(rows) {
		rows = rows[n.OffsetK:]
	} else {
		rows = nil
	}
	if n.LimitN < len(rows) {
		rows = rows[:n.LimitN]
	}
	return &RowSet{Columns: merged.Columns, Rows: rows}, nil
}

func (c *Coordinator) evalProject(ctx context.Context, tok *queryToken, n *Node) (*RowSet, error) {
	input, err := c.eval(ctx, tok, n.Input)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(n.Columns))
	for i, col := range n.Columns {
		idx[i] = input.columnIndex(col)
	}
	out := &RowSet{Columns: n.Columns}
	for _, row := range input.Rows {
		projected := make([]string, len(idx))
		for i, ci := range idx {
			if ci >= 0 && ci < len(row) {
				projected[i] = row[ci]
			}
		}
		out.Rows = append(out.Rows, projected)
	}
	return out, nil
}

// ShardsForStream produces per-shard result streams already sorted on
// sortKey with at most limit rows each, the shape scenario 6 (spec §8)
// exercises: each shard ships its own Limit-n stream rather than the full
// table, and the coordinator merges.
func ShardsForStream(streams [][][]string, columns []string, sortKey string, desc bool, limit int) *RowSet {
	rowsets := make([]*RowSet, len(streams))
	for i, rows := range streams {
		rowsets[i] = &RowSet{Columns: columns, Rows: rows}
	}
	return boundedMerge(rowsets, sortKey, desc, limit)
}
