// Package cluster wires the independently-built subsystems (interconnect,
// GRD, GCS, GES, query coordinator, recovery) into one running node.
// Adapted from the teacher's cluster.Cluster constructor and status model
// (cluster/cluster.go): NewCluster validates config the same way
// (replication/identity checks up front) and Start/Stop sequence
// subordinate services the same way the teacher sequences its peer server
// and local nodes, but addNode/discoverPeers' seed-gossip membership is
// replaced outright by interconnect's heartbeat/view-change membership —
// this module's cluster never hand-rolls peer discovery.
package cluster

import (
	"fmt"

	logging "github.com/op/go-logging"

	"github.com/kickboxer/racdb/internal/config"
	"github.com/kickboxer/racdb/internal/gcs"
	"github.com/kickboxer/racdb/internal/ges"
	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/interconnect"
	"github.com/kickboxer/racdb/internal/metrics"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/partitioner"
	"github.com/kickboxer/racdb/internal/query"
	"github.com/kickboxer/racdb/internal/recovery"
	"github.com/kickboxer/racdb/internal/store"
	"github.com/kickboxer/racdb/internal/topology"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("cluster")
}

// Status mirrors the teacher's ClusterStatus enum, trimmed to the states
// this cluster core actually reaches: STREAMING never applies here, since
// block/lock state is recovered from the shared engine rather than
// streamed peer to peer.
type Status string

const (
	StatusInitializing Status = ""
	StatusNormal       Status = "NORMAL"
	StatusFenced       Status = "FENCED"
)

// Cluster is one running instance: every subsystem it owns, and the
// lifecycle that starts/stops them in dependency order.
type Cluster struct {
	cfg    *config.Config
	self   topology.Node
	engine store.Engine

	ic    *interconnect.Interconnect
	dir   *grd.Directory
	gcs   *gcs.Service
	ges   *ges.Service
	query *query.Coordinator
	rec   *recovery.Service

	status Status
}

// New builds a Cluster bound to an initial view. engine is the shared
// storage engine for this cluster (the teacher's Cluster holds a single
// local store.Store; this one holds a reference to the cluster-wide shared
// disk every node's gcs/recovery read and write against, per the
// shared-disk architecture spec §2 assumes).
func New(cfg *config.Config, sink *metrics.Sink, self topology.Node, transport interconnect.Transport, initialView *topology.View, engine store.Engine, exec query.LocalExecFn) (*Cluster, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cluster: config cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("cluster: engine cannot be nil")
	}
	if !initialView.Contains(self.ID()) {
		return nil, fmt.Errorf("cluster: initial view does not contain local node %v", self.ID())
	}
	if sink == nil {
		sink = metrics.Noop()
	}

	ic := interconnect.New(cfg, self, transport, initialView, sink)
	dir := grd.New(cfg, sink, initialView)
	gcsSvc := gcs.New(cfg, sink, ic, dir, engine, self.ID())
	gesSvc := ges.New(cfg, sink, ic, dir, self.ID())
	router := query.NewShardRouter(dir)
	coordinator := query.New(cfg, sink, ic, router, self.ID(), exec)
	recSvc := recovery.New(cfg, sink, ic, dir, gcsSvc, gesSvc, engine, self.ID())

	c := &Cluster{
		cfg:    cfg,
		self:   self,
		engine: engine,
		ic:     ic,
		dir:    dir,
		gcs:    gcsSvc,
		ges:    gesSvc,
		query:  coordinator,
		rec:    recSvc,
		status: StatusInitializing,
	}

	// a skew-driven remaster has no wire exchange of its own: a proposal
	// just moves GRD's notion of mastership, and the next gcs/ges request
	// against that resource routes to the new master because
	// Acquire/Enqueue always re-resolve MasterOf before dispatch. No freeze
	// or transfer step runs, so holder and queue state the old master's
	// gcs/ges services keep for the resource is not carried over.
	dir.OnSkewDetected = func(proposals []grd.RemasterProposal) {
		for _, p := range proposals {
			dir.ApplyRemaster(p)
		}
	}

	return c, nil
}

// Start brings every subsystem up in dependency order: the interconnect
// first (everything else depends on having a view and being able to send),
// then the directory's remaster loop, then the block/lock services, then
// the query coordinator and recovery watcher last since both react to
// state the earlier services expose.
func (c *Cluster) Start() error {
	if err := c.ic.Start(); err != nil {
		return fmt.Errorf("cluster: start interconnect: %w", err)
	}
	c.dir.Start()
	c.gcs.Start()
	c.ges.Start()
	c.query.Start()
	c.rec.Start()
	c.status = StatusNormal
	logger.Infof("cluster: node %v started, view seq %d", c.self.ID(), c.ic.View().Seq)
	return nil
}

// Stop tears every subsystem down in reverse order.
func (c *Cluster) Stop() {
	c.rec.Stop()
	c.query.Stop()
	c.ges.Stop()
	c.gcs.Stop()
	c.dir.Stop()
	c.ic.Stop()
	c.status = StatusInitializing
}

func (c *Cluster) NodeID() nodeid.NodeId    { return c.self.ID() }
func (c *Cluster) Status() Status           { return c.status }
func (c *Cluster) View() *topology.View     { return c.ic.View() }
func (c *Cluster) Directory() *grd.Directory { return c.dir }
func (c *Cluster) GCS() *gcs.Service        { return c.gcs }
func (c *Cluster) GES() *ges.Service        { return c.ges }
func (c *Cluster) Query() *query.Coordinator { return c.query }
func (c *Cluster) Recovery() *recovery.Service { return c.rec }
func (c *Cluster) Health() interconnect.HealthState { return c.ic.Health() }

// Join declares the given node a member of the cluster, via the
// interconnect's coordinator-led view-change protocol (spec §4.1). Only
// meaningful when called on the current view's lowest-instance coordinator;
// ProposeJoin itself is a no-op fire-and-forget otherwise, matching
// ProposeLeave's documented coordinator-only contract.
func (c *Cluster) Join(n topology.Node) {
	c.ic.ProposeJoin(n)
}

// Leave declares id departed, triggering view change and, on the new
// lowest surviving instance, the recovery scan for id's un-checkpointed
// work (spec §4.6).
func (c *Cluster) Leave(id nodeid.NodeId) {
	c.ic.ProposeLeave(id)
}

// NewNode is a thin wrapper over topology.NewNode so callers building an
// initial view do not need to import both topology and partitioner
// directly.
func NewNode(name, addr string, token partitioner.Token, id nodeid.NodeId, instID nodeid.InstanceID, dcID topology.DatacenterID) topology.Node {
	return topology.NewNode(name, addr, token, id, instID, dcID)
}
