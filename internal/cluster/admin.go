package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kickboxer/racdb/internal/grd"
	"github.com/kickboxer/racdb/internal/nodeid"
	"github.com/kickboxer/racdb/internal/racerr"
)

// AdminServer is the operational HTTP surface cmd/racd's "operational, not
// application-level" CLI talks to (spec §6): view/stats reads and
// recover/remaster/node-down operator overrides. No HTTP framework appears
// as an actually-imported (non-indirect) dependency anywhere in the pack to
// ground a router choice on, and five fixed routes need no routing library
// regardless, so this uses net/http directly rather than reaching for one.
type AdminServer struct {
	c   *Cluster
	srv *http.Server
}

func NewAdminServer(c *Cluster) *AdminServer {
	a := &AdminServer{c: c}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/view", a.handleView)
	mux.HandleFunc("/v1/grd/stats", a.handleGrdStats)
	mux.HandleFunc("/v1/recover", a.handleRecover)
	mux.HandleFunc("/v1/remaster", a.handleRemaster)
	mux.HandleFunc("/v1/node/down", a.handleNodeDown)
	a.srv = &http.Server{Addr: c.cfg.AdminAddr, Handler: mux}
	return a
}

func (a *AdminServer) Start() {
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("admin server: %v", err)
		}
	}()
}

func (a *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}

type ViewMember struct {
	Name       string `json:"name"`
	Addr       string `json:"addr"`
	ID         string `json:"id"`
	InstanceID uint32 `json:"instanceId"`
	DC         string `json:"dc"`
	Status     string `json:"status"`
}

type ViewDTO struct {
	Seq     uint64          `json:"seq"`
	Members []ViewMember `json:"members"`
}

func (a *AdminServer) handleView(w http.ResponseWriter, r *http.Request) {
	v := a.c.View()
	out := ViewDTO{Seq: v.Seq}
	for _, m := range v.Members {
		out.Members = append(out.Members, ViewMember{
			Name:       m.Name(),
			Addr:       m.Addr(),
			ID:         m.ID().String(),
			InstanceID: uint32(m.InstanceID()),
			DC:         string(m.DatacenterID()),
			Status:     string(m.Status()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type StatsDTO struct {
	ResourceID  string `json:"resourceId"`
	Master      string `json:"master"`
	TotalAccess uint64 `json:"totalAccess"`
}

func (a *AdminServer) handleGrdStats(w http.ResponseWriter, r *http.Request) {
	stats := a.c.Directory().AllStats()
	out := make([]StatsDTO, 0, len(stats))
	for _, s := range stats {
		out = append(out, StatsDTO{ResourceID: string(s.ResourceID), Master: s.Master.String(), TotalAccess: s.TotalAccess})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRecover declares the named instance departed, which is exactly what
// drives the claim/redo-scan machinery in internal/recovery: an operator
// reaches for this after confirming a peer is dead but before the failure
// detector's own suspicion timers have caught up.
func (a *AdminServer) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, racerr.New(racerr.Invariant, "method not allowed"))
		return
	}
	instID, err := strconv.ParseUint(r.URL.Query().Get("instance"), 10, 32)
	if err != nil {
		writeErr(w, http.StatusBadRequest, racerr.New(racerr.Corrupted, "invalid instance: %v", err))
		return
	}
	id, ok := a.nodeByInstance(uint32(instID))
	if !ok {
		writeErr(w, http.StatusBadRequest, racerr.New(racerr.Corrupted, "unknown instance %d", instID))
		return
	}
	a.c.Leave(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "leave proposed"})
}

// handleRemaster applies an operator-directed mastership override for one
// resource, bypassing the skew scan's own threshold checks the way a
// directly-issued ApplyRemaster always has.
func (a *AdminServer) handleRemaster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, racerr.New(racerr.Invariant, "method not allowed"))
		return
	}
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		writeErr(w, http.StatusBadRequest, racerr.New(racerr.Corrupted, "resource is required"))
		return
	}
	instID, err := strconv.ParseUint(r.URL.Query().Get("to"), 10, 32)
	if err != nil {
		writeErr(w, http.StatusBadRequest, racerr.New(racerr.Corrupted, "invalid to: %v", err))
		return
	}
	newMaster, ok := a.nodeByInstance(uint32(instID))
	if !ok {
		writeErr(w, http.StatusBadRequest, racerr.New(racerr.Corrupted, "unknown instance %d", instID))
		return
	}
	current := a.c.Directory().MasterOf(grd.ResourceID(resource))
	a.c.Directory().ApplyRemaster(grd.RemasterProposal{ResourceID: grd.ResourceID(resource), OldMaster: current, NewMaster: newMaster})
	writeJSON(w, http.StatusOK, map[string]string{"status": "remastered"})
}

// handleNodeDown stops this node's Cluster. graceful proposes this node's
// own departure first, so the rest of the view commits a clean view change
// and elects a recoverer before any service actually stops; force stops
// immediately, leaving peers to notice via the failure detector's own
// suspect/fail timers.
func (a *AdminServer) handleNodeDown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, racerr.New(racerr.Invariant, "method not allowed"))
		return
	}
	graceful := r.URL.Query().Get("mode") != "force"
	if graceful {
		a.c.Leave(a.c.NodeID())
		time.Sleep(200 * time.Millisecond)
	}
	a.c.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *AdminServer) nodeByInstance(instID uint32) (nodeid.NodeId, bool) {
	for _, m := range a.c.View().Members {
		if uint32(m.InstanceID()) == instID {
			return m.ID(), true
		}
	}
	return nodeid.NodeId{}, false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
