package cluster

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/krantius/anki/election"
	"github.com/krantius/anki/membership"
)

// Status is the summary served at /api/status
type Status struct {
	ID         string        `json:"id"`
	Election   election.Info `json:"election"`
	Members    int           `json:"members"`
	LiveVoters int           `json:"live_voters"`
	Workers    []string      `json:"workers"`
	Queued     int           `json:"queued"`
	Anomalies  int           `json:"anomalies"`
}

// Router serves the read only status API and metrics
func (n *Node) Router() *mux.Router {
	r := mux.NewRouter()

	sr := r.PathPrefix("/api").Subrouter()
	sr.Path("/status").Methods("GET").HandlerFunc(n.serveStatus)
	sr.Path("/nodes").Methods("GET").HandlerFunc(n.serveNodes)
	sr.Path("/nodes/{id}").Methods("GET").HandlerFunc(n.serveNode)
	sr.Path("/proposals").Methods("GET").HandlerFunc(n.serveProposals)
	sr.Path("/proposals/{id}").Methods("GET").HandlerFunc(n.serveProposal)
	sr.Path("/tasks").Methods("GET").HandlerFunc(n.serveTasks)
	sr.Path("/tasks/{id}").Methods("GET").HandlerFunc(n.serveTask)
	sr.Path("/snapshot").Methods("GET").HandlerFunc(n.serveSnapshot)

	r.Path("/metrics").Methods("GET").Handler(n.metrics.Handler())

	return r
}

func (n *Node) Status() Status {
	return Status{
		ID:         n.cfg.ID,
		Election:   n.election.Info(),
		Members:    n.registry.Len(),
		LiveVoters: n.registry.WithRole(membership.Coordinator).LiveCount(),
		Workers:    n.balancer.Nodes(),
		Queued:     n.scheduler.Queued(),
		Anomalies:  n.balancer.Anomalies(),
	}
}

func (n *Node) serveStatus(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, n.Status())
}

func (n *Node) serveNodes(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, n.registry.List())
}

func (n *Node) serveNode(w http.ResponseWriter, r *http.Request) {
	node, ok := n.registry.Get(mux.Vars(r)["id"])
	if !ok {
		n.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	n.writeJSON(w, http.StatusOK, node)
}

type proposals struct {
	Pending   interface{} `json:"pending"`
	Committed interface{} `json:"committed"`
}

func (n *Node) serveProposals(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, proposals{
		Pending:   n.consensus.Pending(),
		Committed: n.consensus.Committed(),
	})
}

func (n *Node) serveProposal(w http.ResponseWriter, r *http.Request) {
	t, err := n.consensus.Tally(mux.Vars(r)["id"])
	if err != nil {
		n.writeError(w, http.StatusNotFound, "proposal not found")
		return
	}
	n.writeJSON(w, http.StatusOK, t)
}

func (n *Node) serveTasks(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, n.scheduler.Assignments())
}

func (n *Node) serveTask(w http.ResponseWriter, r *http.Request) {
	a, ok := n.scheduler.Get(mux.Vars(r)["id"])
	if !ok {
		n.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	n.writeJSON(w, http.StatusOK, a)
}

func (n *Node) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	n.writeJSON(w, http.StatusOK, n.Snapshot())
}

func (n *Node) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		n.log.WithError(err).Error("Failed to write response")
	}
}

func (n *Node) writeError(w http.ResponseWriter, code int, msg string) {
	n.writeJSON(w, code, map[string]string{"error": msg})
}
