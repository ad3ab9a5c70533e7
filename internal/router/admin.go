package router

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/node"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// RegisterNode handles POST /se/grid/distributor/node. The body is the
// node's self-reported status.
func (rt *Router) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var status models.NodeStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		writeError(w, errors.Wrapf(models.ErrInvalidArgument, "invalid node status: %v", err))
		return
	}

	remote, err := node.NewRemote(status, rt.opts.Secret, rt.opts.NodeClient)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := rt.dist.Add(r.Context(), remote); err != nil {
		if !errors.Is(err, models.ErrDuplicateNode) {
			rt.logger.WithError(err).WithFields(logrus.Fields{"node": status.ID, "uri": status.URI}).Warn("node registration failed")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"value": map[string]any{"nodeId": status.ID}})
}

// RemoveNode handles DELETE /se/grid/distributor/node/{nodeId}
func (rt *Router) RemoveNode(w http.ResponseWriter, r *http.Request) {
	id := models.NodeID(mux.Vars(r)["nodeId"])
	if err := rt.dist.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DrainNode handles POST /se/grid/distributor/node/{nodeId}/drain
func (rt *Router) DrainNode(w http.ResponseWriter, r *http.Request) {
	id := models.NodeID(mux.Vars(r)["nodeId"])
	if err := rt.dist.Drain(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ShutdownGrid handles POST /se/grid/shutdown
func (rt *Router) ShutdownGrid(w http.ResponseWriter, r *http.Request) {
	if rt.opts.Shutdown == nil {
		writeError(w, errors.New("shutdown is not supported by this process"))
		return
	}
	rt.logger.Warn("shutdown requested")
	w.WriteHeader(http.StatusAccepted)
	go rt.opts.Shutdown()
}
