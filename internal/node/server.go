package node

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/auth"
	"github.com/shehryarbajwa/grid-mini/internal/proxy"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// Server exposes a Local node over HTTP
type Server struct {
	node   *Local
	secret string
	logger logrus.FieldLogger
}

// NewServer creates the HTTP front of a local node
func NewServer(node *Local, secret string, logger logrus.FieldLogger) *Server {
	return &Server{
		node:   node,
		secret: secret,
		logger: logger.WithFields(logrus.Fields{"component": "node-server", "node": node.ID()}),
	}
}

// SetupRoutes configures the node's HTTP routes
func (s *Server) SetupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.GetStatus).Methods("GET")
	r.HandleFunc(PathStatus, s.GetNodeStatus).Methods("GET")

	// Hub-only endpoints
	hub := r.PathPrefix("/se/grid/node").Subrouter()
	hub.Use(auth.RequireSecret(s.secret))
	hub.HandleFunc("/session", s.CreateSession).Methods("POST")
	hub.HandleFunc("/session/{sessionId}", s.StopSession).Methods("DELETE")
	hub.HandleFunc("/drain", s.Drain).Methods("POST")

	// WebDriver traffic forwarded by the router
	r.HandleFunc("/session/{sessionId}/se/cdp", s.tunnel("cdp")).Methods("GET")
	r.HandleFunc("/session/{sessionId}/se/bidi", s.tunnel("bidi")).Methods("GET")
	r.HandleFunc("/session/{sessionId}", s.ExecuteCommand)
	r.PathPrefix("/session/{sessionId}/").HandlerFunc(s.ExecuteCommand)

	return r
}

// GetStatus handles GET /status
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.node.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	message := "Node is ready"
	if !status.HasCapacity() {
		message = "Node has no free slots"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"value": map[string]any{
			"ready":   status.HasCapacity(),
			"message": message,
			"node":    status,
		},
	})
}

// GetNodeStatus handles GET /se/grid/node/status
func (s *Server) GetNodeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.node.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueEnvelope[*models.NodeStatus]{Value: status})
}

// CreateSession handles POST /se/grid/node/session
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(models.ErrInvalidArgument, "invalid create session request"))
		return
	}

	session, err := s.node.NewSession(r.Context(), req)
	if err != nil {
		s.logger.WithError(err).WithField("request", req.RequestID).Warn("session creation failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueEnvelope[*models.Session]{Value: session})
}

// StopSession handles DELETE /se/grid/node/session/{sessionId}
func (s *Server) StopSession(w http.ResponseWriter, r *http.Request) {
	id := models.SessionID(mux.Vars(r)["sessionId"])
	if err := s.node.StopSession(r.Context(), id); err != nil {
		if !errors.Is(err, models.ErrNoSuchSession) {
			s.logger.WithError(err).WithField("session", id).Warn("failed to stop session")
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Drain handles POST /se/grid/node/drain
func (s *Server) Drain(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Drain(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteCommand forwards /session/{sessionId}/... to the driver
func (s *Server) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	id := models.SessionID(mux.Vars(r)["sessionId"])

	resp, err := s.node.ExecuteCommand(r.Context(), id, r)
	if err != nil {
		writeError(w, err)
		return
	}
	copyResponse(w, resp)
}

func (s *Server) tunnel(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := models.SessionID(mux.Vars(r)["sessionId"])

		target, err := s.node.TunnelTarget(id, kind)
		if err != nil {
			writeError(w, err)
			return
		}
		proxy.Tunnel(w, r, target, s.logger.WithField("session", id))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, payload := models.WebDriverError(err)
	writeJSON(w, status, payload)
}
