package router

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/version"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// maxPayload bounds new session request bodies
const maxPayload = 1 << 20

// CreateSession handles POST /session. The handler blocks until the
// distributor resolves the request, it expires, or the queue is cleared.
func (rt *Router) CreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		writeError(w, errors.Wrapf(models.ErrInvalidArgument, "failed to read request body: %v", err))
		return
	}

	alternatives, err := models.ParseNewSessionPayload(body)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := rt.queue.Add(alternatives)
	if err != nil {
		rt.logger.WithError(err).Warn("new session request rejected")
		writeError(w, err)
		return
	}

	log := rt.logger.WithField("request", req.ID)
	log.WithField("capabilities", alternatives).Debug("new session request queued")

	session, err := rt.queue.Wait(r.Context(), req.ID)
	if err != nil {
		log.WithError(err).Info("new session request failed")
		writeError(w, err)
		return
	}

	log.WithFields(logrus.Fields{"session": session.ID, "node": session.NodeID}).Info("new session created")
	writeJSON(w, http.StatusOK, models.NewSessionResponse{Value: models.NewSessionValue{
		SessionID:    session.ID,
		Capabilities: rt.clientCapabilities(r, session),
	}})
}

// clientCapabilities points websocket endpoints at the router
func (rt *Router) clientCapabilities(r *http.Request, session *models.Session) models.Capabilities {
	caps := session.Capabilities.Clone()
	if caps == nil {
		return models.Capabilities{}
	}
	base := rt.wsBase(r)
	if _, ok := caps[models.CapCDP]; ok {
		caps[models.CapCDP] = base + "/session/" + string(session.ID) + "/se/cdp"
	}
	if _, ok := caps[models.CapWebSocketURL]; ok {
		caps[models.CapWebSocketURL] = base + "/session/" + string(session.ID) + "/se/bidi"
	}
	return caps
}

// wsBase is the websocket form of the grid's public address
func (rt *Router) wsBase(r *http.Request) string {
	base := strings.TrimSuffix(rt.opts.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// GetStatus handles GET /status
func (rt *Router) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := rt.dist.Status()

	message := "Grid is ready to accept new sessions"
	if !status.Ready {
		message = "Grid has no free capacity"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"value": map[string]any{
			"ready":   status.Ready,
			"message": message,
			"nodes":   status.Nodes,
			"queue":   rt.queue.Len(),
			"build":   version.Current(),
			"os": models.OSInfo{
				Name: runtime.GOOS,
				Arch: runtime.GOARCH,
			},
		},
	})
}

// ListQueue handles GET /se/grid/newsessionqueue/queue
func (rt *Router) ListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"value": rt.queue.PeekAll()})
}

// ClearQueue handles DELETE /se/grid/newsessionqueue/queue
func (rt *Router) ClearQueue(w http.ResponseWriter, r *http.Request) {
	cleared := rt.queue.Clear()
	rt.logger.WithField("count", cleared).Info("new session queue cleared by request")
	writeJSON(w, http.StatusOK, map[string]any{"value": map[string]int{"cleared": cleared}})
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
