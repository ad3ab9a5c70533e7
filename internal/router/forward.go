package router

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/events"
	"github.com/shehryarbajwa/grid-mini/internal/proxy"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

const (
	kindCDP  = "cdp"
	kindBiDi = "bidi"
)

// lookup finds the session a request is addressed to. Sessions of nodes
// that were removed are reported as gone rather than unknown.
func (rt *Router) lookup(ctx context.Context, id models.SessionID) (*models.Session, error) {
	session, err := rt.sessions.Get(ctx, id)
	if err == nil {
		return session, nil
	}
	if errors.Is(err, models.ErrNoSuchSession) {
		if nid, lost := rt.dist.LostSession(id); lost {
			return nil, errors.Wrapf(models.ErrNodeGone, "session %s was running on node %s, which left the grid", id, nid)
		}
	}
	return nil, err
}

// Forward relays a session command to the owning node unchanged
func (rt *Router) Forward(w http.ResponseWriter, r *http.Request) {
	id := models.SessionID(mux.Vars(r)["sessionId"])

	session, err := rt.lookup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	target, err := url.Parse(session.URI)
	if err != nil || target.Host == "" {
		writeError(w, errors.Newf("session %s has an invalid node uri %q", id, session.URI))
		return
	}

	log := rt.logger.WithField("session", id)
	closing := r.Method == http.MethodDelete && strings.TrimSuffix(r.URL.Path, "/") == "/session/"+string(id)

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
		},
		Transport: rt.opts.Transport,
		ModifyResponse: func(resp *http.Response) error {
			if closing && resp.StatusCode < 300 {
				rt.sessionClosed(id)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).Warn("failed to reach node")
			writeError(w, errors.Wrapf(models.ErrNodeGone, "node %s unreachable: %v", session.NodeID, err))
		},
	}
	rp.ServeHTTP(w, r)
}

// sessionClosed announces that a session ended through the router
func (rt *Router) sessionClosed(id models.SessionID) {
	rt.logger.WithField("session", id).Info("session closed")

	if rt.bus != nil {
		err := rt.bus.Publish(context.Background(), events.Event{Type: events.SessionClosed, SessionID: id})
		if err == nil {
			return
		}
		rt.logger.WithError(err).Warn("failed to publish session close, releasing directly")
	}
	if err := rt.dist.SessionClosed(context.Background(), id); err != nil {
		rt.logger.WithError(err).WithField("session", id).Warn("failed to release session")
	}
}

// tunnel relays a CDP or BiDi websocket to the node hosting the session
func (rt *Router) tunnel(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := models.SessionID(mux.Vars(r)["sessionId"])

		session, err := rt.lookup(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}

		target, err := tunnelTarget(session, kind)
		if err != nil {
			writeError(w, err)
			return
		}
		proxy.Tunnel(w, r, target, rt.logger.WithFields(logrus.Fields{"session": id, "protocol": kind}))
	}
}

// tunnelTarget is the node's websocket endpoint for the session
func tunnelTarget(session *models.Session, kind string) (string, error) {
	key, suffix := models.CapCDP, "/se/cdp"
	if kind == kindBiDi {
		key, suffix = models.CapWebSocketURL, "/se/bidi"
	}

	if endpoint, ok := session.Capabilities[key].(string); ok && endpoint != "" {
		return endpoint, nil
	}

	u, err := url.Parse(session.URI)
	if err != nil || u.Host == "" {
		return "", errors.Wrapf(models.ErrInvalidArgument, "session %s has no %s endpoint", session.ID, kind)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/session/" + string(session.ID) + suffix
	return u.String(), nil
}
