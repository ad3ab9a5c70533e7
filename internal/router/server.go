// Package router is the grid's front door. New session requests go through
// the queue and wait for the distributor; everything else addressed to an
// existing session is forwarded to the node that owns it.
package router

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/auth"
	"github.com/shehryarbajwa/grid-mini/internal/distributor"
	"github.com/shehryarbajwa/grid-mini/internal/events"
	"github.com/shehryarbajwa/grid-mini/internal/queue"
	"github.com/shehryarbajwa/grid-mini/internal/ratelimit"
	"github.com/shehryarbajwa/grid-mini/internal/sessionmap"
)

// Options configures a Router
type Options struct {
	// Secret guards registration and lifecycle endpoints
	Secret string
	// PublicURL is the address clients use to reach the grid. When empty it
	// is derived from each request.
	PublicURL string
	// NodeClient is used to talk to registered remote nodes
	NodeClient *http.Client
	// Transport carries forwarded session commands
	Transport http.RoundTripper
	// Shutdown is invoked by POST /se/grid/shutdown
	Shutdown func()
}

// Router holds the hub's HTTP handlers
type Router struct {
	opts     Options
	queue    *queue.Queue
	dist     *distributor.Distributor
	sessions sessionmap.SessionMap
	bus      events.Bus
	limiter  *ratelimit.Limiter
	logger   logrus.FieldLogger
}

// New creates the hub router. bus and limiter may be nil.
func New(opts Options, q *queue.Queue, d *distributor.Distributor, sessions sessionmap.SessionMap, bus events.Bus, limiter *ratelimit.Limiter, logger logrus.FieldLogger) *Router {
	if opts.NodeClient == nil {
		opts.NodeClient = &http.Client{Timeout: 3 * time.Minute}
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	return &Router{
		opts:     opts,
		queue:    q,
		dist:     d,
		sessions: sessions,
		bus:      bus,
		limiter:  limiter,
		logger:   logger.WithField("component", "router"),
	}
}

// SetupRoutes configures all HTTP routes
func (rt *Router) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(rt.logRequests)

	r.HandleFunc("/status", rt.GetStatus).Methods("GET")

	// New session requests (rate limited per client)
	r.Handle("/session", RateLimitMiddleware(rt.limiter)(http.HandlerFunc(rt.CreateSession))).Methods("POST")

	// Queue inspection is public; clearing needs the secret
	for _, prefix := range []string{"/se/grid/newsessionqueue", "/se/grid/newsessionqueuer"} {
		r.HandleFunc(prefix+"/queue", rt.ListQueue).Methods("GET")
		r.Handle(prefix+"/queue", auth.RequireSecret(rt.opts.Secret)(http.HandlerFunc(rt.ClearQueue))).Methods("DELETE")
	}

	// Registration and lifecycle endpoints
	admin := r.PathPrefix("/se/grid").Subrouter()
	admin.Use(auth.RequireSecret(rt.opts.Secret))
	admin.HandleFunc("/distributor/node", rt.RegisterNode).Methods("POST")
	admin.HandleFunc("/distributor/node/{nodeId}", rt.RemoveNode).Methods("DELETE")
	admin.HandleFunc("/distributor/node/{nodeId}/drain", rt.DrainNode).Methods("POST")
	admin.HandleFunc("/shutdown", rt.ShutdownGrid).Methods("POST")

	// CDP and BiDi tunnels
	for _, suffix := range []string{"/se/cdp", "/cdp"} {
		r.HandleFunc("/session/{sessionId}"+suffix, rt.tunnel(kindCDP)).Methods("GET")
	}
	for _, suffix := range []string{"/se/bidi", "/bidi"} {
		r.HandleFunc("/session/{sessionId}"+suffix, rt.tunnel(kindBiDi)).Methods("GET")
	}

	// Everything else addressed to a session goes to its node
	r.HandleFunc("/session/{sessionId}", rt.Forward)
	r.PathPrefix("/session/{sessionId}/").HandlerFunc(rt.Forward)

	return r
}
