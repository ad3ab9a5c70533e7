package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/grid-mini/internal/version"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// SlotConfig declares Count identical slots sharing a stereotype and factory
type SlotConfig struct {
	Stereotype models.Capabilities
	Count      int
	Factory    SessionFactory
}

// LocalOptions configures a Local node
type LocalOptions struct {
	ID  models.NodeID
	URI string
	// MaxSessions caps concurrent sessions across all slots. Zero means one per slot.
	MaxSessions int
	// SessionTimeout stops sessions that received no command for this long. Zero disables it.
	SessionTimeout time.Duration
	// DrainAfter drains the node once this many sessions have started. Zero disables it.
	DrainAfter int
	Slots      []SlotConfig
	Client     *http.Client
}

type localSlot struct {
	id          models.SlotID
	stereotype  models.Capabilities
	factory     SessionFactory
	session     *models.Session
	active      *ActiveSession
	reserved    bool
	lastStarted time.Time
	lastUsed    time.Time
}

func (s *localSlot) free() bool {
	return s.session == nil && !s.reserved
}

// Local is a node that hosts sessions in this process
type Local struct {
	id             models.NodeID
	uri            *url.URL
	maxSessions    int
	sessionTimeout time.Duration
	drainAfter     int
	client         *http.Client
	sem            *semaphore.Weighted
	logger         logrus.FieldLogger

	mu       sync.RWMutex
	slots    []*localSlot
	sessions map[models.SessionID]*localSlot
	draining bool
	started  int
	drained  chan struct{}
}

var _ Node = (*Local)(nil)

// NewLocal builds a node with the configured slots
func NewLocal(opts LocalOptions, logger logrus.FieldLogger) (*Local, error) {
	uri, err := url.Parse(opts.URI)
	if err != nil || uri.Host == "" {
		return nil, errors.Newf("invalid node uri %q", opts.URI)
	}
	if opts.ID == "" {
		opts.ID = models.NewNodeID()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	n := &Local{
		id:             opts.ID,
		uri:            uri,
		sessionTimeout: opts.SessionTimeout,
		drainAfter:     opts.DrainAfter,
		client:         opts.Client,
		logger:         logger.WithFields(logrus.Fields{"component": "node", "node": opts.ID}),
		sessions:       make(map[models.SessionID]*localSlot),
		drained:        make(chan struct{}),
	}

	for _, cfg := range opts.Slots {
		if cfg.Factory == nil {
			return nil, errors.Newf("slot %s has no session factory", cfg.Stereotype)
		}
		for i := 0; i < cfg.Count; i++ {
			n.slots = append(n.slots, &localSlot{
				id:         models.SlotID(fmt.Sprintf("%s-%d", opts.ID, len(n.slots))),
				stereotype: cfg.Stereotype.Clone(),
				factory:    cfg.Factory,
			})
		}
	}
	if len(n.slots) == 0 {
		return nil, errors.New("node needs at least one slot")
	}

	n.maxSessions = opts.MaxSessions
	if n.maxSessions <= 0 || n.maxSessions > len(n.slots) {
		n.maxSessions = len(n.slots)
	}
	n.sem = semaphore.NewWeighted(int64(n.maxSessions))

	return n, nil
}

func (n *Local) ID() models.NodeID { return n.id }

func (n *Local) URI() string { return n.uri.String() }

// Status reports identity, capacity and slot occupancy
func (n *Local) Status(_ context.Context) (*models.NodeStatus, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	status := &models.NodeStatus{
		ID:           n.id,
		URI:          n.uri.String(),
		MaxSessions:  n.maxSessions,
		Availability: models.AvailabilityUp,
		Version:      version.Version,
		OS:           models.OSInfo{Name: runtime.GOOS, Arch: runtime.GOARCH},
	}
	if n.draining {
		status.Availability = models.AvailabilityDraining
	}

	for _, s := range n.slots {
		slot := models.Slot{
			ID:          s.id,
			Stereotype:  s.stereotype.Clone(),
			Reserved:    s.reserved,
			LastStarted: s.lastStarted,
		}
		if s.session != nil {
			cp := *s.session
			slot.Session = &cp
		}
		status.Slots = append(status.Slots, slot)
	}
	return status, nil
}

// HealthCheck reports UP, or DRAINING once a drain was requested
func (n *Local) HealthCheck(_ context.Context) models.HealthCheck {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.draining {
		return models.HealthCheck{Availability: models.AvailabilityDraining, Message: "node is draining"}
	}
	return models.HealthCheck{Availability: models.AvailabilityUp, Message: "node is up"}
}

// NewSession starts a session in the requested slot, or in the first free
// slot whose stereotype matches when no slot is named.
func (n *Local) NewSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if !n.sem.TryAcquire(1) {
		return nil, errors.Wrapf(models.ErrSessionCreationFailed, "node %s is at its limit of %d sessions", n.id, n.maxSessions)
	}

	slot, err := n.reserve(req)
	if err != nil {
		n.sem.Release(1)
		return nil, err
	}

	active, err := slot.factory.NewSession(ctx, req.Capabilities)
	if err != nil {
		n.mu.Lock()
		slot.reserved = false
		n.mu.Unlock()
		n.sem.Release(1)
		if !errors.Is(err, models.ErrSessionCreationFailed) {
			err = errors.Wrapf(models.ErrSessionCreationFailed, "%v", err)
		}
		return nil, err
	}

	now := time.Now()
	session := &models.Session{
		ID:           active.ID,
		URI:          n.uri.String(),
		NodeID:       n.id,
		SlotID:       slot.id,
		Capabilities: n.rewriteCapabilities(active),
		Stereotype:   slot.stereotype.Clone(),
		StartTime:    now,
	}

	n.mu.Lock()
	slot.reserved = false
	slot.session = session
	slot.active = active
	slot.lastStarted = now
	slot.lastUsed = now
	n.sessions[session.ID] = slot
	n.started++
	started := n.started
	exhausted := n.drainAfter > 0 && started >= n.drainAfter && !n.draining
	n.mu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"session": session.ID,
		"slot":    slot.id,
	}).Info("session started")

	if exhausted {
		n.logger.WithField("sessions", started).Info("session allowance used up")
		n.Drain(context.WithoutCancel(ctx))
	}

	cp := *session
	return &cp, nil
}

func (n *Local) reserve(req models.CreateSessionRequest) (*localSlot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.draining {
		return nil, errors.Wrapf(models.ErrSessionCreationFailed, "node %s is draining", n.id)
	}

	for _, s := range n.slots {
		if req.SlotID != "" && s.id != req.SlotID {
			continue
		}
		if !s.free() {
			if req.SlotID != "" {
				return nil, errors.Wrapf(models.ErrSessionCreationFailed, "slot %s is busy", s.id)
			}
			continue
		}
		if !req.Capabilities.Matches(s.stereotype) {
			if req.SlotID != "" {
				return nil, errors.Wrapf(models.ErrSessionCreationFailed, "slot %s does not match %s", s.id, req.Capabilities)
			}
			continue
		}
		s.reserved = true
		return s, nil
	}

	return nil, errors.Wrapf(models.ErrSessionCreationFailed, "no free slot on node %s matches %s", n.id, req.Capabilities)
}

// rewriteCapabilities points websocket endpoints at this node so that clients
// never need to reach the driver directly.
func (n *Local) rewriteCapabilities(active *ActiveSession) models.Capabilities {
	caps := active.Capabilities.Clone()
	base := *n.uri
	if base.Scheme == "https" {
		base.Scheme = "wss"
	} else {
		base.Scheme = "ws"
	}
	if active.CDPURL != "" {
		caps[models.CapCDP] = joinURL(&base, "/session/"+string(active.ID)+"/se/cdp")
	}
	if active.BiDiURL != "" {
		caps[models.CapWebSocketURL] = joinURL(&base, "/session/"+string(active.ID)+"/se/bidi")
	}
	return caps
}

// StopSession quits the driver session and frees its slot
func (n *Local) StopSession(ctx context.Context, id models.SessionID) error {
	active, err := n.release(id)
	if err != nil {
		return err
	}
	if err := active.Quit(ctx); err != nil {
		n.logger.WithError(err).WithField("session", id).Warn("failed to quit session cleanly")
		return err
	}
	return nil
}

// StopAll stops every running session, returning how many were stopped
func (n *Local) StopAll(ctx context.Context) int {
	n.mu.RLock()
	ids := make([]models.SessionID, 0, len(n.sessions))
	for id := range n.sessions {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	stopped := 0
	for _, id := range ids {
		// quit failures are logged by StopSession
		if err := n.StopSession(ctx, id); err == nil {
			stopped++
		}
	}
	return stopped
}

// release frees the slot holding id and returns its driver session
func (n *Local) release(id models.SessionID) (*ActiveSession, error) {
	n.mu.Lock()
	slot, ok := n.sessions[id]
	if !ok {
		n.mu.Unlock()
		return nil, errors.Wrapf(models.ErrNoSuchSession, "session %s", id)
	}
	delete(n.sessions, id)
	active := slot.active
	slot.session = nil
	slot.active = nil
	drained := n.draining && len(n.sessions) == 0
	n.mu.Unlock()

	n.sem.Release(1)
	n.logger.WithField("session", id).Info("session stopped")

	if drained {
		n.markDrained()
	}
	return active, nil
}

// Drain refuses new sessions; Drained fires once the last session ends
func (n *Local) Drain(_ context.Context) error {
	n.mu.Lock()
	n.draining = true
	empty := len(n.sessions) == 0
	n.mu.Unlock()

	n.logger.Info("node draining")
	if empty {
		n.markDrained()
	}
	return nil
}

// Drained is closed once the node is draining and has no sessions left
func (n *Local) Drained() <-chan struct{} {
	return n.drained
}

func (n *Local) markDrained() {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case <-n.drained:
	default:
		close(n.drained)
	}
}

// TunnelTarget returns the driver websocket endpoint for a session.
// kind is "cdp" or "bidi".
func (n *Local) TunnelTarget(id models.SessionID, kind string) (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	slot, ok := n.sessions[id]
	if !ok {
		return "", errors.Wrapf(models.ErrNoSuchSession, "session %s", id)
	}
	target := slot.active.CDPURL
	if kind == "bidi" {
		target = slot.active.BiDiURL
	}
	if target == "" {
		return "", errors.Wrapf(models.ErrInvalidArgument, "session %s has no %s endpoint", id, kind)
	}
	return target, nil
}

// ExecuteCommand forwards a session-scoped WebDriver command to the driver.
// A successful DELETE /session/{id} also frees the slot.
func (n *Local) ExecuteCommand(ctx context.Context, id models.SessionID, r *http.Request) (*http.Response, error) {
	n.mu.Lock()
	slot, ok := n.sessions[id]
	if !ok {
		n.mu.Unlock()
		return nil, errors.Wrapf(models.ErrNoSuchSession, "session %s", id)
	}
	slot.lastUsed = time.Now()
	driverURL := slot.active.DriverURL
	n.mu.Unlock()

	target := joinURL(driverURL, r.URL.Path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	out.ContentLength = r.ContentLength
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := n.client.Do(out)
	if err != nil {
		return nil, errors.Wrapf(models.ErrNodeGone, "driver for session %s unreachable: %v", id, err)
	}

	if r.Method == http.MethodDelete && isSessionRoot(r.URL.Path, id) && resp.StatusCode < 300 {
		if active, err := n.release(id); err == nil {
			if err := active.Cleanup(ctx); err != nil {
				n.logger.WithError(err).WithField("session", id).Warn("failed to clean up session")
			}
		}
	}
	return resp, nil
}

var hopHeaders = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade"}

func isSessionRoot(path string, id models.SessionID) bool {
	return strings.TrimSuffix(path, "/") == "/session/"+string(id)
}

// Run stops sessions idle for longer than the session timeout until ctx is done
func (n *Local) Run(ctx context.Context) error {
	if n.sessionTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := n.sessionTimeout / 2
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, id := range n.idleSessions(now) {
				n.logger.WithField("session", id).Info("stopping idle session")
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := n.StopSession(stopCtx, id); err != nil && !errors.Is(err, models.ErrNoSuchSession) {
					n.logger.WithError(err).WithField("session", id).Warn("failed to stop idle session")
				}
				cancel()
			}
		}
	}
}

func (n *Local) idleSessions(now time.Time) []models.SessionID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var idle []models.SessionID
	for id, slot := range n.sessions {
		if now.Sub(slot.lastUsed) > n.sessionTimeout {
			idle = append(idle, id)
		}
	}
	return idle
}

// copyResponse writes a driver response back to the client unchanged
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
