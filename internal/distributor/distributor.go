// Package distributor owns the node registry and matches queued new session
// requests to free slots.
//
// Registry state is guarded by a single RWMutex. Slot reservation happens
// under the write lock, then the queue's Remove decides whether the
// reservation stands. Session creation runs outside the lock, one goroutine
// per claimed request. Events are published only after the lock is released.
package distributor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/events"
	"github.com/shehryarbajwa/grid-mini/internal/node"
	"github.com/shehryarbajwa/grid-mini/internal/queue"
	"github.com/shehryarbajwa/grid-mini/internal/sessionmap"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// Options configures a Distributor
type Options struct {
	// HealthCheckInterval is how often each node is probed
	HealthCheckInterval time.Duration
	// HealthCheckRetry is the pause before a failed probe is retried once
	HealthCheckRetry time.Duration
	// UnhealthyThreshold is the number of consecutive failed checks that mark a node DOWN
	UnhealthyThreshold int
	// NodeDownPurge removes nodes that stayed DOWN this long. Zero keeps them.
	NodeDownPurge time.Duration
	// MatchInterval is the safety-net tick of the matching loop
	MatchInterval time.Duration
	// SessionCreateTimeout bounds a single node.NewSession call
	SessionCreateTimeout time.Duration
	// Selector picks slots; DefaultSlotSelector when nil
	Selector SlotSelector
}

// DefaultOptions returns the stock distributor settings
func DefaultOptions() Options {
	return Options{
		HealthCheckInterval:  10 * time.Second,
		HealthCheckRetry:     250 * time.Millisecond,
		UnhealthyThreshold:   2,
		NodeDownPurge:        0,
		MatchInterval:        time.Second,
		SessionCreateTimeout: 3 * time.Minute,
	}
}

const lostSessionMemory = 1024

// registered is the distributor's view of one node
type registered struct {
	node  node.Node
	order int

	availability models.Availability
	status       models.NodeStatus
	occupiedAt   map[models.SlotID]time.Time
	failures     int
	downSince    time.Time
	// drainRequested survives a DOWN period so recovery returns to DRAINING
	drainRequested bool

	cancel context.CancelFunc
}

func (r *registered) slot(id models.SlotID) *models.Slot {
	for i := range r.status.Slots {
		if r.status.Slots[i].ID == id {
			return &r.status.Slots[i]
		}
	}
	return nil
}

// freeSlots empties every occupied slot and returns the sessions it held
func (r *registered) freeSlots() []models.SessionID {
	var out []models.SessionID
	for i := range r.status.Slots {
		s := &r.status.Slots[i]
		if s.Session == nil {
			continue
		}
		out = append(out, s.Session.ID)
		s.Session = nil
		delete(r.occupiedAt, s.ID)
	}
	return out
}

// snapshot returns the node's status with the registry's availability
func (r *registered) snapshot() models.NodeStatus {
	s := r.status
	s.Availability = r.availability
	s.Slots = make([]models.Slot, len(r.status.Slots))
	copy(s.Slots, r.status.Slots)
	return s
}

// reservation is a slot held for a claimed request
type reservation struct {
	node   node.Node
	nodeID models.NodeID
	slotID models.SlotID
	caps   models.Capabilities
}

// Distributor schedules queued requests onto registered nodes
type Distributor struct {
	opts     Options
	queue    *queue.Queue
	sessions sessionmap.SessionMap
	bus      events.Bus
	logger   logrus.FieldLogger

	mu    sync.RWMutex
	nodes map[models.NodeID]*registered
	seq   int

	lostMu    sync.Mutex
	lost      map[models.SessionID]models.NodeID
	lostOrder []models.SessionID

	kick        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// New creates a distributor. bus may be nil; when set, session.closed events
// free the slot of the closed session.
func New(opts Options, q *queue.Queue, sessions sessionmap.SessionMap, bus events.Bus, logger logrus.FieldLogger) *Distributor {
	def := DefaultOptions()
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = def.HealthCheckInterval
	}
	if opts.HealthCheckRetry <= 0 {
		opts.HealthCheckRetry = def.HealthCheckRetry
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if opts.MatchInterval <= 0 {
		opts.MatchInterval = def.MatchInterval
	}
	if opts.SessionCreateTimeout <= 0 {
		opts.SessionCreateTimeout = def.SessionCreateTimeout
	}
	if opts.Selector == nil {
		opts.Selector = DefaultSlotSelector{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Distributor{
		opts:     opts,
		queue:    q,
		sessions: sessions,
		bus:      bus,
		logger:   logger.WithField("component", "distributor"),
		nodes:    make(map[models.NodeID]*registered),
		lost:     make(map[models.SessionID]models.NodeID),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	if bus != nil {
		d.unsubscribe = bus.Subscribe(events.SessionClosed, func(ctx context.Context, e events.Event) {
			if err := d.SessionClosed(ctx, e.SessionID); err != nil {
				d.logger.WithError(err).WithField("session", e.SessionID).Warn("failed to release closed session")
			}
		})
	}
	return d
}

// Add registers a node and starts health-checking it
func (d *Distributor) Add(ctx context.Context, n node.Node) error {
	status, err := n.Status(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch status of node %s", n.ID())
	}
	if status.ID != n.ID() {
		return errors.Wrapf(models.ErrInvalidArgument, "node %s reports id %s", n.ID(), status.ID)
	}

	availability := status.Availability
	if availability != models.AvailabilityDraining {
		availability = models.AvailabilityUp
	}

	d.mu.Lock()
	if _, ok := d.nodes[n.ID()]; ok {
		d.mu.Unlock()
		return errors.Wrapf(models.ErrDuplicateNode, "node %s", n.ID())
	}

	hctx, cancel := context.WithCancel(d.ctx)
	rn := &registered{
		node:         n,
		order:        d.seq,
		availability: availability,
		status:       *status,
		occupiedAt:   make(map[models.SlotID]time.Time),
		cancel:       cancel,
	}
	d.seq++

	var running []*models.Session
	for i := range rn.status.Slots {
		s := &rn.status.Slots[i]
		s.Reserved = false
		if s.Session != nil {
			running = append(running, s.Session)
		}
	}
	d.nodes[n.ID()] = rn
	d.mu.Unlock()

	// Sessions that outlived a hub restart become routable again
	for _, session := range running {
		if err := d.sessions.Add(ctx, session); err != nil && !errors.Is(err, models.ErrSessionAlreadyExists) {
			d.logger.WithError(err).WithField("session", session.ID).Warn("failed to adopt running session")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watch(hctx, n.ID())
	}()

	d.logger.WithFields(logrus.Fields{
		"node":  n.ID(),
		"uri":   n.URI(),
		"slots": len(status.Slots),
	}).Info("node added")
	d.publish(events.Event{Type: events.NodeAdded, NodeID: n.ID(), Availability: availability})
	d.poke()
	return nil
}

// Remove deregisters a node. Its sessions are dropped from the session map
// and remembered as lost so that later commands report the node as gone.
func (d *Distributor) Remove(ctx context.Context, id models.NodeID) error {
	d.mu.Lock()
	rn, ok := d.nodes[id]
	if !ok {
		d.mu.Unlock()
		return errors.Wrapf(models.ErrNoSuchNode, "node %s", id)
	}
	delete(d.nodes, id)
	rn.cancel()

	var orphaned []models.SessionID
	for _, s := range rn.status.Slots {
		if s.Session != nil {
			orphaned = append(orphaned, s.Session.ID)
		}
	}
	d.mu.Unlock()

	for _, sid := range orphaned {
		d.rememberLost(sid, id)
		if err := d.sessions.Remove(ctx, sid); err != nil {
			d.logger.WithError(err).WithField("session", sid).Warn("failed to purge session of removed node")
		}
	}

	d.logger.WithFields(logrus.Fields{"node": id, "sessions": len(orphaned)}).Info("node removed")
	d.publish(events.Event{Type: events.NodeRemoved, NodeID: id})
	return nil
}

// Drain stops new sessions on a node; it is removed once its last session ends
func (d *Distributor) Drain(ctx context.Context, id models.NodeID) error {
	d.mu.Lock()
	rn, ok := d.nodes[id]
	if !ok {
		d.mu.Unlock()
		return errors.Wrapf(models.ErrNoSuchNode, "node %s", id)
	}
	rn.availability = models.AvailabilityDraining
	rn.drainRequested = true
	n := rn.node
	d.mu.Unlock()

	d.logger.WithField("node", id).Info("draining node")
	d.publish(events.Event{Type: events.NodeDraining, NodeID: id, Availability: models.AvailabilityDraining})

	if err := n.Drain(ctx); err != nil {
		d.logger.WithError(err).WithField("node", id).Warn("node did not acknowledge drain")
	}
	d.removeIfDrained(ctx, id)
	return nil
}

// SessionClosed frees the slot of a session that ended and forgets it
func (d *Distributor) SessionClosed(ctx context.Context, id models.SessionID) error {
	d.mu.Lock()
	var owner models.NodeID
	for nid, rn := range d.nodes {
		for i := range rn.status.Slots {
			s := &rn.status.Slots[i]
			if s.Session != nil && s.Session.ID == id {
				s.Session = nil
				delete(rn.occupiedAt, s.ID)
				owner = nid
			}
		}
	}
	d.mu.Unlock()

	if err := d.sessions.Remove(ctx, id); err != nil {
		return err
	}
	if owner != "" {
		d.logger.WithFields(logrus.Fields{"session": id, "node": owner}).Debug("slot freed")
		d.removeIfDrained(ctx, owner)
		d.poke()
	}
	return nil
}

// Status reports the registry and whether any node can take a session
func (d *Distributor) Status() models.GridStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := models.GridStatus{Nodes: make([]models.NodeStatus, 0, len(d.nodes))}
	for _, rn := range d.ordered() {
		s := rn.snapshot()
		if s.HasCapacity() {
			out.Ready = true
		}
		out.Nodes = append(out.Nodes, s)
	}
	return out
}

// Node returns the registered node with id
func (d *Distributor) Node(id models.NodeID) (node.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rn, ok := d.nodes[id]
	if !ok {
		return nil, false
	}
	return rn.node, true
}

// LostSession reports whether id belonged to a node that was removed
func (d *Distributor) LostSession(id models.SessionID) (models.NodeID, bool) {
	d.lostMu.Lock()
	defer d.lostMu.Unlock()

	nid, ok := d.lost[id]
	return nid, ok
}

// Close stops health checks and waits for in-flight session creations
func (d *Distributor) Close() error {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.cancel()
	d.wg.Wait()
	return nil
}

// ordered lists registered nodes by registration order. Callers hold d.mu.
func (d *Distributor) ordered() []*registered {
	out := make([]*registered, 0, len(d.nodes))
	for _, rn := range d.nodes {
		out = append(out, rn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (d *Distributor) removeIfDrained(ctx context.Context, id models.NodeID) {
	d.mu.RLock()
	rn, ok := d.nodes[id]
	drained := ok && rn.availability == models.AvailabilityDraining && rn.status.UsedSessions() == 0
	d.mu.RUnlock()

	if !drained {
		return
	}
	if err := d.Remove(ctx, id); err != nil && !errors.Is(err, models.ErrNoSuchNode) {
		d.logger.WithError(err).WithField("node", id).Warn("failed to remove drained node")
	}
}

func (d *Distributor) rememberLost(sid models.SessionID, nid models.NodeID) {
	d.lostMu.Lock()
	defer d.lostMu.Unlock()

	if _, ok := d.lost[sid]; ok {
		return
	}
	d.lost[sid] = nid
	d.lostOrder = append(d.lostOrder, sid)
	if len(d.lostOrder) > lostSessionMemory {
		delete(d.lost, d.lostOrder[0])
		d.lostOrder = d.lostOrder[1:]
	}
}

// poke wakes the matching loop after capacity changed
func (d *Distributor) poke() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Distributor) publish(e events.Event) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(context.Background(), e); err != nil {
		d.logger.WithError(err).WithField("event", e.Type).Debug("failed to publish distributor event")
	}
}
