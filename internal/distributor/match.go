package distributor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/events"
	"github.com/shehryarbajwa/grid-mini/internal/queue"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// Run matches queued requests to free slots until ctx is done. It wakes when
// requests are queued, when capacity is freed, and on every MatchInterval.
func (d *Distributor) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.MatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.queue.Wake():
		case <-d.kick:
		case <-ticker.C:
		}
		d.matchPending()
	}
}

// matchPending walks the queue oldest first and claims every request a free
// slot can serve. It is safe to run concurrently with itself.
func (d *Distributor) matchPending() {
	if !d.hasFreeSlot() {
		return
	}

	for _, req := range d.queue.PeekAll() {
		res, ok := d.reserve(req)
		if !ok {
			continue
		}
		if !d.queue.Remove(req.ID) {
			// Expired, cleared or claimed by another pass
			d.freeSlot(res.nodeID, res.slotID)
			continue
		}

		d.wg.Add(1)
		go func(req models.SessionRequest, res reservation) {
			defer d.wg.Done()
			d.createSession(req, res)
		}(req, res)
	}
}

func (d *Distributor) hasFreeSlot() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, rn := range d.nodes {
		if rn.snapshot().HasCapacity() {
			return true
		}
	}
	return false
}

// reserve selects a slot for req and marks it reserved
func (d *Distributor) reserve(req models.SessionRequest) (reservation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ordered := d.ordered()
	candidates := make([]models.NodeStatus, 0, len(ordered))
	for _, rn := range ordered {
		if rn.availability == models.AvailabilityUp {
			candidates = append(candidates, rn.snapshot())
		}
	}

	sel, ok := d.opts.Selector.Select(req.Alternatives, candidates)
	if !ok {
		return reservation{}, false
	}

	rn, ok := d.nodes[sel.NodeID]
	if !ok || rn.availability != models.AvailabilityUp {
		return reservation{}, false
	}
	slot := rn.slot(sel.SlotID)
	if slot == nil || !slot.Free() || rn.status.FreeCapacity() == 0 {
		d.logger.WithFields(logrus.Fields{"node": sel.NodeID, "slot": sel.SlotID}).Warn("selector picked an unavailable slot")
		return reservation{}, false
	}
	slot.Reserved = true

	return reservation{
		node:   rn.node,
		nodeID: sel.NodeID,
		slotID: sel.SlotID,
		caps:   sel.Capabilities,
	}, true
}

// createSession asks the node for a session in the reserved slot and hands
// the outcome to the request's waiter.
func (d *Distributor) createSession(req models.SessionRequest, res reservation) {
	log := d.logger.WithFields(logrus.Fields{
		"request": req.ID,
		"node":    res.nodeID,
		"slot":    res.slotID,
	})

	ctx, cancel := context.WithTimeout(d.ctx, d.opts.SessionCreateTimeout)
	defer cancel()

	session, err := res.node.NewSession(ctx, models.CreateSessionRequest{
		RequestID:    req.ID,
		SlotID:       res.slotID,
		Capabilities: res.caps,
	})
	if err != nil {
		d.freeSlot(res.nodeID, res.slotID)
		if !errors.Is(err, models.ErrSessionCreationFailed) {
			err = errors.Wrapf(models.ErrSessionCreationFailed, "%v", err)
		}
		log.WithError(err).Warn("session creation failed")
		d.queue.Complete(req.ID, queue.Result{Err: err})
		d.poke()
		return
	}

	if !d.occupy(res, session) {
		log.WithField("session", session.ID).Warn("node left while the session was starting")
		d.stopOrphan(ctx, res, session)
		d.queue.Complete(req.ID, queue.Result{Err: errors.Wrapf(models.ErrSessionCreationFailed, "node %s is gone", res.nodeID)})
		return
	}

	if err := d.sessions.Add(ctx, session); err != nil {
		log.WithError(err).WithField("session", session.ID).Error("failed to record session")
		d.freeSlot(res.nodeID, res.slotID)
		d.stopOrphan(ctx, res, session)
		d.queue.Complete(req.ID, queue.Result{Err: errors.Wrapf(models.ErrSessionCreationFailed, "%v", err)})
		d.poke()
		return
	}

	log.WithField("session", session.ID).Info("session created")
	d.publish(events.Event{Type: events.SessionCreated, NodeID: res.nodeID, SessionID: session.ID, RequestID: req.ID})

	if !d.queue.Complete(req.ID, queue.Result{Session: session}) {
		log.WithField("session", session.ID).Info("requester went away, stopping session")
		if err := d.SessionClosed(ctx, session.ID); err != nil {
			log.WithError(err).Warn("failed to forget abandoned session")
		}
		d.stopOrphan(ctx, res, session)
	}
}

// occupy turns a reservation into a running session. It fails when the node
// was removed in the meantime.
func (d *Distributor) occupy(res reservation, session *models.Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rn, ok := d.nodes[res.nodeID]
	if !ok || rn.node != res.node {
		return false
	}
	slot := rn.slot(res.slotID)
	if slot == nil {
		return false
	}
	cp := *session
	slot.Reserved = false
	slot.Session = &cp
	slot.LastStarted = session.StartTime
	rn.occupiedAt[res.slotID] = time.Now()
	return true
}

func (d *Distributor) freeSlot(nid models.NodeID, sid models.SlotID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rn, ok := d.nodes[nid]
	if !ok {
		return
	}
	if slot := rn.slot(sid); slot != nil {
		slot.Reserved = false
		slot.Session = nil
		delete(rn.occupiedAt, sid)
	}
}

func (d *Distributor) stopOrphan(ctx context.Context, res reservation, session *models.Session) {
	if err := res.node.StopSession(ctx, session.ID); err != nil && !errors.Is(err, models.ErrNoSuchSession) {
		d.logger.WithError(err).WithField("session", session.ID).Warn("failed to stop orphaned session")
	}
}
