package distributor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/events"
	"github.com/shehryarbajwa/grid-mini/internal/node"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// watch health-checks one node until ctx is cancelled by Remove or Close
func (d *Distributor) watch(ctx context.Context, id models.NodeID) {
	ticker := time.NewTicker(d.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkNode(ctx, id)
		}
	}
}

// checkNode runs one health check, applies the outcome, and reconciles slot
// occupancy with what the node reports.
func (d *Distributor) checkNode(ctx context.Context, id models.NodeID) {
	n, ok := d.Node(id)
	if !ok {
		return
	}

	started := time.Now()
	check := d.probe(ctx, n)
	if ctx.Err() != nil {
		return
	}
	if d.applyHealth(ctx, n, check) && check.Availability != models.AvailabilityDown {
		status, err := n.Status(ctx)
		if err != nil {
			d.logger.WithError(err).WithField("node", id).Debug("failed to fetch node status")
			return
		}
		d.reconcile(ctx, n, status, started)
	}
}

// probe asks the node for its health, retrying a DOWN answer once
func (d *Distributor) probe(ctx context.Context, n node.Node) models.HealthCheck {
	var check models.HealthCheck
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.opts.HealthCheckRetry), 1), ctx)

	backoff.Retry(func() error {
		check = n.HealthCheck(ctx)
		if check.Availability == models.AvailabilityDown {
			return errors.New(check.Message)
		}
		return nil
	}, b)
	return check
}

// applyHealth folds a check result into the node's state. It reports false
// when the node is no longer registered.
func (d *Distributor) applyHealth(ctx context.Context, n node.Node, check models.HealthCheck) bool {
	id := n.ID()
	now := time.Now()

	d.mu.Lock()
	rn, ok := d.nodes[id]
	if !ok || rn.node != n {
		d.mu.Unlock()
		return false
	}

	before := rn.availability
	purge := false
	var orphaned []models.SessionID

	switch check.Availability {
	case models.AvailabilityDown:
		rn.failures++
		if rn.failures >= d.opts.UnhealthyThreshold && rn.availability != models.AvailabilityDown {
			rn.availability = models.AvailabilityDown
			rn.downSince = now
			orphaned = rn.freeSlots()
		}
		if rn.availability == models.AvailabilityDown && d.opts.NodeDownPurge > 0 && now.Sub(rn.downSince) >= d.opts.NodeDownPurge {
			purge = true
		}
	case models.AvailabilityDraining:
		rn.failures = 0
		rn.availability = models.AvailabilityDraining
	default:
		rn.failures = 0
		if rn.availability == models.AvailabilityDown {
			rn.availability = models.AvailabilityUp
			if rn.drainRequested {
				rn.availability = models.AvailabilityDraining
			}
		}
	}
	after := rn.availability
	failures := rn.failures
	downFor := now.Sub(rn.downSince)
	d.mu.Unlock()

	log := d.logger.WithFields(logrus.Fields{"node": id, "message": check.Message})
	// The node stays registered so it can recover, but its sessions are gone
	for _, sid := range orphaned {
		d.rememberLost(sid, id)
		if err := d.sessions.Remove(ctx, sid); err != nil {
			log.WithError(err).WithField("session", sid).Warn("failed to purge session of unhealthy node")
		}
	}
	if len(orphaned) > 0 {
		log.WithField("sessions", len(orphaned)).Warn("dropped sessions of unhealthy node")
	}
	if check.Availability == models.AvailabilityDown && after != models.AvailabilityDown {
		log.WithField("failures", failures).Warn("node health check failed")
	}
	if before != after {
		log.WithFields(logrus.Fields{"from": before, "to": after}).Info("node availability changed")
		d.publish(events.Event{Type: events.NodeStatusChanged, NodeID: id, Availability: after, Message: check.Message})
		if after == models.AvailabilityUp {
			d.poke()
		}
	}

	if purge {
		log.WithField("down_for", downFor.String()).Warn("purging node that stayed down")
		// Remove cancels ctx, which belongs to this node's health loop
		if err := d.Remove(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, models.ErrNoSuchNode) {
			log.WithError(err).Warn("failed to purge node")
		}
		return false
	}
	if after == models.AvailabilityDraining {
		d.removeIfDrained(context.WithoutCancel(ctx), id)
	}
	return true
}

// reconcile frees slots whose sessions the node no longer reports. Slots
// occupied after the status request started are left alone.
func (d *Distributor) reconcile(ctx context.Context, n node.Node, status *models.NodeStatus, fetchedAt time.Time) {
	var ended []models.SessionID

	d.mu.Lock()
	rn, ok := d.nodes[n.ID()]
	if !ok || rn.node != n {
		d.mu.Unlock()
		return
	}
	for i := range rn.status.Slots {
		s := &rn.status.Slots[i]
		if s.Session == nil {
			continue
		}
		if rn.occupiedAt[s.ID].After(fetchedAt) {
			continue
		}
		if _, alive := status.Session(s.Session.ID); !alive {
			ended = append(ended, s.Session.ID)
			s.Session = nil
			delete(rn.occupiedAt, s.ID)
		}
	}
	d.mu.Unlock()

	if len(ended) == 0 {
		return
	}
	for _, sid := range ended {
		d.logger.WithFields(logrus.Fields{"node": n.ID(), "session": sid}).Info("session ended on node")
		if err := d.sessions.Remove(ctx, sid); err != nil {
			d.logger.WithError(err).WithField("session", sid).Warn("failed to forget ended session")
		}
	}
	d.removeIfDrained(context.WithoutCancel(ctx), n.ID())
	d.poke()
}
