package distributor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/node"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var cheese = models.Capabilities{"browserName": "cheese"}

// fakeNode is an in-memory node.Node with controllable health and latency
type fakeNode struct {
	id  models.NodeID
	uri string

	mu           sync.Mutex
	slots        []models.Slot
	maxSessions  int
	health       models.Availability
	fail         error
	gate         chan struct{}
	created      int
	doubleBooked int
	stopped      []models.SessionID
	drained      bool
}

var _ node.Node = (*fakeNode)(nil)

func newFakeNode(id string, slots int, stereotype models.Capabilities) *fakeNode {
	n := &fakeNode{
		id:     models.NodeID(id),
		uri:    "http://" + id + ":5555",
		health: models.AvailabilityUp,
	}
	for i := 0; i < slots; i++ {
		n.slots = append(n.slots, models.Slot{
			ID:         models.SlotID(fmt.Sprintf("%s-%d", id, i)),
			Stereotype: stereotype.Clone(),
		})
	}
	return n
}

func (n *fakeNode) ID() models.NodeID { return n.id }

func (n *fakeNode) URI() string { return n.uri }

func (n *fakeNode) Status(_ context.Context) (*models.NodeStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.health == models.AvailabilityDown {
		return nil, errors.Wrapf(models.ErrNodeGone, "node %s", n.id)
	}
	slots := make([]models.Slot, len(n.slots))
	copy(slots, n.slots)
	return &models.NodeStatus{
		ID:           n.id,
		URI:          n.uri,
		MaxSessions:  n.maxSessions,
		Slots:        slots,
		Availability: n.health,
	}, nil
}

func (n *fakeNode) HealthCheck(_ context.Context) models.HealthCheck {
	n.mu.Lock()
	defer n.mu.Unlock()
	return models.HealthCheck{Availability: n.health, Message: "fake node is " + string(n.health)}
}

func (n *fakeNode) NewSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	n.mu.Lock()
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.fail != nil {
		return nil, n.fail
	}
	for i := range n.slots {
		s := &n.slots[i]
		if s.ID != req.SlotID {
			continue
		}
		if s.Session != nil {
			n.doubleBooked++
			return nil, errors.Wrapf(models.ErrSessionCreationFailed, "slot %s already busy", s.ID)
		}
		n.created++
		s.Session = &models.Session{
			ID:           models.SessionID(fmt.Sprintf("%s-session-%d", n.id, n.created)),
			URI:          n.uri,
			NodeID:       n.id,
			SlotID:       s.ID,
			Capabilities: req.Capabilities.Clone(),
			Stereotype:   s.Stereotype.Clone(),
			StartTime:    time.Now(),
		}
		cp := *s.Session
		return &cp, nil
	}
	return nil, errors.Wrapf(models.ErrSessionCreationFailed, "no slot %s", req.SlotID)
}

func (n *fakeNode) StopSession(_ context.Context, id models.SessionID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.slots {
		if n.slots[i].Session != nil && n.slots[i].Session.ID == id {
			n.slots[i].Session = nil
			n.stopped = append(n.stopped, id)
			return nil
		}
	}
	return errors.Wrapf(models.ErrNoSuchSession, "session %s", id)
}

func (n *fakeNode) Drain(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drained = true
	n.health = models.AvailabilityDraining
	return nil
}

func (n *fakeNode) setHealth(a models.Availability) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health = a
}

func (n *fakeNode) setFail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = err
}

// hold makes NewSession block until the returned function is called
func (n *fakeNode) hold() (release func()) {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// endSession drops a session as if the browser died on the node
func (n *fakeNode) endSession(id models.SessionID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.slots {
		if n.slots[i].Session != nil && n.slots[i].Session.ID == id {
			n.slots[i].Session = nil
		}
	}
}

func (n *fakeNode) stoppedSessions() []models.SessionID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.SessionID(nil), n.stopped...)
}

func (n *fakeNode) counters() (created, doubleBooked int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created, n.doubleBooked
}
