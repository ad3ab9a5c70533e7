// Package sessionmap records which node owns each live session.
package sessionmap

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// SessionMap is the routing table from session id to owning node.
// Entries live until removed; the map never expires them on its own.
type SessionMap interface {
	Add(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id models.SessionID) (*models.Session, error)
	Remove(ctx context.Context, id models.SessionID) error
	List(ctx context.Context) ([]*models.Session, error)
}

// Local is an in-process SessionMap
type Local struct {
	mu       sync.RWMutex
	sessions map[models.SessionID]*models.Session
}

var _ SessionMap = (*Local)(nil)

// NewLocal creates an empty in-process session map
func NewLocal() *Local {
	return &Local{sessions: make(map[models.SessionID]*models.Session)}
}

// Add stores session. An existing entry for the same id is never overwritten.
func (m *Local) Add(_ context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return errors.Wrap(models.ErrInvalidArgument, "session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return errors.Wrapf(models.ErrSessionAlreadyExists, "session %s", session.ID)
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

// Get returns the session for id or ErrNoSuchSession
func (m *Local) Get(_ context.Context, id models.SessionID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNoSuchSession, "session %s", id)
	}
	cp := *session
	return &cp, nil
}

// Remove deletes id; removing an absent id is a no-op
func (m *Local) Remove(_ context.Context, id models.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

// List returns every session ordered by start time
func (m *Local) List(_ context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}
