package models

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// SessionID identifies an established browser session
type SessionID string

// RequestID identifies a queued new session request
type RequestID string

// NewSessionID generates a fresh session identifier
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// NewRequestID generates a fresh request identifier
func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

// Session represents an established browser session owned by a node
type Session struct {
	ID           SessionID    `json:"sessionId"`
	URI          string       `json:"uri"`
	NodeID       NodeID       `json:"nodeId"`
	SlotID       SlotID       `json:"slotId"`
	Capabilities Capabilities `json:"capabilities"`
	Stereotype   Capabilities `json:"stereotype"`
	StartTime    time.Time    `json:"startTime"`
}

// SessionRequest is a pending new session request held by the queue.
// Alternatives are tried in order; the first one that matches a slot wins.
type SessionRequest struct {
	ID           RequestID      `json:"requestId"`
	Alternatives []Capabilities `json:"capabilities"`
	EnqueuedAt   time.Time      `json:"enqueueTime"`
	ExpiresAt    time.Time      `json:"expiryTime"`
}

// Expired reports whether the request is past its deadline at now
func (r SessionRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// CreateSessionRequest is what the distributor sends to a node once a slot
// has been reserved for a request.
type CreateSessionRequest struct {
	RequestID    RequestID    `json:"requestId"`
	SlotID       SlotID       `json:"slotId"`
	Capabilities Capabilities `json:"capabilities"`
}

// NewSessionPayload is the W3C body of POST /session
type NewSessionPayload struct {
	Capabilities *struct {
		AlwaysMatch Capabilities   `json:"alwaysMatch"`
		FirstMatch  []Capabilities `json:"firstMatch"`
	} `json:"capabilities"`
	DesiredCapabilities Capabilities `json:"desiredCapabilities"`
}

// ParseNewSessionPayload decodes a POST /session body into the ordered list of
// acceptable capability sets.
func ParseNewSessionPayload(body []byte) ([]Capabilities, error) {
	var payload NewSessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, "malformed new session payload")
	}
	return payload.Alternatives()
}

// Alternatives merges alwaysMatch into every firstMatch entry
func (p NewSessionPayload) Alternatives() ([]Capabilities, error) {
	if p.Capabilities == nil {
		if p.DesiredCapabilities != nil {
			return []Capabilities{p.DesiredCapabilities.Clone()}, nil
		}
		return nil, errors.Wrap(ErrInvalidArgument, "capabilities are required")
	}

	always := p.Capabilities.AlwaysMatch
	if len(p.Capabilities.FirstMatch) == 0 {
		return []Capabilities{always.Clone()}, nil
	}

	out := make([]Capabilities, 0, len(p.Capabilities.FirstMatch))
	for _, first := range p.Capabilities.FirstMatch {
		merged, err := always.Merge(first)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return out, nil
}

// NewSessionValue is the success body of POST /session
type NewSessionValue struct {
	SessionID    SessionID    `json:"sessionId"`
	Capabilities Capabilities `json:"capabilities"`
}

// NewSessionResponse wraps NewSessionValue in the W3C envelope
type NewSessionResponse struct {
	Value NewSessionValue `json:"value"`
}
