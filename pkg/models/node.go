package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeID identifies a registered node
type NodeID string

// SlotID identifies a slot within a node
type SlotID string

// NewNodeID generates a fresh node identifier
func NewNodeID() NodeID {
	return NodeID(uuid.New().String())
}

// Availability is the health-driven state of a node
type Availability string

const (
	AvailabilityUp       Availability = "UP"
	AvailabilityDown     Availability = "DOWN"
	AvailabilityDraining Availability = "DRAINING"
)

// Slot is one unit of session capacity bound to a stereotype
type Slot struct {
	ID          SlotID       `json:"id"`
	Stereotype  Capabilities `json:"stereotype"`
	Session     *Session     `json:"session,omitempty"`
	Reserved    bool         `json:"reserved,omitempty"`
	LastStarted time.Time    `json:"lastStarted"`
}

// Free reports whether the slot can take a new session
func (s Slot) Free() bool {
	return s.Session == nil && !s.Reserved
}

// NodeStatus is a node's self-description: identity, capacity and slot occupancy
type NodeStatus struct {
	ID           NodeID       `json:"nodeId"`
	URI          string       `json:"externalUri"`
	MaxSessions  int          `json:"maxSessions"`
	Slots        []Slot       `json:"slots"`
	Availability Availability `json:"availability"`
	Version      string       `json:"version,omitempty"`
	OS           OSInfo       `json:"osInfo"`
}

// OSInfo describes the host a component runs on
type OSInfo struct {
	Name    string `json:"name"`
	Arch    string `json:"arch"`
	Version string `json:"version,omitempty"`
}

// UsedSessions counts slots that are occupied or reserved
func (n NodeStatus) UsedSessions() int {
	used := 0
	for _, s := range n.Slots {
		if !s.Free() {
			used++
		}
	}
	return used
}

// Capacity is the number of sessions the node may run concurrently
func (n NodeStatus) Capacity() int {
	if n.MaxSessions <= 0 || n.MaxSessions > len(n.Slots) {
		return len(n.Slots)
	}
	return n.MaxSessions
}

// FreeCapacity is how many more sessions the node may start right now
func (n NodeStatus) FreeCapacity() int {
	free := n.Capacity() - n.UsedSessions()
	if free < 0 {
		return 0
	}
	return free
}

// HasCapacity reports whether the node is UP and can start another session
func (n NodeStatus) HasCapacity() bool {
	return n.Availability == AvailabilityUp && n.FreeCapacity() > 0
}

// Session returns the session with the given id, if the node hosts it
func (n NodeStatus) Session(id SessionID) (*Session, bool) {
	for _, s := range n.Slots {
		if s.Session != nil && s.Session.ID == id {
			return s.Session, true
		}
	}
	return nil, false
}

// HealthCheck is the result of probing a node
type HealthCheck struct {
	Availability Availability `json:"availability"`
	Message      string       `json:"message"`
}

// GridStatus is the aggregate view exposed on /status
type GridStatus struct {
	Ready bool         `json:"ready"`
	Nodes []NodeStatus `json:"nodes"`
}
