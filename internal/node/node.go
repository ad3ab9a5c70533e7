// Package node models the hosts that own browser session capacity.
//
// A Local node runs in-process and starts sessions through SessionFactory
// implementations. A Remote node is the hub's HTTP client for a node that
// registered itself from another process.
package node

import (
	"context"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// Node is what the distributor needs from a session host
type Node interface {
	ID() models.NodeID
	URI() string
	Status(ctx context.Context) (*models.NodeStatus, error)
	HealthCheck(ctx context.Context) models.HealthCheck
	NewSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error)
	StopSession(ctx context.Context, id models.SessionID) error
	Drain(ctx context.Context) error
}

// Paths of the node HTTP API
const (
	PathStatus      = "/se/grid/node/status"
	PathSession     = "/se/grid/node/session"
	PathDrain       = "/se/grid/node/drain"
	PathHubRegister = "/se/grid/distributor/node"
)

type valueEnvelope[T any] struct {
	Value T `json:"value"`
}
