package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shehryarbajwa/grid-mini/internal/auth"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// Remote talks to a node over its HTTP API
type Remote struct {
	id     models.NodeID
	uri    *url.URL
	secret string
	client *http.Client
}

var _ Node = (*Remote)(nil)

// NewRemote creates a client for the node described by status
func NewRemote(status models.NodeStatus, secret string, client *http.Client) (*Remote, error) {
	uri, err := url.Parse(status.URI)
	if err != nil || uri.Host == "" {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "invalid node uri %q", status.URI)
	}
	if status.ID == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "node id is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Minute}
	}
	return &Remote{id: status.ID, uri: uri, secret: secret, client: client}, nil
}

func (n *Remote) ID() models.NodeID { return n.id }

func (n *Remote) URI() string { return n.uri.String() }

func (n *Remote) Status(ctx context.Context) (*models.NodeStatus, error) {
	var out valueEnvelope[models.NodeStatus]
	if err := n.do(ctx, http.MethodGet, PathStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out.Value, nil
}

// HealthCheck maps transport failures onto DOWN
func (n *Remote) HealthCheck(ctx context.Context) models.HealthCheck {
	status, err := n.Status(ctx)
	if err != nil {
		return models.HealthCheck{Availability: models.AvailabilityDown, Message: err.Error()}
	}
	if status.ID != n.id {
		return models.HealthCheck{Availability: models.AvailabilityDown, Message: "node at " + n.uri.String() + " reports a different id"}
	}
	return models.HealthCheck{Availability: status.Availability, Message: "node reachable"}
}

func (n *Remote) NewSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	var out valueEnvelope[models.Session]
	if err := n.do(ctx, http.MethodPost, PathSession, req, &out); err != nil {
		if !errors.Is(err, models.ErrSessionCreationFailed) {
			err = errors.Wrapf(models.ErrSessionCreationFailed, "%v", err)
		}
		return nil, err
	}
	return &out.Value, nil
}

func (n *Remote) StopSession(ctx context.Context, id models.SessionID) error {
	return n.do(ctx, http.MethodDelete, PathSession+"/"+string(id), nil, nil)
}

func (n *Remote) Drain(ctx context.Context) error {
	return n.do(ctx, http.MethodPost, PathDrain, nil, nil)
}

func (n *Remote) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, joinURL(n.uri, path), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if n.secret != "" {
		req.Header.Set(auth.Header, n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrapf(models.ErrNodeGone, "node %s unreachable: %v", n.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response from node %s", n.id)
	}

	if resp.StatusCode >= 300 {
		var failure models.ErrorResponse
		if json.Unmarshal(data, &failure) == nil && failure.Value.Error != "" {
			return models.ErrorFromPayload(resp.StatusCode, failure.Value)
		}
		return errors.Newf("node %s returned %d", n.id, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode response from node %s", n.id)
	}
	return nil
}
