package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// SessionFactory starts a browser session for a slot
type SessionFactory interface {
	NewSession(ctx context.Context, caps models.Capabilities) (*ActiveSession, error)
}

// ActiveSession is a running driver session as seen by the node
type ActiveSession struct {
	ID           models.SessionID
	Capabilities models.Capabilities
	// DriverURL is the base URL commands are forwarded to
	DriverURL *url.URL
	// CDPURL and BiDiURL are the driver's websocket endpoints, when it has them
	CDPURL  string
	BiDiURL string

	quit    func(ctx context.Context) error
	cleanup func(ctx context.Context) error
}

// Quit ends the session on the driver and releases its resources
func (a *ActiveSession) Quit(ctx context.Context) error {
	var err error
	if a.quit != nil {
		err = a.quit(ctx)
	}
	if cerr := a.Cleanup(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Cleanup releases resources for a session the driver already ended
func (a *ActiveSession) Cleanup(ctx context.Context) error {
	if a.cleanup == nil {
		return nil
	}
	return a.cleanup(ctx)
}

// RelayFactory creates sessions on an already running WebDriver endpoint
type RelayFactory struct {
	URL    *url.URL
	Client *http.Client
}

// NewRelayFactory parses endpoint, e.g. "http://localhost:4444/wd/hub"
func NewRelayFactory(endpoint string, client *http.Client) (*RelayFactory, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid driver url %q", endpoint)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("driver url %q must be absolute", endpoint)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RelayFactory{URL: u, Client: client}, nil
}

// NewSession forwards a W3C new session request to the driver
func (f *RelayFactory) NewSession(ctx context.Context, caps models.Capabilities) (*ActiveSession, error) {
	body, err := json.Marshal(map[string]any{
		"capabilities": map[string]any{"alwaysMatch": caps},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode capabilities")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(f.URL, "/session"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(models.ErrSessionCreationFailed, "driver unreachable: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(models.ErrSessionCreationFailed, "failed to read driver response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		var failure models.ErrorResponse
		if json.Unmarshal(data, &failure) == nil && failure.Value.Error != "" {
			return nil, errors.Wrapf(models.ErrSessionCreationFailed, "%s: %s", failure.Value.Error, failure.Value.Message)
		}
		return nil, errors.Wrapf(models.ErrSessionCreationFailed, "driver returned %d", resp.StatusCode)
	}

	var created models.NewSessionResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Value.SessionID == "" {
		return nil, errors.Wrapf(models.ErrSessionCreationFailed, "malformed driver response")
	}

	active := &ActiveSession{
		ID:           created.Value.SessionID,
		Capabilities: created.Value.Capabilities,
		DriverURL:    f.URL,
	}
	if cdp, ok := created.Value.Capabilities[models.CapCDP].(string); ok {
		active.CDPURL = cdp
	}
	if bidi, ok := created.Value.Capabilities[models.CapWebSocketURL].(string); ok {
		active.BiDiURL = bidi
	}
	active.quit = func(ctx context.Context) error {
		return f.deleteSession(ctx, active.ID)
	}

	return active, nil
}

func (f *RelayFactory) deleteSession(ctx context.Context, id models.SessionID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, joinURL(f.URL, "/session/"+string(id)), nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to quit session %s: %w", id, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("driver returned %d quitting session %s", resp.StatusCode, id)
	}
	return nil
}

// joinURL appends path to base, keeping any base path such as /wd/hub
func joinURL(base *url.URL, path string) string {
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + path
	u.RawPath = ""
	return u.String()
}
