package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/internal/auth"
)

// Registrar announces a local node to a hub
type Registrar struct {
	Node   *Local
	Hub    *url.URL
	Secret string
	// Interval between announcements after the first successful one.
	// The hub treats repeated announcements of a known node as a no-op.
	Interval time.Duration
	Client   *http.Client
	Logger   logrus.FieldLogger
}

// Register announces the node once, retrying with exponential backoff until
// the hub accepts it or ctx is done.
func (r *Registrar) Register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := r.announce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger().WithError(err).WithField("attempt", attempt).Warn("registration failed, retrying")
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// Run registers the node and keeps re-announcing it until ctx is done, so a
// restarted hub picks the node up again.
func (r *Registrar) Run(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	r.logger().WithField("hub", r.Hub.String()).Info("node registered")

	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.announce(ctx); err != nil && ctx.Err() == nil {
				r.logger().WithError(err).Warn("failed to re-announce node")
			}
		}
	}
}

func (r *Registrar) announce(ctx context.Context) error {
	status, err := r.Node.Status(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(status)
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "failed to encode node status"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(r.Hub, PathHubRegister), bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if r.Secret != "" {
		req.Header.Set(auth.Header, r.Secret)
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "hub unreachable")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return backoff.Permanent(errors.New("hub rejected the registration secret"))
	default:
		return errors.Newf("hub returned %d", resp.StatusCode)
	}
}

func (r *Registrar) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}
