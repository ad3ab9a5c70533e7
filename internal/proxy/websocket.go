// Package proxy relays CDP and BiDi websocket traffic between a client and
// the endpoint that owns a session. Frames are forwarded unchanged.
package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// DialTimeout bounds connecting to the backend endpoint
var DialTimeout = 10 * time.Second

// Tunnel upgrades the client connection, dials backendURL and relays frames
// in both directions until either side closes.
func Tunnel(w http.ResponseWriter, r *http.Request, backendURL string, logger logrus.FieldLogger) {
	logger = logger.WithField("backend", backendURL)

	ctx, cancel := context.WithTimeout(r.Context(), DialTimeout)
	defer cancel()

	backendConn, resp, err := websocket.DefaultDialer.DialContext(ctx, backendURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logger.WithError(err).Warn("failed to connect to backend websocket")
		http.Error(w, "failed to connect to session endpoint: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("failed to upgrade client connection")
		return
	}
	defer clientConn.Close()

	logger.Debug("websocket tunnel opened")

	errChan := make(chan error, 2)

	go func() {
		errChan <- relay(clientConn, backendConn)
	}()

	go func() {
		errChan <- relay(backendConn, clientConn)
	}()

	// The first side to stop ends the tunnel; closing both connections on
	// return unblocks the other goroutine.
	err = <-errChan
	if err != nil && !isNormalClose(err) {
		logger.WithError(err).Debug("websocket tunnel ended with error")
	}
	logger.Debug("websocket tunnel closed")
}

// relay copies frames from src to dst. A close received from src is passed on
// to dst with the same code.
func relay(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				msg := websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				if closeErr.Code == websocket.CloseNoStatusReceived {
					msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				}
				dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
