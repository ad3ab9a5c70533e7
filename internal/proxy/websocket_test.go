package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// echoBackend echoes every frame and records what it saw
func echoBackend(t *testing.T, seen chan<- []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if seen != nil {
				seen <- msg
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func tunnelServer(backend string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Tunnel(w, r, backend, testLogger())
	}))
}

func TestTunnelRelaysFramesUnchanged(t *testing.T) {
	seen := make(chan []byte, 4)
	backend := echoBackend(t, seen)
	defer backend.Close()

	front := tunnelServer(wsURL(backend.URL))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	text := []byte(`{"id":1,"method":"Browser.getVersion"}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, text))
	mt, got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, text, got)
	assert.Equal(t, text, <-seen)

	binary := []byte{0x00, 0xff, 0x10}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, binary))
	mt, got, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, binary, got)
}

func TestTunnelBackendCloseClosesClient(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}))
	defer backend.Close()

	front := tunnelServer(wsURL(backend.URL))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestTunnelClientCloseClosesBackend(t *testing.T) {
	closed := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}))
	defer backend.Close()

	front := tunnelServer(wsURL(backend.URL))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("backend connection was not closed")
	}
}

func TestTunnelUnreachableBackend(t *testing.T) {
	front := tunnelServer("ws://127.0.0.1:1/unreachable")
	defer front.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
