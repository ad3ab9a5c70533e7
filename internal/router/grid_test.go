package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/grid-mini/internal/auth"
	"github.com/shehryarbajwa/grid-mini/internal/distributor"
	"github.com/shehryarbajwa/grid-mini/internal/events"
	"github.com/shehryarbajwa/grid-mini/internal/node"
	"github.com/shehryarbajwa/grid-mini/internal/queue"
	"github.com/shehryarbajwa/grid-mini/internal/ratelimit"
	"github.com/shehryarbajwa/grid-mini/internal/sessionmap"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

const testSecret = "stilton"

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var cheese = models.Capabilities{"browserName": "cheese"}

// driver is a fake W3C endpoint with an echoing devtools socket per session
type driver struct {
	*httptest.Server

	mu       sync.Mutex
	next     int
	sessions map[string]bool
	commands []string
}

func newDriver(t *testing.T, name string) *driver {
	t.Helper()

	d := &driver{sessions: make(map[string]bool)}
	upgrader := websocket.Upgrader{}

	r := mux.NewRouter()
	r.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Capabilities struct {
				AlwaysMatch models.Capabilities `json:"alwaysMatch"`
			} `json:"capabilities"`
		}
		json.NewDecoder(r.Body).Decode(&payload)

		d.mu.Lock()
		d.next++
		id := fmt.Sprintf("%s-%d", name, d.next)
		d.sessions[id] = true
		d.mu.Unlock()

		caps := payload.Capabilities.AlwaysMatch.Clone()
		caps[models.CapCDP] = "ws://" + r.Host + "/devtools/" + id
		json.NewEncoder(w).Encode(models.NewSessionResponse{Value: models.NewSessionValue{
			SessionID:    models.SessionID(id),
			Capabilities: caps,
		}})
	}).Methods("POST")
	r.HandleFunc("/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		delete(d.sessions, mux.Vars(r)["id"])
		d.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"value": nil})
	}).Methods("DELETE")
	r.PathPrefix("/session/{id}/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		d.mu.Lock()
		d.commands = append(d.commands, r.Method+" "+r.URL.Path+" "+string(body))
		d.mu.Unlock()
		fmt.Fprintf(w, `{"value":%q}`, name)
	})
	r.HandleFunc("/devtools/{id}", func(w http.ResponseWriter, r *http.Request) {
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
			if err := conn.WriteMessage(mt, append([]byte(name+":"), msg...)); err != nil {
				return
			}
		}
	})

	d.Server = httptest.NewServer(r)
	t.Cleanup(d.Server.Close)
	return d
}

func (d *driver) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *driver) live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// grid is a hub with its router served over HTTP
type grid struct {
	t        *testing.T
	hub      *httptest.Server
	queue    *queue.Queue
	dist     *distributor.Distributor
	sessions *sessionmap.Local

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

func newGrid(t *testing.T, qopts queue.Options, limiter *ratelimit.Limiter) *grid {
	t.Helper()

	if qopts.RequestTimeout == 0 {
		qopts.RequestTimeout = 30 * time.Second
	}

	bus := events.NewLocal(64, testLogger())
	t.Cleanup(func() { bus.Close() })

	g := &grid{
		t:        t,
		queue:    queue.New(qopts, bus, testLogger()),
		sessions: sessionmap.NewLocal(),
		shutdown: make(chan struct{}),
	}
	g.dist = distributor.New(distributor.Options{
		HealthCheckInterval: 50 * time.Millisecond,
		MatchInterval:       50 * time.Millisecond,
	}, g.queue, g.sessions, bus, testLogger())
	t.Cleanup(func() { g.dist.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { g.dist.Run(ctx); done <- struct{}{} }()
	go func() { g.queue.Run(ctx); done <- struct{}{} }()
	t.Cleanup(func() {
		g.queue.Clear()
		cancel()
		<-done
		<-done
	})

	rt := New(Options{
		Secret: testSecret,
		Shutdown: func() {
			g.shutdownOnce.Do(func() { close(g.shutdown) })
		},
	}, g.queue, g.dist, g.sessions, bus, limiter, testLogger())

	g.hub = httptest.NewServer(rt.SetupRoutes())
	t.Cleanup(g.hub.Close)
	return g
}

// addNode starts a node with slots cheese slots and registers it over HTTP
func (g *grid) addNode(id string, slots int) *driver {
	g.t.Helper()

	d := newDriver(g.t, id)
	factory, err := node.NewRelayFactory(d.URL, nil)
	require.NoError(g.t, err)

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	g.t.Cleanup(srv.Close)

	local, err := node.NewLocal(node.LocalOptions{
		ID:    models.NodeID(id),
		URI:   srv.URL,
		Slots: []node.SlotConfig{{Stereotype: cheese, Count: slots, Factory: factory}},
	}, testLogger())
	require.NoError(g.t, err)
	handler = node.NewServer(local, testSecret, testLogger()).SetupRoutes()

	hubURL, err := url.Parse(g.hub.URL)
	require.NoError(g.t, err)
	reg := &node.Registrar{Node: local, Hub: hubURL, Secret: testSecret, Logger: testLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(g.t, reg.Register(ctx))
	return d
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do is safe to call from goroutines other than the test's
func (g *grid) do(method, path string, body any, headers map[string]string) response {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if !assert.NoError(g.t, err) {
			return response{}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, g.hub.URL+path, reader)
	if !assert.NoError(g.t, err) {
		return response{}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if !assert.NoError(g.t, err) {
		return response{}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	assert.NoError(g.t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: data}
}

func (g *grid) admin(method, path string) response {
	return g.do(method, path, nil, map[string]string{auth.Header: testSecret})
}

func newSessionBody(caps models.Capabilities) map[string]any {
	return map[string]any{"capabilities": map[string]any{"alwaysMatch": caps}}
}

type outcome struct {
	status  int
	session models.NewSessionValue
	failure models.ErrorValue
}

// newSession posts a new session request and decodes the outcome
func (g *grid) newSession(caps models.Capabilities) outcome {
	resp := g.do(http.MethodPost, "/session", newSessionBody(caps), nil)

	out := outcome{status: resp.status}
	if resp.status == http.StatusOK {
		var ok models.NewSessionResponse
		assert.NoError(g.t, json.Unmarshal(resp.body, &ok))
		out.session = ok.Value
	} else {
		var failure models.ErrorResponse
		assert.NoError(g.t, json.Unmarshal(resp.body, &failure))
		out.failure = failure.Value
	}
	return out
}

// submit runs newSession in the background
func (g *grid) submit(caps models.Capabilities) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() { ch <- g.newSession(caps) }()
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("new session request never resolved")
		return outcome{}
	}
}
