package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/grid-mini/internal/auth"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// fakeHub answers registrations with the queued status codes, then 201
type fakeHub struct {
	*httptest.Server

	mu        sync.Mutex
	responses []int
	announced []models.NodeStatus
	secrets   []string
	calls     atomic.Int32
}

func newFakeHub(t *testing.T, responses ...int) *fakeHub {
	t.Helper()
	h := &fakeHub{responses: responses}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathHubRegister || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.calls.Add(1)

		var status models.NodeStatus
		json.NewDecoder(r.Body).Decode(&status)

		h.mu.Lock()
		h.announced = append(h.announced, status)
		h.secrets = append(h.secrets, r.Header.Get(auth.Header))
		code := http.StatusCreated
		if len(h.responses) > 0 {
			code = h.responses[0]
			h.responses = h.responses[1:]
		}
		h.mu.Unlock()

		w.WriteHeader(code)
	}))
	t.Cleanup(h.Server.Close)
	return h
}

func newRegistrar(t *testing.T, hub *fakeHub) *Registrar {
	t.Helper()
	d := newFakeDriver(t)
	hubURL, err := url.Parse(hub.URL)
	require.NoError(t, err)
	return &Registrar{
		Node:   newLocalNode(t, d, LocalOptions{ID: "node-a"}),
		Hub:    hubURL,
		Secret: testSecret,
		Logger: testLogger(),
	}
}

func TestRegisterAnnouncesStatus(t *testing.T) {
	hub := newFakeHub(t)
	r := newRegistrar(t, hub)

	require.NoError(t, r.Register(context.Background()))

	require.Len(t, hub.announced, 1)
	assert.Equal(t, models.NodeID("node-a"), hub.announced[0].ID)
	assert.Len(t, hub.announced[0].Slots, 2)
	assert.Equal(t, testSecret, hub.secrets[0])
}

func TestRegisterRetriesUntilAccepted(t *testing.T) {
	hub := newFakeHub(t, http.StatusServiceUnavailable, http.StatusInternalServerError)
	r := newRegistrar(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, r.Register(ctx))
	assert.Equal(t, int32(3), hub.calls.Load())
}

func TestRegisterTreatsConflictAsRegistered(t *testing.T) {
	hub := newFakeHub(t, http.StatusConflict)
	r := newRegistrar(t, hub)

	require.NoError(t, r.Register(context.Background()))
	assert.Equal(t, int32(1), hub.calls.Load())
}

func TestRegisterStopsOnRejectedSecret(t *testing.T) {
	hub := newFakeHub(t, http.StatusUnauthorized, http.StatusUnauthorized)
	r := newRegistrar(t, hub)

	err := r.Register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration secret")
	assert.Equal(t, int32(1), hub.calls.Load())
}

func TestRegistrarRunReannounces(t *testing.T) {
	hub := newFakeHub(t)
	r := newRegistrar(t, hub)
	r.Interval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return hub.calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRegistrarRunGivesUpWithContext(t *testing.T) {
	hub := newFakeHub(t, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	r := newRegistrar(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	assert.NoError(t, r.Run(ctx))
}
