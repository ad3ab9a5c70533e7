package node

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var cheese = models.Capabilities{"browserName": "cheese"}

// fakeDriver is a minimal W3C endpoint that hands out numbered sessions
type fakeDriver struct {
	*httptest.Server

	mu       sync.Mutex
	next     int
	sessions map[string]bool
	deleted  []string
	bodies   []string
	fail     bool
	quitFail bool
	cdp      bool
}

func newFakeDriver(t *testing.T) *fakeDriver {
	t.Helper()

	d := &fakeDriver{sessions: make(map[string]bool)}

	r := mux.NewRouter()
	r.HandleFunc("/session", d.create).Methods("POST")
	r.HandleFunc("/session/{id}", d.quit).Methods("DELETE")
	r.PathPrefix("/session/{id}/").HandlerFunc(d.command)

	d.Server = httptest.NewServer(r)
	t.Cleanup(d.Server.Close)
	return d
}

func (d *fakeDriver) create(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Capabilities struct {
			AlwaysMatch models.Capabilities `json:"alwaysMatch"`
		} `json:"capabilities"`
	}
	json.NewDecoder(r.Body).Decode(&payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fail {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(models.ErrorResponse{Value: models.ErrorValue{
			Error:   models.CodeSessionNotCreated,
			Message: "browser crashed on startup",
		}})
		return
	}

	d.next++
	id := fmt.Sprintf("driver-session-%d", d.next)
	d.sessions[id] = true

	caps := payload.Capabilities.AlwaysMatch.Clone()
	if caps == nil {
		caps = models.Capabilities{}
	}
	if d.cdp {
		caps[models.CapCDP] = "ws://" + r.Host + "/devtools/" + id
		caps[models.CapWebSocketURL] = "ws://" + r.Host + "/bidi/" + id
	}
	json.NewEncoder(w).Encode(models.NewSessionResponse{Value: models.NewSessionValue{
		SessionID:    models.SessionID(id),
		Capabilities: caps,
	}})
}

func (d *fakeDriver) quit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.sessions[id] {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(models.ErrorResponse{Value: models.ErrorValue{Error: models.CodeInvalidSessionID}})
		return
	}
	if d.quitFail {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(models.ErrorResponse{Value: models.ErrorValue{Error: models.CodeUnknownError, Message: "browser hung"}})
		return
	}
	delete(d.sessions, id)
	d.deleted = append(d.deleted, id)
	json.NewEncoder(w).Encode(map[string]any{"value": nil})
}

func (d *fakeDriver) command(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	d.mu.Lock()
	d.bodies = append(d.bodies, string(body))
	d.mu.Unlock()

	w.Header().Set("X-Driver-Path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"value":%q}`, strings.TrimPrefix(r.URL.Path, "/session/"))
}

func (d *fakeDriver) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDriver) setQuitFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quitFail = fail
}

func (d *fakeDriver) live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDriver) quitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deleted)
}

func newRelay(t *testing.T, d *fakeDriver) *RelayFactory {
	t.Helper()
	f, err := NewRelayFactory(d.URL, d.Client())
	if err != nil {
		t.Fatal(err)
	}
	return f
}
