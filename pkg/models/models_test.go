package models

import (
	"net/http"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitiesMatches(t *testing.T) {
	stereotype := Capabilities{"browserName": "cheese", "platformName": "linux", "se:vnc": true}

	testCases := []struct {
		name    string
		request Capabilities
		want    bool
	}{
		{"empty request matches anything", Capabilities{}, true},
		{"subset", Capabilities{"browserName": "cheese"}, true},
		{"all keys", Capabilities{"browserName": "cheese", "platformName": "linux", "se:vnc": true}, true},
		{"different value", Capabilities{"browserName": "peas"}, false},
		{"missing key", Capabilities{"browserVersion": "1"}, false},
		{"extension key", Capabilities{"se:vnc": true}, true},
		{"extension key value differs", Capabilities{"se:vnc": false}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.request.Matches(stereotype))
		})
	}
}

func TestCapabilitiesNumericEquality(t *testing.T) {
	assert.True(t, Capabilities{"n": 1}.Matches(Capabilities{"n": float64(1)}))
	assert.True(t, Capabilities{"o": map[string]any{"a": []any{1}}}.Matches(Capabilities{"o": map[string]any{"a": []any{float64(1)}}}))
}

func TestCapabilitiesCloneIsDeep(t *testing.T) {
	orig := Capabilities{"opts": map[string]any{"args": []any{"--headless"}}}
	cp := orig.Clone()
	cp["opts"].(map[string]any)["args"].([]any)[0] = "changed"
	assert.Equal(t, "--headless", orig["opts"].(map[string]any)["args"].([]any)[0])

	with := orig.With("browserName", "cheese")
	assert.NotContains(t, orig, "browserName")
	assert.Equal(t, "cheese", with.BrowserName())
}

func TestParseNewSessionPayload(t *testing.T) {
	t.Run("alwaysMatch only", func(t *testing.T) {
		alts, err := ParseNewSessionPayload([]byte(`{"capabilities":{"alwaysMatch":{"browserName":"cheese"}}}`))
		require.NoError(t, err)
		assert.Equal(t, []Capabilities{{"browserName": "cheese"}}, alts)
	})

	t.Run("firstMatch keeps caller order", func(t *testing.T) {
		alts, err := ParseNewSessionPayload([]byte(`{"capabilities":{
			"alwaysMatch":{"platformName":"linux"},
			"firstMatch":[{"browserName":"peas"},{"browserName":"cheese"}]}}`))
		require.NoError(t, err)
		require.Len(t, alts, 2)
		assert.Equal(t, Capabilities{"platformName": "linux", "browserName": "peas"}, alts[0])
		assert.Equal(t, Capabilities{"platformName": "linux", "browserName": "cheese"}, alts[1])
	})

	t.Run("conflicting keys", func(t *testing.T) {
		_, err := ParseNewSessionPayload([]byte(`{"capabilities":{
			"alwaysMatch":{"browserName":"cheese"},
			"firstMatch":[{"browserName":"peas"}]}}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})

	t.Run("legacy desiredCapabilities", func(t *testing.T) {
		alts, err := ParseNewSessionPayload([]byte(`{"desiredCapabilities":{"browserName":"cheese"}}`))
		require.NoError(t, err)
		assert.Equal(t, []Capabilities{{"browserName": "cheese"}}, alts)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseNewSessionPayload([]byte(`{`))
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})

	t.Run("missing capabilities", func(t *testing.T) {
		_, err := ParseNewSessionPayload([]byte(`{}`))
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})
}

func TestNodeStatusCapacity(t *testing.T) {
	status := NodeStatus{
		MaxSessions:  2,
		Availability: AvailabilityUp,
		Slots: []Slot{
			{ID: "a"}, {ID: "b"}, {ID: "c"},
		},
	}
	assert.Equal(t, 2, status.Capacity())
	assert.Equal(t, 2, status.FreeCapacity())
	assert.True(t, status.HasCapacity())

	status.Slots[0].Session = &Session{ID: "s1"}
	status.Slots[1].Reserved = true
	assert.Equal(t, 2, status.UsedSessions())
	assert.Equal(t, 0, status.FreeCapacity())
	assert.False(t, status.HasCapacity())

	sess, ok := status.Session("s1")
	require.True(t, ok)
	assert.Equal(t, SessionID("s1"), sess.ID)

	status.Slots[1].Reserved = false
	status.Availability = AvailabilityDraining
	assert.False(t, status.HasCapacity())
}

func TestSessionRequestExpired(t *testing.T) {
	now := time.Now()
	req := SessionRequest{EnqueuedAt: now, ExpiresAt: now.Add(time.Second)}
	assert.False(t, req.Expired(now))
	assert.True(t, req.Expired(now.Add(time.Second)))
}

func TestWebDriverError(t *testing.T) {
	testCases := []struct {
		err    error
		status int
		code   string
	}{
		{errors.Wrap(ErrNoSuchSession, "abc"), http.StatusNotFound, CodeInvalidSessionID},
		{ErrRequestTimedOut, http.StatusInternalServerError, CodeSessionNotCreated},
		{ErrRequestCancelled, http.StatusInternalServerError, CodeSessionNotCreated},
		{ErrQueueFull, http.StatusInternalServerError, CodeSessionNotCreated},
		{ErrInvalidArgument, http.StatusBadRequest, CodeInvalidArgument},
		{ErrNodeGone, http.StatusInternalServerError, CodeUnknownError},
		{errors.New("boom"), http.StatusInternalServerError, CodeUnknownError},
	}

	for _, tc := range testCases {
		status, payload := WebDriverError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, payload.Value.Error)
		assert.Equal(t, tc.err.Error(), payload.Value.Message)
	}
}

func TestErrorFromPayloadRoundTrip(t *testing.T) {
	status, payload := WebDriverError(errors.Wrap(ErrNoSuchSession, "gone"))
	err := ErrorFromPayload(status, payload.Value)
	assert.True(t, errors.Is(err, ErrNoSuchSession))

	err = ErrorFromPayload(http.StatusInternalServerError, ErrorValue{Error: CodeUnknownError, Message: "x"})
	assert.False(t, errors.Is(err, ErrNoSuchSession))
}
