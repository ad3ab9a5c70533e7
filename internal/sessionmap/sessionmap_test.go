package sessionmap

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

func exerciseSessionMap(t *testing.T, m SessionMap) {
	ctx := context.Background()
	id := models.NewSessionID()
	session := &models.Session{
		ID:           id,
		URI:          "http://node-1:5555",
		NodeID:       "node-1",
		Capabilities: models.Capabilities{"browserName": "cheese"},
		StartTime:    time.Now(),
	}

	_, err := m.Get(ctx, id)
	assert.True(t, errors.Is(err, models.ErrNoSuchSession))

	require.NoError(t, m.Add(ctx, session))

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.URI, got.URI)
	assert.Equal(t, "cheese", got.Capabilities.BrowserName())

	err = m.Add(ctx, &models.Session{ID: id, URI: "http://elsewhere"})
	assert.True(t, errors.Is(err, models.ErrSessionAlreadyExists))

	got, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "http://node-1:5555", got.URI, "existing entry must not be overwritten")

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	require.NoError(t, m.Remove(ctx, id))
	require.NoError(t, m.Remove(ctx, id), "remove is idempotent")

	_, err = m.Get(ctx, id)
	assert.True(t, errors.Is(err, models.ErrNoSuchSession))
}

func TestLocalSessionMap(t *testing.T) {
	exerciseSessionMap(t, NewLocal())
}

func TestLocalRejectsEmptyID(t *testing.T) {
	err := NewLocal().Add(context.Background(), &models.Session{})
	assert.True(t, errors.Is(err, models.ErrInvalidArgument))
}

func TestLocalReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewLocal()
	require.NoError(t, m.Add(ctx, &models.Session{ID: "s", URI: "http://a"}))

	got, err := m.Get(ctx, "s")
	require.NoError(t, err)
	got.URI = "http://b"

	again, err := m.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "http://a", again.URI)
}

func TestLocalConcurrentAddSameID(t *testing.T) {
	ctx := context.Background()
	m := NewLocal()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.Add(ctx, &models.Session{ID: "same", URI: fmt.Sprintf("http://node-%d", i)}) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestLocalListOrdersByStartTime(t *testing.T) {
	ctx := context.Background()
	m := NewLocal()
	now := time.Now()
	require.NoError(t, m.Add(ctx, &models.Session{ID: "late", StartTime: now.Add(time.Minute)}))
	require.NoError(t, m.Add(ctx, &models.Session{ID: "early", StartTime: now}))

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.SessionID("early"), list[0].ID)
}

func TestRedisSessionMap(t *testing.T) {
	addr := os.Getenv("GRID_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GRID_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	exerciseSessionMap(t, NewRedis(rdb))
}
