package sessionmap

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

const redisKeyPrefix = "grid:session:"

// Redis is a SessionMap shared by several hub processes.
// SETNX enforces the single-entry-per-id invariant across writers.
type Redis struct {
	rdb *redis.Client
}

var _ SessionMap = (*Redis)(nil)

// NewRedis wraps an existing Redis client
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func redisKey(id models.SessionID) string {
	return redisKeyPrefix + string(id)
}

func (m *Redis) Add(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return errors.Wrap(models.ErrInvalidArgument, "session id is required")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}

	ok, err := m.rdb.SetNX(ctx, redisKey(session.ID), data, 0).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to store session %s", session.ID)
	}
	if !ok {
		return errors.Wrapf(models.ErrSessionAlreadyExists, "session %s", session.ID)
	}
	return nil
}

func (m *Redis) Get(ctx context.Context, id models.SessionID) (*models.Session, error) {
	data, err := m.rdb.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(models.ErrNoSuchSession, "session %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load session %s", id)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrapf(err, "failed to decode session %s", id)
	}
	return &session, nil
}

func (m *Redis) Remove(ctx context.Context, id models.SessionID) error {
	if err := m.rdb.Del(ctx, redisKey(id)).Err(); err != nil {
		return errors.Wrapf(err, "failed to remove session %s", id)
	}
	return nil
}

func (m *Redis) List(ctx context.Context) ([]*models.Session, error) {
	var out []*models.Session

	iter := m.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := m.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to list sessions")
		}
		var session models.Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		out = append(out, &session)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan sessions")
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}
