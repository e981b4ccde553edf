package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// RedisMirror copies task snapshots into redis so that processes other than
// the one running the migration can read progress.
type RedisMirror struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror connects to the redis instance at redisURL
// (redis://[:password@]host:port/db).
func NewRedisMirror(redisURL, prefix string, ttl time.Duration) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisMirror{rdb: redis.NewClient(opts), prefix: prefix, ttl: ttl}, nil
}

// Key returns the redis key for a task.
func (m *RedisMirror) Key(taskID string) string {
	return m.prefix + taskID
}

// Publish stores the snapshot as JSON with the configured TTL.
func (m *RedisMirror) Publish(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.TaskID, err)
	}
	if err := m.rdb.Set(ctx, m.Key(t.TaskID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", m.Key(t.TaskID), err)
	}
	return nil
}

// Load reads a snapshot back.
func (m *RedisMirror) Load(ctx context.Context, taskID string) (Task, error) {
	data, err := m.rdb.Get(ctx, m.Key(taskID)).Bytes()
	if err == redis.Nil {
		return Task{}, errors.NotFoundf("task %s in redis", taskID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("redis get %s: %w", m.Key(taskID), err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return t, nil
}

// Ping checks connectivity.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
