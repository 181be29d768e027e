package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
)

// Redis keeps the ledger in redis.
// cursor:<id> holds the tiles written, fail_list:<id> failed tiles, nil_list:<id> blank tiles.
type Redis struct {
	pool *redis.Pool
	id   string
	log  log.FieldLogger
}

var _ Ledger = (*Redis)(nil)

// NewRedis connects to addr, host:port.
func NewRedis(addr, id string, logger log.FieldLogger) *Redis {
	return newRedis(func() (redis.Conn, error) {
		return redis.Dial("tcp", addr)
	}, id, logger)
}

func newRedis(dial func() (redis.Conn, error), id string, logger log.FieldLogger) *Redis {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Redis{
		pool: &redis.Pool{
			MaxIdle:     16,
			MaxActive:   32,
			IdleTimeout: 120 * time.Second,
			Dial:        dial,
		},
		id:  id,
		log: logger.WithField("build", id),
	}
}

func (r *Redis) key(prefix string) string {
	return prefix + ":" + r.id
}

// do runs one command on a pooled connection.
func (r *Redis) do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			r.log.Errorf("redis connection close failure ~ %s", err)
		}
	}()
	return conn.Do(cmd, args...)
}

// Cursor reads the cursor.
func (r *Redis) Cursor(ctx context.Context) (int, error) {
	n, err := redis.Int(r.do(ctx, "GET", r.key("cursor")))
	if errors.Is(err, redis.ErrNil) {
		return 0, nil
	}
	return n, err
}

// SaveCursor stores the cursor.
func (r *Redis) SaveCursor(ctx context.Context, n int) error {
	_, err := r.do(ctx, "SET", r.key("cursor"), strconv.Itoa(n))
	return err
}

func (r *Redis) hset(ctx context.Context, list string, e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.do(ctx, "HSET", r.key(list), e.Key(), val)
	return err
}

// Fail records a failed tile.
func (r *Redis) Fail(ctx context.Context, e Entry) error {
	return r.hset(ctx, "fail_list", e)
}

// Blank records a blank tile.
func (r *Redis) Blank(ctx context.Context, e Entry) error {
	return r.hset(ctx, "nil_list", e)
}

// Failed reads the failure list sorted by zoom, column and row.
func (r *Redis) Failed(ctx context.Context) ([]Entry, error) {
	all, err := redis.StringMap(r.do(ctx, "HGETALL", r.key("fail_list")))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(all))
	for k, v := range all {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			r.log.Warnf("skip bad fail entry %s ~ %s", k, err)
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return entries, nil
}

// ClearFail removes a failure entry.
func (r *Redis) ClearFail(ctx context.Context, e Entry) error {
	_, err := r.do(ctx, "HDEL", r.key("fail_list"), e.Key())
	return err
}

// Clean deletes every key of the build.
func (r *Redis) Clean(ctx context.Context) error {
	_, err := r.do(ctx, "DEL", r.key("cursor"), r.key("nil_list"), r.key("fail_list"))
	return err
}

// Close closes the pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}
