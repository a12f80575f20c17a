package warnings

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"golang.org/x/crypto/blake2b"
)

// FilePersister keeps one JSON file per session in a directory.
type FilePersister struct {
	dir string
}

// NewFilePersister creates the directory if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create warnings dir: %w", err)
	}
	return &FilePersister{dir: dir}, nil
}

func sessionKey(sessionID string) string {
	sum := blake2b.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:16])
}

func (p *FilePersister) path(sessionID string) string {
	return filepath.Join(p.dir, sessionKey(sessionID)+".json")
}

func (p *FilePersister) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	data, err := os.ReadFile(p.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode warning state: %w", err)
	}
	if state.Warnings == nil {
		state.Warnings = map[string]Entry{}
	}
	return &state, nil
}

func (p *FilePersister) Save(ctx context.Context, state *SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	path := p.path(state.SessionID)
	tmp, err := os.CreateTemp(p.dir, ".warn-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (p *FilePersister) Delete(ctx context.Context, sessionID string) error {
	err := os.Remove(p.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

const redisKeyPrefix = "engram:warnings:"

// RedisPersister keeps session state in Redis with the session TTL as expiry.
type RedisPersister struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewRedisPersister connects to the Redis server at url.
func NewRedisPersister(url string, ttl time.Duration) (*RedisPersister, error) {
	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url,
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(time.Second),
				redis.DialWriteTimeout(time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	p := &RedisPersister{pool: pool, ttl: ttl}
	if err := p.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return p, nil
}

// Ping checks the connection.
func (p *RedisPersister) Ping(ctx context.Context) error {
	conn, err := p.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

func (p *RedisPersister) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	conn, err := p.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", redisKeyPrefix+sessionID))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode warning state: %w", err)
	}
	if state.Warnings == nil {
		state.Warnings = map[string]Entry{}
	}
	return &state, nil
}

func (p *RedisPersister) Save(ctx context.Context, state *SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	conn, err := p.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := redis.Args{}.Add(redisKeyPrefix + state.SessionID).Add(data)
	if secs := int64(p.ttl / time.Second); secs > 0 {
		args = args.Add("EX", secs)
	}
	_, err = conn.Do("SET", args...)
	return err
}

func (p *RedisPersister) Delete(ctx context.Context, sessionID string) error {
	conn, err := p.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("DEL", redisKeyPrefix+sessionID)
	return err
}

// Close releases pooled connections.
func (p *RedisPersister) Close() error {
	return p.pool.Close()
}
