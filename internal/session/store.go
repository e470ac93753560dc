// Package session keeps Redis bookkeeping for live chat sessions: which
// server instance holds a session, when it connected and when it last sent
// a message. Room membership itself is never read back from Redis.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is the Redis hash stored for one connected session.
type Session struct {
	ID          string `redis:"id"`
	Room        string `redis:"room"`
	Server      string `redis:"server"`       // which WS server instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages session hashes in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	room       string
	now        func() time.Time
}

// NewStore connects to Redis at redisAddr and verifies the connection.
func NewStore(redisAddr, serverName, room string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreFromClient(client, serverName, room), nil
}

// NewStoreFromClient wraps an existing Redis client.
func NewStoreFromClient(client *redis.Client, serverName, room string) *Store {
	return &Store{client: client, serverName: serverName, room: room, now: time.Now}
}

// Create stores a new session hash with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := s.now().Unix()

	fields := map[string]interface{}{
		"id":           sessionID,
		"room":         s.room,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session. It returns nil, nil if the session does not exist.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// ErrNotFound is returned by Touch when the session hash is gone.
var ErrNotFound = errors.New("session: not found")

// Touch updates last_active and refreshes the TTL. A session that has
// already expired is not recreated.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", s.now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, SessionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
