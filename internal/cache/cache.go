package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

// ErrLockNotHeld is returned when releasing a lock owned by someone else
var ErrLockNotHeld = errors.New("lock not held")

// releaseScript deletes the lock only if the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// windowScript counts a request and starts the window on a key without an
// expiry, so a counter can never outlive its window.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Upload Session Operations

func uploadKey(userID, sessionID string) string {
	return fmt.Sprintf("upload:%s:%s", userID, sessionID)
}

func latestUploadKey(userID string) string {
	return fmt.Sprintf("upload:%s:latest", userID)
}

// SetUploadSession stores an upload session and marks it as the user's latest
func (c *Cache) SetUploadSession(ctx context.Context, session *models.UploadSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal upload session: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, uploadKey(session.UserID, session.ID), data, ttl)
	pipe.Set(ctx, latestUploadKey(session.UserID), session.ID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store upload session: %w", err)
	}
	return nil
}

// GetUploadSession retrieves a session owned by userID. A miss returns nil, nil.
func (c *Cache) GetUploadSession(ctx context.Context, userID, sessionID string) (*models.UploadSession, error) {
	data, err := c.client.Get(ctx, uploadKey(userID, sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			metrics.RecordCacheAccess("upload", false)
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get upload session from cache: %w", err)
	}
	metrics.RecordCacheAccess("upload", true)

	var session models.UploadSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload session: %w", err)
	}

	return &session, nil
}

// GetLatestUploadSession returns the most recent unexpired upload of userID
func (c *Cache) GetLatestUploadSession(ctx context.Context, userID string) (*models.UploadSession, error) {
	id, err := c.client.Get(ctx, latestUploadKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			metrics.RecordCacheAccess("upload", false)
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get latest upload: %w", err)
	}
	return c.GetUploadSession(ctx, userID, id)
}

// Task Cache Operations

func taskKey(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}

// SetTask caches a task snapshot. Only terminal tasks are stable enough to cache.
func (c *Cache) SetTask(ctx context.Context, task *models.Task, ttl time.Duration) error {
	if !task.IsTerminal() {
		return nil
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	return c.client.Set(ctx, taskKey(task.ID), data, ttl).Err()
}

// GetTask retrieves a cached task. A miss returns nil, nil.
func (c *Cache) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	data, err := c.client.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			metrics.RecordCacheAccess("task", false)
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get task from cache: %w", err)
	}
	metrics.RecordCacheAccess("task", true)

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &task, nil
}

// Rate Limiting Operations

// CheckRateLimit checks if a rate limit has been exceeded
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := windowScript.Run(ctx, c.client, []string{rateLimitKey}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	return count <= limit, nil
}

// Locking Operations for Distributed Systems

// AcquireLock attempts to acquire a distributed lock. The returned token must
// be passed to ReleaseLock; ok is false when somebody else holds the lock.
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (token string, ok bool, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("failed to generate lock token: %w", err)
	}
	token = hex.EncodeToString(buf)

	ok, err = c.client.SetNX(ctx, fmt.Sprintf("lock:%s", resource), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases a lock if token still owns it
func (c *Cache) ReleaseLock(ctx context.Context, resource, token string) error {
	n, err := releaseScript.Run(ctx, c.client, []string{fmt.Sprintf("lock:%s", resource)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
