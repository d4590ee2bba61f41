package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/psibot/internal/session"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "psibot"
	defaultTTL    = 24 * time.Hour
)

// event is the payload sent on the events channel.
type event struct {
	Event    string            `json:"event"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
}

// RedisPublisher writes the snapshot to a hash (<prefix>:session) and a set
// (<prefix>:homepages), both expiring after TTL, and announces each change on
// <prefix>:events.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher connects and pings Redis.
func NewRedisPublisher(addr, password string, db int) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisPublisher(rdb, defaultPrefix, defaultTTL), nil
}

func newRedisPublisher(client *redis.Client, prefix string, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisPublisher) sessionKey() string    { return r.prefix + ":session" }
func (r *RedisPublisher) homePagesKey() string  { return r.prefix + ":homepages" }
func (r *RedisPublisher) eventsChannel() string { return r.prefix + ":events" }

func (r *RedisPublisher) Publish(ctx context.Context, snap session.Snapshot) error {
	payload, err := json.Marshal(event{Event: "snapshot", Snapshot: &snap})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.sessionKey(),
			"session_id", snap.SessionID,
			"started_at", snap.StartedAt.Format(time.RFC3339Nano),
			"socks_port", strconv.Itoa(snap.LocalSocksProxyPort),
			"http_port", strconv.Itoa(snap.LocalHttpProxyPort),
			"ready", strconv.FormatBool(snap.Ready),
		)
		pipe.Expire(ctx, r.sessionKey(), r.ttl)
		pipe.Del(ctx, r.homePagesKey())
		if len(snap.HomePages) > 0 {
			members := make([]any, len(snap.HomePages))
			for i, u := range snap.HomePages {
				members[i] = u
			}
			pipe.SAdd(ctx, r.homePagesKey(), members...)
			pipe.Expire(ctx, r.homePagesKey(), r.ttl)
		}
		pipe.Publish(ctx, r.eventsChannel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (r *RedisPublisher) Clear(ctx context.Context) error {
	payload, err := json.Marshal(event{Event: "cleared"})
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.sessionKey(), r.homePagesKey())
	pipe.Publish(ctx, r.eventsChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis clear failed: %w", err)
	}
	return nil
}

func (r *RedisPublisher) Close() error { return r.client.Close() }
