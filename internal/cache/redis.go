// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list (queue) name for lobby event records.
const DefaultQueueName = "bunker_lobby_events"

// LobbyEventRecord holds the minimal info the historian needs to archive one lobby event.
type LobbyEventRecord struct {
	LobbyID   string                 `json:"lobby_id"`
	PlayerID  string                 `json:"player_id,omitempty"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"` // epoch millis
}

// NewLobbyEvent stamps a record with the current time.
func NewLobbyEvent(lobbyID, playerID, eventType string, payload map[string]interface{}) LobbyEventRecord {
	return LobbyEventRecord{
		LobbyID:   lobbyID,
		PlayerID:  playerID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// DecodeLobbyEvent parses one queue entry.
func DecodeLobbyEvent(data []byte) (LobbyEventRecord, error) {
	var rec LobbyEventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("invalid lobby event record: %w", err)
	}
	if rec.LobbyID == "" || rec.EventType == "" {
		return rec, fmt.Errorf("invalid lobby event record: missing lobby_id or event_type")
	}
	return rec, nil
}

// EventSink receives lobby events after they have been persisted.
type EventSink interface {
	Publish(ctx context.Context, record LobbyEventRecord) error
}

// NopSink drops every event. It is used when no Redis address is configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, LobbyEventRecord) error { return nil }

// ConnectRedis opens a client and pings it.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// RedisJournal appends lobby events to a Redis list for the historian to drain.
type RedisJournal struct {
	rdb   *redis.Client
	queue string
}

func NewRedisJournal(rdb *redis.Client, queue string) *RedisJournal {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &RedisJournal{rdb: rdb, queue: queue}
}

// Publish serializes the record to JSON, then pushes it to the Redis queue.
func (j *RedisJournal) Publish(ctx context.Context, record LobbyEventRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal LobbyEventRecord: %w", err)
	}
	if err := j.rdb.RPush(ctx, j.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", j.queue, err)
	}
	return nil
}

// Queue returns the list name the journal writes to.
func (j *RedisJournal) Queue() string {
	return j.queue
}

// RedisQueue is the consuming side of a RedisJournal.
type RedisQueue struct {
	rdb   *redis.Client
	queue string
}

func NewRedisQueue(rdb *redis.Client, queue string) *RedisQueue {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &RedisQueue{rdb: rdb, queue: queue}
}

// Pop blocks up to timeout for the next entry. It returns nil data when the queue stayed empty.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("BLPop %s: %w", q.queue, err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	// res[0] is the queue name and res[1] the payload.
	return []byte(res[1]), nil
}
