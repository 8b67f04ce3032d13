package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoomChatMessage represents a chat entry cached for a room
type RoomChatMessage struct {
	RoomID    string    `json:"roomId"`
	UserID    int64     `json:"userId"`
	UserName  string    `json:"userName"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisClient wraps the Redis client for room-scoped caching
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client}, nil
}

func chatKey(roomID string) string {
	return "room:" + roomID + ":chat"
}

// AddChatMessage appends a chat message to the room's recent list
func (r *RedisClient) AddChatMessage(ctx context.Context, roomID string, m *RoomChatMessage) error {
	m.Timestamp = time.Now()

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	key := chatKey(roomID)
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		log.Printf("[Redis] Failed to add chat message: %v", err)
		return err
	}

	// 최근 200개만 유지, 24시간 TTL
	r.client.LTrim(ctx, key, -200, -1)
	r.client.Expire(ctx, key, 24*time.Hour)

	return nil
}

// GetRecentChatMessages retrieves the last N chat messages for a room
func (r *RedisClient) GetRecentChatMessages(ctx context.Context, roomID string, count int64) ([]RoomChatMessage, error) {
	results, err := r.client.LRange(ctx, chatKey(roomID), -count, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]RoomChatMessage, 0, len(results))
	for _, data := range results {
		var m RoomChatMessage
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			continue
		}
		messages = append(messages, m)
	}

	return messages, nil
}

// Publish sends a payload on a pub/sub channel
func (r *RedisClient) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Set sets a key-value pair with expiration
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Expire refreshes a key's TTL; returns false when the key is gone
func (r *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	return r.client.Expire(ctx, key, expiration).Result()
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Health checks if Redis is healthy
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
