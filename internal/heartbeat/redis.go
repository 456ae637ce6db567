// Package heartbeat announces a running bridge instance in Redis so a load
// balancer or dashboard can discover it.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix = "bridge:"
	Channel   = "bridge:heartbeat"

	interval = 10 * time.Second
	ttl      = 30 * time.Second
)

// Payload is the JSON document stored and published on every beat.
type Payload struct {
	InstanceID  string    `json:"instance_id"`
	Addr        string    `json:"addr"`
	Sessions    int       `json:"sessions"`
	MaxSessions int       `json:"max_sessions"`
	StartedAt   time.Time `json:"started_at"`
}

// Stats reports the live and maximum session counts.
type Stats func() (sessions, maxSessions int)

// RedisHeartbeat publishes periodic heartbeats to Redis. Each beat SETs
// bridge:{id} with a 30s TTL and PUBLISHes to bridge:heartbeat.
type RedisHeartbeat struct {
	rdb        redis.Cmdable
	closer     func() error
	instanceID string
	addr       string
	startedAt  time.Time
	stats      Stats
	stop       chan struct{}
	wg         sync.WaitGroup
}

// NewRedisHeartbeat connects to Redis and verifies the connection.
func NewRedisHeartbeat(redisURL, instanceID, addr string) (*RedisHeartbeat, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	h := newHeartbeat(rdb, instanceID, addr)
	h.closer = rdb.Close
	return h, nil
}

func newHeartbeat(rdb redis.Cmdable, instanceID, addr string) *RedisHeartbeat {
	return &RedisHeartbeat{
		rdb:        rdb,
		instanceID: instanceID,
		addr:       addr,
		startedAt:  time.Now().UTC(),
		stop:       make(chan struct{}),
	}
}

// Key returns the Redis key holding an instance's latest heartbeat.
func Key(instanceID string) string {
	return KeyPrefix + instanceID
}

// Start publishes immediately and then every 10 seconds.
func (h *RedisHeartbeat) Start(stats Stats) {
	h.stats = stats
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.publish()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.publish()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *RedisHeartbeat) payload() Payload {
	p := Payload{
		InstanceID: h.instanceID,
		Addr:       h.addr,
		StartedAt:  h.startedAt,
	}
	if h.stats != nil {
		p.Sessions, p.MaxSessions = h.stats()
	}
	return p
}

func (h *RedisHeartbeat) publish() {
	data, err := json.Marshal(h.payload())
	if err != nil {
		log.Printf("heartbeat: marshal error: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.rdb.Set(ctx, Key(h.instanceID), data, ttl).Err(); err != nil {
		log.Printf("heartbeat: SET failed: %v", err)
	}
	if err := h.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		log.Printf("heartbeat: PUBLISH failed: %v", err)
	}
}

// Stop ends the loop, removes the key and closes the connection.
func (h *RedisHeartbeat) Stop() {
	close(h.stop)
	h.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.rdb.Del(ctx, Key(h.instanceID)).Err(); err != nil {
		log.Printf("heartbeat: DEL failed: %v", err)
	}
	if h.closer != nil {
		h.closer()
	}
	log.Println("heartbeat: stopped")
}
