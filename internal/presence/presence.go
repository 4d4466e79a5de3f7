// Package presence keeps an advisory directory of open couloirs in Redis so
// operators running several relays behind one wildcard can see which instance
// holds which host. Routing stays process-local; the directory only records.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/couloir/internal/obs"
)

const keyPrefix = "couloir:"

// entry is the JSON form stored per host.
type entry struct {
	Host     string    `json:"host"`
	Instance string    `json:"instance"`
	OpenedAt time.Time `json:"opened_at"`
}

// Directory records this relay's open couloirs under couloir:<host> with a
// TTL refreshed by a heartbeat, so entries of a crashed relay age out.
type Directory struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	heartbeat  time.Duration

	mu    sync.Mutex
	local map[string]time.Time // host -> opened at
}

// New connects to Redis and verifies it answers.
func New(addr, password string, db int) (*Directory, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Directory{
		client:     rdb,
		instanceID: fmt.Sprintf("couloir-%d", time.Now().UnixNano()),
		keyTTL:     2 * time.Minute,
		heartbeat:  30 * time.Second,
		local:      make(map[string]time.Time),
	}, nil
}

// CouloirOpened records host as served by this instance.
func (d *Directory) CouloirOpened(host string) {
	now := time.Now()
	d.mu.Lock()
	d.local[host] = now
	d.mu.Unlock()
	d.write(host, now)
}

// CouloirClosed removes host from the directory.
func (d *Directory) CouloirClosed(host string) {
	d.mu.Lock()
	delete(d.local, host)
	d.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.Del(ctx, keyPrefix+host).Err(); err != nil {
		obs.Error("presence.del", obs.Fields{"err": err.Error(), "host": host})
	}
}

func (d *Directory) write(host string, openedAt time.Time) {
	data, err := json.Marshal(entry{Host: host, Instance: d.instanceID, OpenedAt: openedAt})
	if err != nil {
		obs.Error("presence.marshal", obs.Fields{"err": err.Error(), "host": host})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.Set(ctx, keyPrefix+host, data, d.keyTTL).Err(); err != nil {
		obs.Error("presence.set", obs.Fields{"err": err.Error(), "host": host})
	}
}

// Run refreshes the TTL of locally owned entries until ctx ends.
func (d *Directory) Run(ctx context.Context) {
	t := time.NewTicker(d.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.mu.Lock()
			hosts := make(map[string]time.Time, len(d.local))
			for h, at := range d.local {
				hosts[h] = at
			}
			d.mu.Unlock()
			for h, at := range hosts {
				d.write(h, at)
			}
		}
	}
}

// Count scans the directory and returns how many couloirs are open across
// all relay instances.
func (d *Directory) Count(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := d.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
