package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/driftlabs/vipgate/pkg/xlog"
	"github.com/redis/go-redis/v9"
)

var ErrRedisNotEnabled = errors.New("redis bootstrap store not enabled")

// RedisStore is an optional, read-only, load-once source of App entries,
// consulted a single time while the routing table is being built (§3: the
// table is immutable for the process lifetime, so there is no pub/sub
// hot-reload here — only a startup read).
type RedisStore struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

// NewRedisStore connects to Redis and verifies it is reachable. Returns
// (nil, nil) when Redis bootstrap is disabled in config.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	xlog.Infof("redis bootstrap store connected: addr=%s, prefix=%s", cfg.Addr, cfg.KeyPrefix)
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, ctx: ctx}, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}

// CheckHealth reports whether the Redis connection is alive, for the
// metrics/health surface only — this is not an active health check against
// upstream targets (that remains a spec Non-goal).
func (r *RedisStore) CheckHealth() error {
	if r == nil {
		return ErrRedisNotEnabled
	}
	return r.client.Ping(r.ctx).Err()
}

// LoadApps reads additional App entries from Redis: "<prefix>apps" is a set
// of app ids, "<prefix>app:<id>" is a hash holding each app's fields, and
// "<prefix>app:<id>:targets" is a set of "ip_addr:weight" members. It is called exactly once, before the routing table (§3) is
// declared built, and never again for the life of the process.
func (r *RedisStore) LoadApps() ([]App, error) {
	if r == nil {
		return nil, ErrRedisNotEnabled
	}

	ids, err := r.client.SMembers(r.ctx, r.prefix+"apps").Result()
	if err != nil {
		return nil, fmt.Errorf("listing redis apps: %w", err)
	}

	apps := make([]App, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(r.ctx, r.prefix+"app:"+id).Result()
		if err != nil {
			return nil, fmt.Errorf("loading redis app %s: %w", id, err)
		}
		ipAddr := fields["ip_addr"]
		if ipAddr == "" {
			xlog.Warnf("redis app %s has no ip_addr, skipping", id)
			continue
		}

		members, err := r.client.SMembers(r.ctx, r.prefix+"app:"+id+":targets").Result()
		if err != nil {
			return nil, fmt.Errorf("loading redis app %s targets: %w", id, err)
		}

		targets := make([]AppTarget, 0, len(members))
		for _, m := range members {
			targetIP, weightStr, ok := strings.Cut(m, ":")
			weight, err := strconv.ParseUint(weightStr, 10, 8)
			if !ok || targetIP == "" || err != nil {
				xlog.Warnf("redis app %s: malformed target member %q, skipping", id, m)
				continue
			}
			targets = append(targets, AppTarget{IPAddr: targetIP, Weight: uint8(weight)})
		}

		apps = append(apps, App{UUID: id, IPAddr: ipAddr, Targets: targets})
	}

	return apps, nil
}
