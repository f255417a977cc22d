package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hash layout: one hash per entry under {prefix}:loc:{scope}:{owner}:{route}:{target}
// plus a set {prefix}:loc:index listing every entry key.

var recordOutcomeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('HSET', KEYS[1], 'last_attempt_at', ARGV[2], 'updated_at', ARGV[2])
if ARGV[1] == 'successes' then
	redis.call('HSET', KEYS[1], 'last_success_at', ARGV[2])
end
return 1
`)

var promoteScript = redis.NewScript(`
local loc = redis.call('HGET', KEYS[1], 'locator')
if not loc then
	return -1
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	redis.call('HSET', KEYS[2], 'locator', loc, 'updated_at', ARGV[1])
	return 0
end
local md = redis.call('HGET', KEYS[1], 'metadata') or ''
redis.call('HSET', KEYS[2],
	'scope', 'global', 'owner', '', 'route', ARGV[2], 'target', ARGV[3],
	'locator', loc, 'metadata', md, 'successes', 0, 'failures', 0, 'updated_at', ARGV[1])
redis.call('SADD', KEYS[3], KEYS[2])
return 1
`)

// RedisBackend stores entries as Redis hashes with HINCRBY counters.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisBackend wraps an existing client. prefix namespaces all keys.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "uiresolve"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenRedis dials addr and verifies the connection.
func OpenRedis(ctx context.Context, addr string, db int, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisBackend(client, prefix), nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) hashKey(k Key) string {
	return fmt.Sprintf("%s:loc:%s:%s:%s:%s", r.prefix, k.Scope,
		url.QueryEscape(k.Owner), url.QueryEscape(k.Route), url.QueryEscape(k.Target))
}

func (r *RedisBackend) indexKey() string {
	return r.prefix + ":loc:index"
}

func (r *RedisBackend) Get(ctx context.Context, key Key) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	fields, err := r.client.HGetAll(ctx, r.hashKey(key)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}
	return decodeRedisEntry(fields)
}

func (r *RedisBackend) Upsert(ctx context.Context, key Key, locator string, metadata map[string]any) error {
	if err := key.Validate(); err != nil {
		return err
	}
	md := ""
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		md = string(raw)
	}

	hk := r.hashKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hk,
			"scope", string(key.Scope),
			"owner", key.Owner,
			"route", key.Route,
			"target", key.Target,
			"locator", locator,
			"metadata", md,
			"updated_at", r.now().Format(time.RFC3339Nano))
		pipe.HSetNX(ctx, hk, "successes", 0)
		pipe.HSetNX(ctx, hk, "failures", 0)
		pipe.SAdd(ctx, r.indexKey(), hk)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) RecordOutcome(ctx context.Context, key Key, success bool) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	field := "failures"
	if success {
		field = "successes"
	}
	found, err := recordOutcomeScript.Run(ctx, r.client, []string{r.hashKey(key)},
		field, r.now().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return Entry{}, fmt.Errorf("record outcome %s: %w", key, err)
	}
	if found == 0 {
		return Entry{}, ErrNotFound
	}
	return r.Get(ctx, key)
}

func (r *RedisBackend) Promote(ctx context.Context, from Key) (bool, error) {
	if err := from.Validate(); err != nil {
		return false, err
	}
	gk := from.Global()
	res, err := promoteScript.Run(ctx, r.client,
		[]string{r.hashKey(from), r.hashKey(gk), r.indexKey()},
		r.now().Format(time.RFC3339Nano), gk.Route, gk.Target).Int()
	if err != nil {
		return false, fmt.Errorf("promote %s: %w", from, err)
	}
	switch res {
	case -1:
		return false, ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (r *RedisBackend) List(ctx context.Context, filter Filter) ([]Entry, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list memory: %w", err)
	}

	out := make([]Entry, 0, len(keys))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		e, err := decodeRedisEntry(fields)
		if err != nil {
			return nil, err
		}
		if filter.match(e) {
			out = append(out, e)
		}
	}
	sortAndLimit(&out, filter.Limit)
	return out, nil
}

func decodeRedisEntry(fields map[string]string) (Entry, error) {
	e := Entry{
		Scope:   Scope(fields["scope"]),
		Owner:   fields["owner"],
		Route:   fields["route"],
		Target:  fields["target"],
		Locator: fields["locator"],
	}
	var err error
	if e.Successes, err = atoiOrZero(fields["successes"]); err != nil {
		return Entry{}, fmt.Errorf("decode successes: %w", err)
	}
	if e.Failures, err = atoiOrZero(fields["failures"]); err != nil {
		return Entry{}, fmt.Errorf("decode failures: %w", err)
	}
	e.LastSuccessAt = parseRedisTime(fields["last_success_at"])
	e.LastAttemptAt = parseRedisTime(fields["last_attempt_at"])
	if t := parseRedisTime(fields["updated_at"]); t != nil {
		e.UpdatedAt = *t
	}
	if md := fields["metadata"]; md != "" {
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	e.rescore()
	return e, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseRedisTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
