package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig addresses a Redis server.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisStore implements Store on Redis. Records are hashes with a PEXPIRE,
// partition indexes are sorted sets scored by record expiry in Unix millis.
type RedisStore struct {
	rdb  redis.UniversalClient
	opts options
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{rdb: rdb, opts: o}
}

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		DialTimeout:           cfg.DialTimeout,
		ContextTimeoutEnabled: true,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable("dial "+cfg.Addr, err)
	}
	return NewRedis(rdb, opts...), nil
}

func (s *RedisStore) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return unavailable(op, err)
}

// scriptKeys lays out KEYS and the has-index flag shared by both scripts.
func scriptKeys(key string, opts WriteOptions) ([]string, string) {
	keys := make([]string, 0, 2+len(opts.Leave))
	keys = append(keys, key)
	hasIndex := "0"
	if opts.Index != "" {
		keys = append(keys, opts.Index)
		hasIndex = "1"
	}
	keys = append(keys, opts.Leave...)
	return keys, hasIndex
}

// score is the index score for a record written now with ttl. Scores and
// PartitionCount pruning use the coordinator clock while PEXPIRE runs on the
// Redis clock, so counts of records within the clock skew of expiry may be
// off by that skew.
func (s *RedisStore) score(ttl time.Duration) string {
	if ttl <= 0 {
		return "+inf"
	}
	return strconv.FormatInt(s.opts.now().Add(ttl).UnixMilli(), 10)
}

func appendPairs(args []any, fields map[string]string) []any {
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (s *RedisStore) Insert(ctx context.Context, key string, fields map[string]string, opts WriteOptions) error {
	if len(fields) == 0 {
		return fmt.Errorf("backend insert %s: no fields", key)
	}
	keys, hasIndex := scriptKeys(key, opts)
	args := appendPairs([]any{opts.TTL.Milliseconds(), s.score(opts.TTL), hasIndex}, fields)

	created, err := insertScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return s.classify(ctx, "insert", err)
	}
	if created == 0 {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Fetch(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.classify(ctx, "fetch", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

func (s *RedisStore) ConditionalUpdate(ctx context.Context, key string, guard Guard, fields map[string]string, opts WriteOptions) (map[string]string, error) {
	keys, hasIndex := scriptKeys(key, opts)
	args := make([]any, 0, 5+len(guard.OneOf)+2*len(fields))
	args = append(args, guard.Field, opts.TTL.Milliseconds(), s.score(opts.TTL), hasIndex, len(guard.OneOf))
	for _, v := range guard.OneOf {
		args = append(args, v)
	}
	args = appendPairs(args, fields)

	res, err := updateScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return nil, s.classify(ctx, "update", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("backend update %s: empty script reply", key)
	}

	switch code, _ := res[0].(int64); code {
	case 0:
		return nil, ErrNotFound
	case 1:
		current, _ := res[1].(string)
		return nil, &GuardError{Field: guard.Field, Current: current}
	case 2:
		return replyFields(res[1]), nil
	default:
		return nil, fmt.Errorf("backend update %s: unexpected script reply %v", key, res[0])
	}
}

func (s *RedisStore) PartitionCount(ctx context.Context, index string) (int64, error) {
	now := strconv.FormatInt(s.opts.now().UnixMilli(), 10)

	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, index, "-inf", now)
		card = p.ZCard(ctx, index)
		return nil
	})
	if err != nil {
		return 0, s.classify(ctx, "count", err)
	}
	return card.Val(), nil
}

func (s *RedisStore) Push(ctx context.Context, list, value string) error {
	if err := s.rdb.RPush(ctx, list, value).Err(); err != nil {
		return s.classify(ctx, "push", err)
	}
	return nil
}

// BlockingPop uses BLPOP while at least a whole second of the wait remains,
// since BLPOP only honours whole-second timeouts here, then polls LPOP for
// the sub-second tail so the wait never overruns the caller's budget.
func (s *RedisStore) BlockingPop(ctx context.Context, list string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining >= time.Second {
			block := time.Duration(math.Floor(remaining.Seconds())) * time.Second
			res, err := s.rdb.BLPop(ctx, block, list).Result()
			switch {
			case err == nil && len(res) == 2:
				return res[1], true, nil
			case err == nil, errors.Is(err, redis.Nil):
				continue
			default:
				return "", false, s.classify(ctx, "blpop", err)
			}
		}

		v, err := s.rdb.LPop(ctx, list).Result()
		switch {
		case err == nil:
			return v, true, nil
		case !errors.Is(err, redis.Nil):
			return "", false, s.classify(ctx, "lpop", err)
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		wait := min(s.opts.pollInterval, remaining)
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *RedisStore) Len(ctx context.Context, list string) (int64, error) {
	n, err := s.rdb.LLen(ctx, list).Result()
	if err != nil {
		return 0, s.classify(ctx, "llen", err)
	}
	return n, nil
}

func (s *RedisStore) PushCapped(ctx context.Context, list, value string, max int) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, list, value)
		if max > 0 {
			p.LTrim(ctx, list, 0, int64(max-1))
		}
		return nil
	})
	if err != nil {
		return s.classify(ctx, "push capped", err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, list string, start, stop int64) ([]string, error) {
	items, err := s.rdb.LRange(ctx, list, start, stop).Result()
	if err != nil {
		return nil, s.classify(ctx, "lrange", err)
	}
	return items, nil
}

func (s *RedisStore) HashSet(ctx context.Context, key, field, value string) error {
	if err := s.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return s.classify(ctx, "hset", err)
	}
	return nil
}

func (s *RedisStore) HashGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.classify(ctx, "hget", err)
	}
	return v, nil
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.classify(ctx, "hgetall", err)
	}
	return fields, nil
}

func (s *RedisStore) HashDelete(ctx context.Context, key, field string) (bool, error) {
	n, err := s.rdb.HDel(ctx, key, field).Result()
	if err != nil {
		return false, s.classify(ctx, "hdel", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return s.classify(ctx, "ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// replyFields decodes an HGETALL reply returned from a script, which arrives
// as a flat array under RESP2 and as a map under RESP3.
func replyFields(reply any) map[string]string {
	switch r := reply.(type) {
	case []any:
		out := make(map[string]string, len(r)/2)
		for i := 0; i+1 < len(r); i += 2 {
			k, _ := r[i].(string)
			v, _ := r[i+1].(string)
			out[k] = v
		}
		return out
	case map[any]any:
		out := make(map[string]string, len(r))
		for k, v := range r {
			ks, _ := k.(string)
			vs, _ := v.(string)
			out[ks] = vs
		}
		return out
	default:
		return map[string]string{}
	}
}
