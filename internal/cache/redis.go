package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xtrntr/spotdesk/internal/models"

	"github.com/redis/go-redis/v9"
)

const symbolsKey = "quotes:symbols"

func quoteKey(symbol string) string { return "quote:" + symbol }

// putScript writes the quote unless the stored one was fetched strictly later.
// fetched_at is in unix microseconds so Lua numbers compare it exactly.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'fetched_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'fetched_at', ARGV[1], 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// RedisQuoteStore keeps one hash per symbol, so several server processes share quotes
type RedisQuoteStore struct {
	rdb *redis.Client
}

// NewRedisQuoteStore connects and pings Redis
func NewRedisQuoteStore(ctx context.Context, addr, password string, db int) (*RedisQuoteStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisQuoteStore{rdb: rdb}, nil
}

// Close closes the client
func (s *RedisQuoteStore) Close() error {
	return s.rdb.Close()
}

// Get returns the stored quote for symbol
func (s *RedisQuoteStore) Get(ctx context.Context, symbol string) (models.Quote, bool, error) {
	data, err := s.rdb.HGet(ctx, quoteKey(strings.ToUpper(symbol)), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Quote{}, false, nil
	}
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("redis hget: %w", err)
	}

	var q models.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return models.Quote{}, false, fmt.Errorf("failed to decode quote: %w", err)
	}
	return q, true, nil
}

// Put stores q atomically via the compare script
func (s *RedisQuoteStore) Put(ctx context.Context, q models.Quote) (bool, error) {
	q.Symbol = strings.ToUpper(q.Symbol)
	data, err := json.Marshal(q)
	if err != nil {
		return false, fmt.Errorf("failed to encode quote: %w", err)
	}

	applied, err := putScript.Run(ctx, s.rdb,
		[]string{quoteKey(q.Symbol), symbolsKey},
		q.FetchedAt.UnixMicro(), data, q.Symbol).Int()
	if err != nil {
		return false, fmt.Errorf("redis put quote: %w", err)
	}
	return applied == 1, nil
}

// All returns every stored quote ordered by symbol
func (s *RedisQuoteStore) All(ctx context.Context) ([]models.Quote, error) {
	symbols, err := s.rdb.SMembers(ctx, symbolsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(symbols)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(symbols))
	for i, sym := range symbols {
		cmds[i] = pipe.HGet(ctx, quoteKey(sym), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	quotes := make([]models.Quote, 0, len(symbols))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis hget: %w", err)
		}
		var q models.Quote
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, fmt.Errorf("failed to decode quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}
