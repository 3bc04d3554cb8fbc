package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"modelrouter/internal/core"

	"github.com/redis/go-redis/v9"
)

const (
	catalogRedisPrefix = "modelrouter:catalog:"
)

// registerScript inserts a model hash and appends it to the order list unless it exists.
var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'model_id', ARGV[1], 'provider', ARGV[2], 'category', ARGV[3], 'rating', ARGV[4],
  'total_requests', ARGV[5], 'total_response_time', ARGV[6])
if ARGV[7] ~= '' then
  redis.call('HSET', KEYS[1], 'average_response_time', ARGV[7])
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// recordLatencyScript applies one latency sample atomically and returns the updated hash.
var recordLatencyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local n = redis.call('HINCRBY', KEYS[1], 'total_requests', 1)
local total = tonumber(redis.call('HINCRBYFLOAT', KEYS[1], 'total_response_time', ARGV[1]))
redis.call('HSET', KEYS[1], 'average_response_time', string.format('%.17g', total / n))
return redis.call('HGETALL', KEYS[1])
`)

// RedisCatalog stores one hash per model plus a list preserving catalog order.
type RedisCatalog struct {
	client *redis.Client
	prefix string
}

// RedisCatalogConfig Redis catalog config
type RedisCatalogConfig struct {
	URL    string
	Prefix string
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisCatalog connects to Redis and returns the catalog.
func NewRedisCatalog(ctx context.Context, config RedisCatalogConfig) (*RedisCatalog, error) {
	client, err := NewRedisClient(ctx, config.URL)
	if err != nil {
		return nil, err
	}
	return NewRedisCatalogWithClient(client, config.Prefix), nil
}

// NewRedisCatalogWithClient wraps an existing client.
func NewRedisCatalogWithClient(client *redis.Client, prefix string) *RedisCatalog {
	if prefix == "" {
		prefix = catalogRedisPrefix
	}
	return &RedisCatalog{client: client, prefix: prefix}
}

func (rc *RedisCatalog) modelKey(modelID string) string {
	return rc.prefix + "model:" + modelID
}

func (rc *RedisCatalog) orderKey() string {
	return rc.prefix + "order"
}

// Get returns the record for modelID.
func (rc *RedisCatalog) Get(ctx context.Context, modelID string) (*core.ModelRecord, error) {
	fields, err := rc.client.HGetAll(ctx, rc.modelKey(modelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownModel, modelID)
	}
	return decodeRecordHash(fields)
}

// List returns all records in catalog order.
func (rc *RedisCatalog) List(ctx context.Context) ([]core.ModelRecord, error) {
	ids, err := rc.client.LRange(ctx, rc.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load catalog order: %w", err)
	}
	if len(ids) == 0 {
		return []core.ModelRecord{}, nil
	}

	pipe := rc.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, rc.modelKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	out := make([]core.ModelRecord, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecordHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Register inserts record unless its id already exists.
func (rc *RedisCatalog) Register(ctx context.Context, record core.ModelRecord) (bool, error) {
	if err := validateRecord(record); err != nil {
		return false, err
	}

	avg := ""
	if record.AverageResponseTime != nil {
		avg = formatFloat(*record.AverageResponseTime)
	}

	created, err := registerScript.Run(ctx, rc.client,
		[]string{rc.modelKey(record.ModelID), rc.orderKey()},
		record.ModelID, record.Provider, string(record.Category), record.Rating,
		record.TotalRequests, formatFloat(record.TotalResponseTime), avg,
	).Int()
	if err != nil {
		return false, fmt.Errorf("register model %s: %w", record.ModelID, err)
	}
	return created == 1, nil
}

// RecordLatency applies the sample inside a single Lua script, so concurrent updates serialize per model.
func (rc *RedisCatalog) RecordLatency(ctx context.Context, modelID string, seconds float64) (*core.ModelRecord, error) {
	if err := validateSample(seconds); err != nil {
		return nil, err
	}

	raw, err := recordLatencyScript.Run(ctx, rc.client, []string{rc.modelKey(modelID)}, formatFloat(seconds)).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownModel, modelID)
		}
		return nil, fmt.Errorf("record latency for %s: %w", modelID, err)
	}

	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		fields[raw[i]] = raw[i+1]
	}
	return decodeRecordHash(fields)
}

// Close closes the Redis client.
func (rc *RedisCatalog) Close() error {
	return rc.client.Close()
}

func decodeRecordHash(fields map[string]string) (*core.ModelRecord, error) {
	rec := &core.ModelRecord{
		ModelID:  fields["model_id"],
		Provider: fields["provider"],
		Category: core.Category(fields["category"]),
	}

	var err error
	if v := fields["rating"]; v != "" {
		if rec.Rating, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("model %s: bad rating %q", rec.ModelID, v)
		}
	}
	if v := fields["total_requests"]; v != "" {
		if rec.TotalRequests, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("model %s: bad total_requests %q", rec.ModelID, v)
		}
	}
	if v := fields["total_response_time"]; v != "" {
		if rec.TotalResponseTime, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("model %s: bad total_response_time %q", rec.ModelID, v)
		}
	}
	if v := fields["average_response_time"]; v != "" {
		avg, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("model %s: bad average_response_time %q", rec.ModelID, v)
		}
		rec.AverageResponseTime = &avg
	}
	return rec, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
