package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modelrouter/internal/core"
	"modelrouter/internal/util"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	statsRedisKey  = "modelrouter:stats"
	statsOpTimeout = 5 * time.Second
)

// decodeStats parses a saved snapshot. A nil history decodes as empty.
func decodeStats(data []byte) (*core.RequestStats, error) {
	var stats core.RequestStats
	if err := sonic.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	if stats.RequestHistory == nil {
		stats.RequestHistory = []core.RequestRecord{}
	}
	return &stats, nil
}

func emptyStats() *core.RequestStats {
	return &core.RequestStats{RequestHistory: []core.RequestRecord{}}
}

// FileStorage keeps the stats snapshot in a JSON file.
type FileStorage struct {
	filePath string
}

// NewFileStorage creates stats storage at filePath.
func NewFileStorage(filePath string) *FileStorage {
	if filePath == "" {
		filePath = core.StatsFilePath
	}
	return &FileStorage{filePath: filePath}
}

// SaveStats writes through a temp file so readers never see a partial snapshot.
func (fs *FileStorage) SaveStats(stats *core.RequestStats) error {
	data, err := sonic.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, core.FilePermissionReadWrite); err != nil {
		return err
	}
	return os.Rename(tmp, fs.filePath)
}

func (fs *FileStorage) LoadStats() (*core.RequestStats, error) {
	data, err := os.ReadFile(filepath.Clean(fs.filePath))
	if errors.Is(err, os.ErrNotExist) {
		return emptyStats(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeStats(data)
}

func (fs *FileStorage) Close() error {
	return nil
}

// RedisStorage keeps the stats snapshot under a single Redis key.
type RedisStorage struct {
	client *redis.Client
	key    string
}

// RedisStorageConfig Redis storage config
type RedisStorageConfig struct {
	URL string
	Key string
}

// NewRedisStorage connects to config.URL and verifies the connection.
func NewRedisStorage(ctx context.Context, config RedisStorageConfig) (*RedisStorage, error) {
	client, err := NewRedisClient(ctx, config.URL)
	if err != nil {
		return nil, err
	}
	return NewRedisStorageWithClient(client, config.Key), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, key string) *RedisStorage {
	if key == "" {
		key = statsRedisKey
	}
	return &RedisStorage{client: client, key: key}
}

func (rs *RedisStorage) SaveStats(stats *core.RequestStats) error {
	data, err := util.MarshalJSON(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), statsOpTimeout)
	defer cancel()
	return rs.client.Set(ctx, rs.key, data, 0).Err()
}

func (rs *RedisStorage) LoadStats() (*core.RequestStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), statsOpTimeout)
	defer cancel()

	data, err := rs.client.Get(ctx, rs.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return emptyStats(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeStats(data)
}

func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}

// InitStorage picks Redis when configured and reachable, otherwise the stats file.
func InitStorage(opts Options, logger core.Logger) (core.StorageInterface, error) {
	if opts.RedisURL == "" {
		logger.Info("Using file stats storage")
		return NewFileStorage(opts.StatsFile), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), statsOpTimeout)
	defer cancel()
	rs, err := NewRedisStorage(ctx, RedisStorageConfig{URL: opts.RedisURL, Key: statsRedisKey})
	if err != nil {
		logger.Warn("Redis stats storage unavailable (%v), falling back to file storage", err)
		return NewFileStorage(opts.StatsFile), nil
	}
	logger.Info("Using Redis stats storage")
	return rs, nil
}
