package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisDocumentStore's connection.
type RedisConfig struct {
	Address      string
	Username     string
	Password     string
	Database     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	PoolSize     int
}

type redisMetadata struct {
	IsPublic        bool     `json:"isPublic"`
	OwnerId         string   `json:"ownerId"`
	CollaboratorIds []string `json:"collaboratorIds"`
}

// RedisDocumentStore is the DocumentStore backing for production use:
// metadata lives as a JSON string under the "doc:{id}:meta" key,
// persisted CRDT snapshots under "doc:{id}:state".
type RedisDocumentStore struct {
	client *redis.Client
}

// NewRedisDocumentStore connects to Redis and verifies the connection
// with a ping before returning.
func NewRedisDocumentStore(cfg RedisConfig) (*RedisDocumentStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
	})

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "store: connect to redis")
	}

	return &RedisDocumentStore{client: client}, nil
}

func metaKey(documentId string) string  { return "doc:" + documentId + ":meta" }
func stateKey(documentId string) string { return "doc:" + documentId + ":state" }

// Metadata implements DocumentStore.
func (s *RedisDocumentStore) Metadata(ctx context.Context, documentId string) (Metadata, error) {
	raw, err := s.client.Get(ctx, metaKey(documentId)).Bytes()
	if err == redis.Nil {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, errors.Wrap(err, "store: get metadata")
	}
	var rm redisMetadata
	if err := json.Unmarshal(raw, &rm); err != nil {
		return Metadata{}, errors.Wrap(err, "store: unmarshal metadata")
	}
	return Metadata{
		Exists:          true,
		IsPublic:        rm.IsPublic,
		OwnerId:         rm.OwnerId,
		CollaboratorIds: rm.CollaboratorIds,
	}, nil
}

// LoadState implements DocumentStore.
func (s *RedisDocumentStore) LoadState(ctx context.Context, documentId string) ([]byte, error) {
	data, err := s.client.Get(ctx, stateKey(documentId)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: load state")
	}
	return data, nil
}

// SaveState implements DocumentStore.
func (s *RedisDocumentStore) SaveState(ctx context.Context, documentId string, data []byte) error {
	if err := s.client.Set(ctx, stateKey(documentId), data, 0).Err(); err != nil {
		return errors.Wrap(err, "store: save state")
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisDocumentStore) Close() error {
	return s.client.Close()
}
