package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrInvalidID     = errors.New("invalid asset id")
)

// AssetStore holds binary attachments referenced from diagrams, addressed by
// an opaque content id.
type AssetStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAssetStore creates a store. A zero ttl keeps assets forever.
func NewAssetStore(rdb *redis.Client, ttl time.Duration) *AssetStore {
	return &AssetStore{rdb: rdb, ttl: ttl}
}

func assetKey(id string) (string, error) {
	clean := SanitizeKey(id)
	if clean == "" || clean != id {
		return "", ErrInvalidID
	}
	return "asset:" + clean, nil
}

func (s *AssetStore) Store(ctx context.Context, id string, data []byte) error {
	key, err := assetKey(id)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, s.ttl).Err()
}

func (s *AssetStore) Load(ctx context.Context, id string) ([]byte, error) {
	key, err := assetKey(id)
	if err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
