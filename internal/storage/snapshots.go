package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshotStore keeps the latest document of each file in one hash with
// the write time alongside it.
type RedisSnapshotStore struct {
	rdb *redis.Client
}

func NewRedisSnapshotStore(rdb *redis.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: rdb}
}

// snapshotKey maps file ids to keys one-to-one. Ids that are already key-safe
// are used as is; anything else is encoded under a "~" prefix, which never
// appears in a key-safe id.
func snapshotKey(fileID string) string {
	if fileID != "" && SanitizeKey(fileID) == fileID {
		return "snapshot:" + fileID
	}
	return "snapshot:~" + base64.RawURLEncoding.EncodeToString([]byte(fileID))
}

func (s *RedisSnapshotStore) LoadLatest(ctx context.Context, fileID string) ([]byte, bool, error) {
	data, err := s.rdb.HGet(ctx, snapshotKey(fileID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, fileID string, data []byte) error {
	return s.rdb.HSet(ctx, snapshotKey(fileID), map[string]interface{}{
		"data":      data,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}
