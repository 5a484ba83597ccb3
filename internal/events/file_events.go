// Package events listens for access changes published by the dashboard
// service and retires the live rooms they affect.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const Channel = "file_events"

type Kind string

const (
	KindLocked        Kind = "locked"
	KindUnlocked      Kind = "unlocked"
	KindAccessChanged Kind = "access_changed"
	KindDeleted       Kind = "deleted"
	KindMoved         Kind = "moved"
)

// FileEvent is published whenever a fact the authorization filter reads
// changes for a file.
type FileEvent struct {
	FileID string `json:"fileId"`
	Kind   Kind   `json:"kind"`
}

type RoomCloser interface {
	CloseFile(fileID string) bool
}

type Subscriber struct {
	rdb   *redis.Client
	rooms RoomCloser
	log   *zap.Logger
	ready chan struct{}
}

func NewSubscriber(rdb *redis.Client, rooms RoomCloser, log *zap.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, rooms: rooms, log: log.Named("events"), ready: make(chan struct{})}
}

// Ready is closed once the subscription is confirmed by the server.
func (s *Subscriber) Ready() <-chan struct{} { return s.ready }

// Run consumes events until ctx is cancelled. Every event closes the file's
// room, so its sessions are admitted again under the new facts.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	close(s.ready)
	s.log.Info("subscribed to file events", zap.String("channel", Channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *Subscriber) handle(payload string) {
	var event FileEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil || event.FileID == "" {
		s.log.Warn("ignoring malformed file event", zap.String("payload", payload), zap.Error(err))
		return
	}
	if s.rooms.CloseFile(event.FileID) {
		s.log.Info("room retired after access change", zap.String("file_id", event.FileID), zap.String("kind", string(event.Kind)))
	}
}

// Publish announces an access change. The dashboard service owns the write
// side; this helper exists for tooling and tests.
func Publish(ctx context.Context, rdb *redis.Client, event FileEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, Channel, data).Err()
}
