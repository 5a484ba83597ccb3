package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"diagramcollab/internal/metrics"
	"diagramcollab/internal/models"
	"diagramcollab/internal/storage"
)

var (
	ErrInvalidRoomID = errors.New("invalid room id")
	// ErrRoomFileMismatch means the room id is already live for another file,
	// or the file is already live under another room id.
	ErrRoomFileMismatch = errors.New("room is bound to a different file")
)

// SeedLoader fetches the latest persisted document for a new room. It
// returns nil when the file has never been saved.
type SeedLoader func(ctx context.Context) ([]byte, error)

type RegistryOption func(*Registry)

// WithChangeHook is called after every user-originated mutation of a room. It
// runs under the room lock: it must not block on I/O or call back into
// methods of the room that lock it.
func WithChangeHook(fn func(*Room)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// WithCloseHook is called once a room closed and was evicted.
func WithCloseHook(fn func(*Room)) RegistryOption {
	return func(r *Registry) { r.onClosed = fn }
}

// Registry owns every live room. Creation is serialized per room id so two
// first connections racing for the same id share one seed load and one Room.
type Registry struct {
	newEngine EngineFactory
	log       *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Room
	files map[string]*Room
	group singleflight.Group

	onChange func(*Room)
	onClosed func(*Room)
}

func NewRegistry(factory EngineFactory, log *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		newEngine: factory,
		log:       log.Named("registry"),
		rooms:     make(map[string]*Room),
		files:     make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live room for roomID, building it from load when
// none exists. A closed room is never returned.
func (h *Registry) GetOrCreate(ctx context.Context, roomID, fileID string, load SeedLoader) (*Room, error) {
	key := storage.SanitizeKey(roomID)
	if key == "" {
		return nil, ErrInvalidRoomID
	}
	if room, err := h.live(key, fileID); room != nil || err != nil {
		return room, err
	}

	// Callers asking for another file must not share this load.
	v, err, _ := h.group.Do(key+"\x00"+fileID, func() (any, error) {
		if room, err := h.live(key, fileID); room != nil || err != nil {
			return room, err
		}
		// The load outlives the first caller so that waiters sharing it are
		// not failed by that caller hanging up.
		seed, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("load seed for %s: %w", key, err)
		}
		engine, err := h.newEngine(seed)
		if err != nil {
			return nil, fmt.Errorf("build engine for %s: %w", key, err)
		}
		room := newRoom(key, fileID, engine, h.log)
		room.onChange = h.onChange
		room.onClose = h.evict

		h.mu.Lock()
		defer h.mu.Unlock()
		if other, ok := h.rooms[key]; ok && !other.Closed() {
			if other.FileID() != fileID {
				return nil, ErrRoomFileMismatch
			}
			return other, nil
		}
		if other, ok := h.files[fileID]; ok && !other.Closed() {
			return nil, ErrRoomFileMismatch
		}
		h.rooms[key] = room
		h.files[fileID] = room
		metrics.LiveRooms.Inc()
		h.log.Info("room created", zap.String("room_id", key), zap.String("file_id", fileID), zap.Bool("seeded", seed != nil))
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	room := v.(*Room)
	if room.FileID() != fileID {
		return nil, ErrRoomFileMismatch
	}
	return room, nil
}

func (h *Registry) live(key, fileID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[key]
	if !ok || room.Closed() {
		return nil, nil
	}
	if room.FileID() != fileID {
		return nil, ErrRoomFileMismatch
	}
	return room, nil
}

// evict runs exactly once per room, when it reports closed. It only removes
// the map entries that still point at that room, so a successor created in
// the meantime stays registered.
func (h *Registry) evict(room *Room) {
	h.mu.Lock()
	if h.rooms[room.ID()] == room {
		delete(h.rooms, room.ID())
	}
	if h.files[room.FileID()] == room {
		delete(h.files, room.FileID())
	}
	h.mu.Unlock()

	metrics.LiveRooms.Dec()
	h.log.Info("room evicted", zap.String("room_id", room.ID()))
	if h.onClosed != nil {
		h.onClosed(room)
	}
}

// Get returns a live room without creating one.
func (h *Registry) Get(roomID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[storage.SanitizeKey(roomID)]
	if !ok || room.Closed() {
		return nil, false
	}
	return room, true
}

// Close disconnects every session of roomID and evicts the room.
func (h *Registry) Close(roomID string) {
	if room, ok := h.Get(roomID); ok {
		room.Close()
	}
}

// CloseFile retires the live room bound to fileID. Its sessions reconnect
// and go through authorization again.
func (h *Registry) CloseFile(fileID string) bool {
	h.mu.Lock()
	room, ok := h.files[fileID]
	h.mu.Unlock()
	if !ok || room.Closed() {
		return false
	}
	room.Close()
	return true
}

// CloseAll retires every live room, used on shutdown.
func (h *Registry) CloseAll() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
}

// Rooms lists live rooms ordered by id.
func (h *Registry) Rooms() []models.RoomInfo {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	out := make([]models.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, models.RoomInfo{RoomID: room.ID(), FileID: room.FileID(), Sessions: room.SessionCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
