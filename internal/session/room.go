package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"diagramcollab/internal/metrics"
)

var (
	ErrRoomClosed     = errors.New("room closed")
	ErrUnknownSession = errors.New("session not attached")
)

// Session is one connection's membership in a room. Handles are compared by
// identity, so a stale handle from a replaced connection is rejected even if
// a newer connection reuses the session id.
type Session struct {
	peer      Peer
	transport Transport
}

func (s *Session) ID() string { return s.peer.SessionID }

func (s *Session) UserID() string { return s.peer.UserID }

func (s *Session) Readonly() bool { return s.peer.Readonly }

func (s *Session) Transport() Transport { return s.transport }

// AttachOptions carries the access level resolved for the connection.
type AttachOptions struct {
	UserID      string
	Readonly    bool
	WriteLocked bool
}

// Room holds the authoritative document of one roomId and its sessions.
// Every engine call happens under mu, which makes the engine single-threaded.
type Room struct {
	id     string
	fileID string
	log    *zap.Logger

	mu       sync.Mutex
	engine   Engine
	sessions map[string]*Session

	closed   atomic.Bool
	onChange func(*Room)
	onClose  func(*Room)
}

func newRoom(id, fileID string, engine Engine, log *zap.Logger) *Room {
	return &Room{
		id:       id,
		fileID:   fileID,
		engine:   engine,
		sessions: make(map[string]*Session),
		log:      log.With(zap.String("room_id", id), zap.String("file_id", fileID)),
	}
}

func (r *Room) ID() string     { return r.id }
func (r *Room) FileID() string { return r.fileID }

// Closed is safe to call without holding any room lock.
func (r *Room) Closed() bool { return r.closed.Load() }

func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot serializes the current document.
func (r *Room) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Snapshot()
}

// AttachSession adds a session and sends it the engine's handshake. A
// session id that is already attached is taken over: the old connection is
// closed and its handle stops working.
func (r *Room) AttachSession(sessionID string, t Transport, opts AttachOptions) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil, ErrRoomClosed
	}

	if old, ok := r.sessions[sessionID]; ok {
		r.log.Info("session reconnected, replacing", zap.String("session_id", sessionID))
		delete(r.sessions, sessionID)
		old.transport.Close()
		r.broadcastLocked(sessionID, r.engine.Leave(old.peer)...)
		metrics.LiveSessions.Dec()
	}

	sess := &Session{
		peer: Peer{
			SessionID:   sessionID,
			UserID:      opts.UserID,
			Readonly:    opts.Readonly,
			WriteLocked: opts.WriteLocked,
		},
		transport: t,
	}
	r.sessions[sessionID] = sess
	metrics.LiveSessions.Inc()
	t.Send(r.engine.Join(sess.peer))

	r.log.Info("session attached",
		zap.String("session_id", sessionID),
		zap.String("user_id", opts.UserID),
		zap.Bool("readonly", opts.Readonly),
		zap.Int("sessions", len(r.sessions)),
	)
	return sess, nil
}

// HandleMessage is the only entry point that mutates the document. The change
// hook runs under the room lock, so a Close racing this call only proceeds
// once the mutation has been reported.
func (r *Room) HandleMessage(sess *Session, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.ID()] != sess {
		return ErrUnknownSession
	}
	out, err := r.engine.Handle(sess.peer, payload)
	if err != nil {
		return fmt.Errorf("session %s: %w", sess.ID(), err)
	}
	for _, msg := range out.Reply {
		sess.transport.Send(msg)
	}
	r.broadcastLocked(sess.ID(), out.Broadcast...)
	if out.Mutated && r.onChange != nil {
		r.onChange(r)
	}
	return nil
}

// DetachSession removes sess. When the last session leaves, the room closes
// and the close hook runs before DetachSession returns.
func (r *Room) DetachSession(sess *Session) {
	r.mu.Lock()
	if r.sessions[sess.ID()] != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ID())
	metrics.LiveSessions.Dec()
	r.broadcastLocked(sess.ID(), r.engine.Leave(sess.peer)...)
	remaining := len(r.sessions)
	closing := remaining == 0 && !r.closed.Load()
	if closing {
		r.closed.Store(true)
	}
	r.mu.Unlock()

	sess.transport.Close()
	r.log.Info("session detached", zap.String("session_id", sess.ID()), zap.Int("sessions", remaining))
	if closing {
		r.finish()
	}
}

// Close disconnects every session and retires the room.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return
	}
	r.closed.Store(true)
	sessions := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		sessions = append(sessions, sess)
		delete(r.sessions, id)
	}
	metrics.LiveSessions.Sub(float64(len(sessions)))
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.transport.Close()
	}
	r.finish()
}

func (r *Room) finish() {
	r.log.Info("room closed")
	if r.onClose != nil {
		r.onClose(r)
	}
}

// broadcastLocked sends msgs to every open session except the sender.
func (r *Room) broadcastLocked(senderID string, msgs ...any) {
	if len(msgs) == 0 {
		return
	}
	for id, sess := range r.sessions {
		if id == senderID || sess.transport.State() != StateOpen {
			continue
		}
		for _, msg := range msgs {
			sess.transport.Send(msg)
		}
	}
}
