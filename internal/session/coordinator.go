package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"diagramcollab/internal/authz"
	"diagramcollab/internal/metrics"
	"diagramcollab/internal/models"
)

// ConnState is where a connection is in its lifecycle.
type ConnState int

const (
	Connecting ConnState = iota
	Authorizing
	Admitted
	Attached
	Detached
	Rejected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authorizing:
		return "authorizing"
	case Admitted:
		return "admitted"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Params are the handshake values of one connection. UserID comes from the
// authentication layer, the rest from the query string.
type Params struct {
	SessionID string
	RoomID    string
	FileID    string
	UserID    string
}

func (p Params) complete() bool {
	return p.SessionID != "" && p.RoomID != "" && p.FileID != "" && p.UserID != ""
}

type Authorizer interface {
	Resolve(ctx context.Context, userID, fileID string) (models.AccessDecision, error)
}

// Snapshots is the persistence side the coordinator seeds rooms from.
type Snapshots interface {
	Load(ctx context.Context, fileID string) ([]byte, bool, error)
	// Flush writes any state still pending from a previous room of fileID.
	Flush(ctx context.Context, fileID string) error
}

const attachAttempts = 3

// Coordinator admits connections and glues them to rooms.
type Coordinator struct {
	auth      Authorizer
	registry  *Registry
	snapshots Snapshots
	log       *zap.Logger
}

func NewCoordinator(auth Authorizer, registry *Registry, snapshots Snapshots, log *zap.Logger) *Coordinator {
	return &Coordinator{auth: auth, registry: registry, snapshots: snapshots, log: log.Named("coordinator")}
}

// Serve drives one connection from admission to teardown and returns the
// terminal state. It blocks while the session is attached. Every failure is
// contained to this connection: the bridge is closed, nothing is sent.
func (c *Coordinator) Serve(ctx context.Context, p Params, b Bridge) (final ConnState) {
	log := c.log.With(
		zap.String("session_id", p.SessionID),
		zap.String("room_id", p.RoomID),
		zap.String("file_id", p.FileID),
		zap.String("user_id", p.UserID),
	)
	state := Connecting
	var (
		room *Room
		sess *Session
	)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("connection handler panicked", zap.Any("panic", rec), zap.Stringer("state", state))
			final = Rejected
			if sess != nil {
				room.DetachSession(sess)
				final = Detached
			}
			b.Close()
		}
	}()

	if !p.complete() {
		metrics.Admissions.WithLabelValues("missing_params").Inc()
		log.Info("rejecting connection with missing parameters")
		b.Close()
		return Rejected
	}

	state = Authorizing
	decision, err := c.auth.Resolve(ctx, p.UserID, p.FileID)
	if err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			metrics.Admissions.WithLabelValues("denied").Inc()
			log.Info("admission denied")
		} else {
			metrics.Admissions.WithLabelValues("error").Inc()
			log.Error("authorization lookup failed", zap.Error(err))
		}
		b.Close()
		return Rejected
	}

	state = Admitted
	room, sess, err = c.attach(ctx, p, decision, b)
	if err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		log.Error("failed to attach session", zap.Error(err))
		b.Close()
		return Rejected
	}
	metrics.Admissions.WithLabelValues("admitted").Inc()

	state = Attached
	b.OnMessage(func(payload []byte) {
		if err := room.HandleMessage(sess, payload); err != nil {
			log.Debug("message dropped", zap.Error(err))
		}
	})
	if err := b.Run(ctx); err != nil {
		log.Debug("transport failed", zap.Error(err))
	}

	state = Detached
	room.DetachSession(sess)
	b.Close()
	return Detached
}

func (c *Coordinator) attach(ctx context.Context, p Params, decision models.AccessDecision, b Bridge) (*Room, *Session, error) {
	opts := AttachOptions{
		UserID:      p.UserID,
		Readonly:    decision.Readonly(),
		WriteLocked: decision.WriteLocked(),
	}
	var lastErr error
	// A room can close between lookup and attach when its last session
	// leaves at that moment; the next lookup then builds a fresh one.
	for i := 0; i < attachAttempts; i++ {
		room, err := c.registry.GetOrCreate(ctx, p.RoomID, p.FileID, c.seedLoader(p.FileID))
		if err != nil {
			return nil, nil, err
		}
		sess, err := room.AttachSession(p.SessionID, b, opts)
		if err == nil {
			return room, sess, nil
		}
		if !errors.Is(err, ErrRoomClosed) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func (c *Coordinator) seedLoader(fileID string) SeedLoader {
	return func(ctx context.Context) ([]byte, error) {
		// A previous room of this file may still have a write pending.
		if err := c.snapshots.Flush(ctx, fileID); err != nil {
			c.log.Warn("flush before seed failed", zap.String("file_id", fileID), zap.Error(err))
		}
		data, ok, err := c.snapshots.Load(ctx, fileID)
		if err != nil {
			return nil, err
		}
		metrics.SeedLoads.Inc()
		if !ok {
			return nil, nil
		}
		return data, nil
	}
}
