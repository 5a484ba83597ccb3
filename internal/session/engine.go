package session

// Peer is the engine's view of one attached session.
type Peer struct {
	SessionID string
	UserID    string
	Readonly  bool
	// WriteLocked is set when the file is locked and the user is not its owner.
	WriteLocked bool
}

// Outcome tells the room what to deliver after the engine handled a message.
type Outcome struct {
	// Reply goes to the sending session only.
	Reply []any
	// Broadcast goes to every other session in the room, in order.
	Broadcast []any
	// Mutated marks a user-originated document change worth persisting.
	Mutated bool
}

// Engine is the synchronization engine that owns a room's document. The room
// serializes every call, so implementations need no locking of their own.
type Engine interface {
	// Join returns the handshake message for a newly attached session.
	Join(p Peer) any
	// Leave returns messages to broadcast to the remaining sessions.
	Leave(p Peer) []any
	Handle(p Peer, payload []byte) (Outcome, error)
	Snapshot() ([]byte, error)
}

// EngineFactory builds an engine from a persisted snapshot; seed is nil for a
// file that was never saved.
type EngineFactory func(seed []byte) (Engine, error)
