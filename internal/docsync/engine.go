// Package docsync is the record-store synchronization engine behind a room.
//
// A diagram document is a set of opaque JSON records keyed by id plus a
// clock that advances on every committed change. Clients push diffs; the
// engine commits them in arrival order and relays them to the other peers
// as patches.
package docsync

import (
	"encoding/json"
	"errors"
	"fmt"

	"diagramcollab/internal/session"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownMessage = errors.New("unknown message type")
)

const (
	TypeConnect       = "connect"
	TypePush          = "push"
	TypePushResult    = "push_result"
	TypePatch         = "patch"
	TypePresence      = "presence"
	TypePresenceLeave = "presence_leave"
	TypePing          = "ping"
	TypePong          = "pong"

	ActionCommit   = "commit"
	ActionRejected = "rejected"

	ReasonReadonly = "readonly"
	ReasonLocked   = "locked"
)

/*** Wire messages ***/

type Diff struct {
	Put    map[string]json.RawMessage `json:"put,omitempty"`
	Remove []string                   `json:"remove,omitempty"`
}

func (d Diff) Empty() bool { return len(d.Put) == 0 && len(d.Remove) == 0 }

type ConnectMsg struct {
	Type      string                     `json:"type"`
	SessionID string                     `json:"sessionId"`
	Clock     int64                      `json:"clock"`
	Readonly  bool                       `json:"readonly"`
	Records   map[string]json.RawMessage `json:"records"`
	Presence  map[string]json.RawMessage `json:"presence,omitempty"`
}

type PushResultMsg struct {
	Type        string `json:"type"`
	ClientClock int64  `json:"clientClock"`
	Action      string `json:"action"`
	Clock       int64  `json:"clock"`
	Reason      string `json:"reason,omitempty"`
}

type PatchMsg struct {
	Type  string `json:"type"`
	Clock int64  `json:"clock"`
	Diff  Diff   `json:"diff"`
}

type PresenceMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type controlMsg struct {
	Type string `json:"type"`
}

type inbound struct {
	Type        string          `json:"type"`
	ClientClock int64           `json:"clientClock"`
	Diff        Diff            `json:"diff"`
	Data        json.RawMessage `json:"data"`
}

// document is the persisted form.
type document struct {
	Clock   int64                      `json:"clock"`
	Records map[string]json.RawMessage `json:"records"`
}

// Engine implements session.Engine. The room serializes calls.
type Engine struct {
	clock    int64
	records  map[string]json.RawMessage
	presence map[string]json.RawMessage
}

var _ session.Engine = (*Engine)(nil)

// New builds an engine from a persisted snapshot, or an empty document when
// seed is nil.
func New(seed []byte) (session.Engine, error) {
	e := &Engine{
		records:  make(map[string]json.RawMessage),
		presence: make(map[string]json.RawMessage),
	}
	if len(seed) == 0 {
		return e, nil
	}
	var doc document
	if err := json.Unmarshal(seed, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	e.clock = doc.Clock
	for id, rec := range doc.Records {
		e.records[id] = rec
	}
	return e, nil
}

func (e *Engine) Join(p session.Peer) any {
	records := make(map[string]json.RawMessage, len(e.records))
	for id, rec := range e.records {
		records[id] = rec
	}
	var presence map[string]json.RawMessage
	if len(e.presence) > 0 {
		presence = make(map[string]json.RawMessage, len(e.presence))
		for id, data := range e.presence {
			presence[id] = data
		}
	}
	return ConnectMsg{
		Type:      TypeConnect,
		SessionID: p.SessionID,
		Clock:     e.clock,
		Readonly:  p.Readonly,
		Records:   records,
		Presence:  presence,
	}
}

func (e *Engine) Leave(p session.Peer) []any {
	delete(e.presence, p.SessionID)
	return []any{PresenceMsg{Type: TypePresenceLeave, SessionID: p.SessionID}}
}

func (e *Engine) Handle(p session.Peer, payload []byte) (session.Outcome, error) {
	var msg inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		return session.Outcome{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case TypePush:
		return e.push(p, msg.ClientClock, msg.Diff)
	case TypePresence:
		e.presence[p.SessionID] = msg.Data
		return session.Outcome{
			Broadcast: []any{PresenceMsg{Type: TypePresence, SessionID: p.SessionID, Data: msg.Data}},
		}, nil
	case TypePing:
		return session.Outcome{Reply: []any{controlMsg{Type: TypePong}}}, nil
	case "":
		return session.Outcome{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return session.Outcome{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (e *Engine) push(p session.Peer, clientClock int64, diff Diff) (session.Outcome, error) {
	reject := func(reason string) session.Outcome {
		return session.Outcome{Reply: []any{PushResultMsg{
			Type:        TypePushResult,
			ClientClock: clientClock,
			Action:      ActionRejected,
			Clock:       e.clock,
			Reason:      reason,
		}}}
	}
	switch {
	case p.Readonly:
		return reject(ReasonReadonly), nil
	case p.WriteLocked:
		return reject(ReasonLocked), nil
	}

	for id := range diff.Put {
		if id == "" {
			return session.Outcome{}, fmt.Errorf("%w: empty record id", ErrMalformed)
		}
	}

	applied := Diff{}
	for id, rec := range diff.Put {
		if applied.Put == nil {
			applied.Put = make(map[string]json.RawMessage, len(diff.Put))
		}
		e.records[id] = rec
		applied.Put[id] = rec
	}
	for _, id := range diff.Remove {
		if _, ok := e.records[id]; !ok {
			continue
		}
		delete(e.records, id)
		applied.Remove = append(applied.Remove, id)
	}

	if applied.Empty() {
		return session.Outcome{Reply: []any{PushResultMsg{
			Type:        TypePushResult,
			ClientClock: clientClock,
			Action:      ActionCommit,
			Clock:       e.clock,
		}}}, nil
	}

	e.clock++
	return session.Outcome{
		Reply: []any{PushResultMsg{
			Type:        TypePushResult,
			ClientClock: clientClock,
			Action:      ActionCommit,
			Clock:       e.clock,
		}},
		Broadcast: []any{PatchMsg{Type: TypePatch, Clock: e.clock, Diff: applied}},
		Mutated:   true,
	}, nil
}

func (e *Engine) Snapshot() ([]byte, error) {
	return json.Marshal(document{Clock: e.clock, Records: e.records})
}

// Clock is the number of committed changes so far.
func (e *Engine) Clock() int64 { return e.clock }
