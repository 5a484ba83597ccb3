package docsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagramcollab/internal/session"
)

var (
	editor = session.Peer{SessionID: "s1", UserID: "U1"}
	viewer = session.Peer{SessionID: "s2", UserID: "U2", Readonly: true}
	locked = session.Peer{SessionID: "s3", UserID: "U3", WriteLocked: true}
)

func newEngine(t *testing.T, seed []byte) *Engine {
	t.Helper()
	e, err := New(seed)
	require.NoError(t, err)
	return e.(*Engine)
}

func push(t *testing.T, e *Engine, p session.Peer, frame string) session.Outcome {
	t.Helper()
	out, err := e.Handle(p, []byte(frame))
	require.NoError(t, err)
	return out
}

func TestNewFromNilSeed(t *testing.T) {
	e := newEngine(t, nil)
	assert.Zero(t, e.Clock())

	data, err := e.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, `{"clock":0,"records":{}}`, string(data))
}

func TestNewRejectsCorruptSeed(t *testing.T) {
	_, err := New([]byte("{not json"))
	assert.Error(t, err)
}

func TestJoinSendsCurrentDocument(t *testing.T) {
	e := newEngine(t, []byte(`{"clock":4,"records":{"shape:1":{"x":1}}}`))

	msg, ok := e.Join(viewer).(ConnectMsg)
	require.True(t, ok)
	assert.Equal(t, TypeConnect, msg.Type)
	assert.Equal(t, "s2", msg.SessionID)
	assert.EqualValues(t, 4, msg.Clock)
	assert.True(t, msg.Readonly)
	assert.JSONEq(t, `{"x":1}`, string(msg.Records["shape:1"]))

	// The handshake is a copy; later commits must not leak into it.
	push(t, e, editor, `{"type":"push","clientClock":1,"diff":{"put":{"shape:2":{"y":2}}}}`)
	assert.Len(t, msg.Records, 1)
}

func TestPushCommitsAndRelays(t *testing.T) {
	e := newEngine(t, nil)

	out := push(t, e, editor, `{"type":"push","clientClock":7,"diff":{"put":{"shape:1":{"x":1}}}}`)
	assert.True(t, out.Mutated)
	require.Len(t, out.Reply, 1)
	assert.Equal(t, PushResultMsg{Type: TypePushResult, ClientClock: 7, Action: ActionCommit, Clock: 1}, out.Reply[0])
	require.Len(t, out.Broadcast, 1)
	patch := out.Broadcast[0].(PatchMsg)
	assert.EqualValues(t, 1, patch.Clock)
	assert.Contains(t, patch.Diff.Put, "shape:1")

	out = push(t, e, editor, `{"type":"push","clientClock":8,"diff":{"remove":["shape:1","missing"]}}`)
	assert.True(t, out.Mutated)
	patch = out.Broadcast[0].(PatchMsg)
	assert.Equal(t, []string{"shape:1"}, patch.Diff.Remove)

	data, err := e.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, `{"clock":2,"records":{}}`, string(data))
}

func TestEmptyPushIsNotAMutation(t *testing.T) {
	e := newEngine(t, nil)

	out := push(t, e, editor, `{"type":"push","clientClock":1,"diff":{"remove":["ghost"]}}`)
	assert.False(t, out.Mutated)
	assert.Empty(t, out.Broadcast)
	assert.Equal(t, ActionCommit, out.Reply[0].(PushResultMsg).Action)
	assert.Zero(t, e.Clock())
}

func TestPushRejectedForReadonlyAndLocked(t *testing.T) {
	e := newEngine(t, nil)
	frame := `{"type":"push","clientClock":3,"diff":{"put":{"a":{}}}}`

	for peer, reason := range map[session.Peer]string{viewer: ReasonReadonly, locked: ReasonLocked} {
		out := push(t, e, peer, frame)
		assert.False(t, out.Mutated)
		assert.Empty(t, out.Broadcast)
		res := out.Reply[0].(PushResultMsg)
		assert.Equal(t, ActionRejected, res.Action)
		assert.Equal(t, reason, res.Reason)
		assert.EqualValues(t, 3, res.ClientClock)
	}
	assert.Zero(t, e.Clock())
}

func TestPresenceRelayedButNotPersisted(t *testing.T) {
	e := newEngine(t, nil)

	out := push(t, e, viewer, `{"type":"presence","data":{"cursor":[1,2]}}`)
	assert.False(t, out.Mutated)
	require.Len(t, out.Broadcast, 1)
	presence := out.Broadcast[0].(PresenceMsg)
	assert.Equal(t, "s2", presence.SessionID)
	assert.JSONEq(t, `{"cursor":[1,2]}`, string(presence.Data))

	joined := e.Join(editor).(ConnectMsg)
	assert.Contains(t, joined.Presence, "s2")

	left := e.Leave(viewer)
	assert.Equal(t, []any{PresenceMsg{Type: TypePresenceLeave, SessionID: "s2"}}, left)
	assert.Empty(t, e.Join(editor).(ConnectMsg).Presence)

	data, err := e.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "cursor")
}

func TestPingPong(t *testing.T) {
	e := newEngine(t, nil)
	out := push(t, e, viewer, `{"type":"ping"}`)

	raw, err := json.Marshal(out.Reply[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(raw))
}

func TestMalformedFrames(t *testing.T) {
	e := newEngine(t, nil)

	_, err := e.Handle(editor, []byte("not json"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = e.Handle(editor, []byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = e.Handle(editor, []byte(`{"type":"explode"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)
	_, err = e.Handle(editor, []byte(`{"type":"push","diff":{"put":{"":{}}}}`))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, e.Clock())
}

func TestSnapshotRoundTripsThroughNew(t *testing.T) {
	e := newEngine(t, nil)
	push(t, e, editor, `{"type":"push","clientClock":1,"diff":{"put":{"a":{"v":1},"b":{"v":2}}}}`)

	data, err := e.Snapshot()
	require.NoError(t, err)
	restored := newEngine(t, data)
	assert.Equal(t, e.Clock(), restored.Clock())
	assert.Len(t, restored.Join(editor).(ConnectMsg).Records, 2)
}
