package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Transport is the capability a room needs from a session's connection.
type Transport interface {
	// Send encodes msg for the wire. It is a no-op once the transport closed.
	Send(msg any)
	// Close is idempotent.
	Close()
	State() State
}

// Bridge is a Transport that also delivers inbound payloads.
type Bridge interface {
	Transport
	// OnMessage installs the inbound hook. Must be called before Run.
	OnMessage(fn func(payload []byte))
	// Run pumps the connection until it closes or ctx is cancelled.
	Run(ctx context.Context) error
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 256
)

var ErrSlowConsumer = errors.New("outbound queue full")

// WSBridge adapts a gorilla websocket connection. Outbound messages are JSON
// text frames queued to a single writer goroutine, so a slow client never
// stalls the room that broadcasts to it.
type WSBridge struct {
	conn *websocket.Conn
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	hook      func(any)
	onMessage func([]byte)
}

func NewWSBridge(conn *websocket.Conn, log *zap.Logger) *WSBridge {
	return &WSBridge{
		conn: conn,
		log:  log,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// SetSendHook replaces the websocket sender (used in tests).
func (b *WSBridge) SetSendHook(fn func(any)) {
	b.mu.Lock()
	b.hook = fn
	b.mu.Unlock()
}

func (b *WSBridge) OnMessage(fn func([]byte)) {
	b.mu.Lock()
	b.onMessage = fn
	b.mu.Unlock()
}

func (b *WSBridge) State() State {
	select {
	case <-b.done:
		return StateClosed
	default:
		return StateOpen
	}
}

func (b *WSBridge) Send(msg any) {
	if b.State() == StateClosed {
		return
	}
	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		hook(msg)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn("dropping unencodable message", zap.Error(err))
		return
	}
	select {
	case b.send <- data:
	case <-b.done:
	default:
		b.log.Warn("closing slow consumer", zap.Error(ErrSlowConsumer))
		b.Close()
	}
}

func (b *WSBridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.conn == nil {
			return
		}
		// The close handshake may wait on the network; State already
		// reports closed, so callers holding room locks return at once.
		go func() {
			_ = b.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = b.conn.Close()
		}()
	})
}

func (b *WSBridge) Run(ctx context.Context) error {
	if b.conn == nil {
		select {
		case <-ctx.Done():
			b.Close()
		case <-b.done:
		}
		return nil
	}
	go b.writePump()
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-b.done:
		}
	}()
	return b.readPump()
}

func (b *WSBridge) readPump() error {
	defer b.Close()
	b.conn.SetReadLimit(maxMessageSize)
	_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || b.State() == StateClosed {
				return nil
			}
			return err
		}
		b.mu.Lock()
		fn := b.onMessage
		b.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	}
}

func (b *WSBridge) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-b.send:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.log.Debug("write failed", zap.Error(err))
				b.Close()
				return
			}
		case <-ticker.C:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.Close()
				return
			}
		case <-b.done:
			return
		}
	}
}
