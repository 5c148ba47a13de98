package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tanyarelay/pkg/types"
)

const (
	defaultSendBuffer   = 100
	defaultWriteTimeout = 5 * time.Second
)

// FrameWriter is the write half of a websocket. *websocket.Conn satisfies it;
// tests substitute a recorder.
type FrameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one live channel owned by the Registry.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every frame
// goes through writeCh and a single writer goroutine.
type Connection struct {
	id           string
	writer       FrameWriter
	writeCh      chan []byte
	writeTimeout time.Duration
	role         types.Role
	clientID     string
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	mu           sync.RWMutex // protects role and clientID
}

// NewConnection wraps a frame writer and starts its writer goroutine.
// Non-positive sizes fall back to a 100 frame buffer and a 5 second write timeout.
func NewConnection(writer FrameWriter, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		writer:       writer,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.writer.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.writer.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery without waiting for the peer. A full buffer
// means the peer is not reading; the frame is dropped with ErrSendBufferFull.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer and closes the underlying socket once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.writer != nil {
			err = c.writer.Close()
		}
	})
	return err
}

// Done is closed when the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ID returns the transport-assigned identity.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Role() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Identified reports whether an identify envelope has bound a role.
func (c *Connection) Identified() bool {
	return c.Role() != types.RoleNone
}

// setIdentity is only called by the Registry while it holds its own lock.
func (c *Connection) setIdentity(role types.Role, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
	c.clientID = clientID
}
