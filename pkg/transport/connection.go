package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout doubles as the idle timeout: if no frame arrives within the
	// window the connection is closed.
	ReadTimeout time.Duration
	// SendQueueSize bounds the outbound queue. When full, the oldest queued
	// message is dropped so that Send never blocks the publisher.
	SendQueueSize int
	// OnOverflow is invoked once per dropped message.
	OnOverflow func()
}

// Connection represents a single, thread-safe WebSocket connection with a
// bounded drop-oldest outbound queue.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig

	send   chan []byte
	sendMu sync.Mutex

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}
	// Counted here, not in Run, so a connection closed before its pumps start
	// still balances the WaitGroup.
	wg.Add(1)

	return &Connection{
		id:        id,
		conn:      conn,
		config:    config,
		onMessage: onMessage,
		onClose:   onClose,
		send:      make(chan []byte, config.SendQueueSize),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		wg:        wg,
		logger:    logger.With(slog.String("connID", id.String())),
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			// Pass a connection-scoped context to the handler.
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump drains the outbound queue into the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// Send enqueues a message for delivery. It never blocks: if the queue is full
// the oldest queued message is dropped to make room. Sending on a closed
// connection is a no-op.
func (c *Connection) Send(message []byte) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for {
		select {
		case c.send <- message:
			return
		default:
		}
		// Queue full: drop the oldest entry and retry. The writer may have
		// drained it concurrently, in which case the pop misses and the
		// retry succeeds.
		select {
		case <-c.send:
			if c.config.OnOverflow != nil {
				c.config.OnOverflow()
			}
		default:
		}
	}
}

// Close gracefully shuts down the connection and its resources. Safe to call
// multiple times and to race against in-flight Sends.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}

// Queued reports how many messages are waiting in the outbound queue.
func (c *Connection) Queued() int {
	return len(c.send)
}
