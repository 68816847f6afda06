package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/chuckpreslar/emission"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"livecall/pkg/utils"
)

// Events emitted by a WebSocketConn.
const (
	EventMessage = "message" // func(message []byte)
	EventClose   = "close"   // func(code int, text string)
)

var (
	ErrConnClosed    = errors.New("websocket: write closed")
	ErrSendQueueFull = errors.New("websocket: send queue full")
)

// ConnOptions are the per-connection limits.
type ConnOptions struct {
	// A frame larger than this ends the session with 1009.
	MaxMessageBytes int64
	SendQueueSize   int
	// Zero disables the inbound rate limit. When set, a client that exceeds
	// it is disconnected with 1008 instead of losing messages silently.
	MessagesPerSecond float64
	MessageBurst      int
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
}

func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		MaxMessageBytes:   1 << 20,
		SendQueueSize:     256,
		MessagesPerSecond: 0,
		MessageBurst:      0,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
	}
}

// WebSocketConn is one client session. Inbound text frames are emitted as
// EventMessage one at a time, in arrival order; EventClose is emitted exactly
// once when the session ends, whichever side ends it.
type WebSocketConn struct {
	*emission.Emitter
	id      string
	socket  *websocket.Conn
	opts    ConnOptions
	limiter *rate.Limiter

	mutex     sync.Mutex
	closed    bool
	closeCode int
	closeText string
	send      chan []byte
	done      chan struct{}

	closeOnce sync.Once
}

func NewWebSocketConn(socket *websocket.Conn, opts ConnOptions) *WebSocketConn {
	conn := &WebSocketConn{
		Emitter: emission.NewEmitter(),
		id:      uuid.NewString(),
		socket:  socket,
		opts:    opts,
		send:    make(chan []byte, opts.SendQueueSize),
		done:    make(chan struct{}),
	}
	if opts.MessagesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.MessageBurst)
	}
	// A panicking listener must only cost the message it was handling.
	conn.RecoverWith(func(event interface{}, listener interface{}, err error) {
		utils.Logger().Error().Err(err).Str("conn", conn.id).Interface("event", event).Msg("listener panicked")
	})
	conn.socket.SetCloseHandler(func(code int, text string) error {
		utils.DebugF("[%s] peer closed: %s [%d]", conn.id, text, code)
		conn.emitClose(code, text)
		message := websocket.FormatCloseMessage(code, "")
		_ = conn.socket.WriteControl(websocket.CloseMessage, message, time.Now().Add(opts.WriteWait))
		return nil
	})
	return conn
}

func (conn *WebSocketConn) ID() string {
	return conn.id
}

func (conn *WebSocketConn) String() string {
	return conn.id
}

func (conn *WebSocketConn) RemoteAddr() net.Addr {
	return conn.socket.RemoteAddr()
}

// Send queues message for delivery without waiting for the socket. A slow
// peer fills its own queue and loses messages; it never blocks the caller.
func (conn *WebSocketConn) Send(message []byte) error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.closed {
		return ErrConnClosed
	}
	select {
	case conn.send <- message:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close ends the session. It is safe to call more than once and from any
// goroutine.
func (conn *WebSocketConn) Close() error {
	conn.closeWith(websocket.CloseNormalClosure, "closed by server")
	return nil
}

// closeWith ends the session; queued messages are flushed before the close
// frame carrying code and text.
func (conn *WebSocketConn) closeWith(code int, text string) {
	conn.mutex.Lock()
	if conn.closed {
		conn.mutex.Unlock()
		return
	}
	conn.closed = true
	conn.closeCode, conn.closeText = code, text
	close(conn.send)
	conn.mutex.Unlock()

	conn.emitClose(code, text)
}

func (conn *WebSocketConn) isClosed() bool {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.closed
}

func (conn *WebSocketConn) emitClose(code int, text string) {
	conn.closeOnce.Do(func() {
		conn.Emit(EventClose, code, text)
	})
}

// ReadMessage runs the session until the peer goes away or Close is called.
// It blocks; the caller is expected to have subscribed to the events first.
func (conn *WebSocketConn) ReadMessage() {
	go conn.writePump()
	defer func() {
		_ = conn.Close()
		<-conn.done
	}()

	c := conn.socket
	c.SetReadLimit(conn.opts.MaxMessageBytes)
	_ = c.SetReadDeadline(time.Now().Add(conn.opts.PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(conn.opts.PongWait))
	})

	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			conn.readFailed(err)
			return
		}
		if messageType != websocket.TextMessage {
			utils.WarnF("[%s] dropping non-text frame (type %d)", conn.id, messageType)
			continue
		}
		if conn.limiter != nil && !conn.limiter.Allow() {
			utils.WarnF("[%s] rate limit exceeded, closing session", conn.id)
			conn.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		utils.DebugF("[%s] received: %s", conn.id, message)
		conn.Emit(EventMessage, message)
	}
}

func (conn *WebSocketConn) readFailed(err error) {
	var closeErr *websocket.CloseError
	var opErr *net.OpError
	if conn.isClosed() {
		utils.DebugF("[%s] read ended after close: %v", conn.id, err)
		conn.emitClose(websocket.CloseNormalClosure, "closed by server")
		return
	}
	switch {
	case errors.As(err, &closeErr):
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			utils.WarnF("[%s] read: %v", conn.id, err)
		}
		conn.emitClose(closeErr.Code, closeErr.Text)
	case errors.As(err, &opErr):
		utils.WarnF("[%s] read: %v", conn.id, err)
		conn.emitClose(websocket.CloseGoingAway, opErr.Error())
	default:
		utils.WarnF("[%s] read: %v", conn.id, err)
		conn.emitClose(websocket.CloseAbnormalClosure, err.Error())
	}
}

// writePump is the only writer of data frames on the socket.
func (conn *WebSocketConn) writePump() {
	c := conn.socket
	pingTicker := time.NewTicker(conn.opts.PingPeriod)
	defer func() {
		pingTicker.Stop()
		// Closing the socket unblocks a reader still waiting on the peer.
		_ = c.Close()
		close(conn.done)
	}()

	for {
		select {
		case message, ok := <-conn.send:
			_ = c.SetWriteDeadline(time.Now().Add(conn.opts.WriteWait))
			if !ok {
				// closeCode is set before the queue is closed.
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(conn.closeCode, conn.closeText))
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
				utils.WarnF("[%s] write: %v", conn.id, err)
				conn.drain()
				return
			}
		case <-pingTicker.C:
			_ = c.SetWriteDeadline(time.Now().Add(conn.opts.WriteWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.drain()
				return
			}
		}
	}
}

// drain discards queued messages until the queue is closed.
func (conn *WebSocketConn) drain() {
	go func() {
		for range conn.send {
		}
	}()
}
