package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rafket/vscode-hub/internal/broadcast"
	"github.com/rafket/vscode-hub/internal/clock"
	"github.com/rafket/vscode-hub/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	DefaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	DefaultPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	DefaultPingPeriod = (DefaultPongWait * 9) / 10

	// Maximum message size allowed from peer.
	DefaultMaxMessageSize = 8192

	ctlDepth = 16
)

// Attachment is the session side of a connection. *session.Attachment
// implements it.
type Attachment interface {
	Frames() <-chan broadcast.Frame
	Done() <-chan struct{}
	Err() error
	Input(p []byte) error
	Resize(rows, cols uint16) error
	Detach()
}

// Options tunes a connection.
type Options struct {
	Codec          Codec
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64

	// InputRate limits input frames per second. Zero disables limiting.
	InputRate  float64
	InputBurst int

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = JSON
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.InputBurst <= 0 {
		o.InputBurst = 1
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn moves frames between one transport and one attachment. The read pump
// is the only caller of Input for the attachment; the write pump is the only
// writer on the transport.
type Conn struct {
	transport Transport
	att       Attachment
	opts      Options
	logger    *slog.Logger
	limiter   *rate.Limiter

	ctl       chan Message
	stop      chan struct{}
	closeOnce sync.Once

	// pending is the incomplete character at the end of the last output
	// frame. Only text codecs use it; owned by the write pump.
	pending []byte
}

// NewConn binds a transport to an attachment.
func NewConn(t Transport, att Attachment, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		transport: t,
		att:       att,
		opts:      opts,
		logger:    opts.Logger,
		ctl:       make(chan Message, ctlDepth),
		stop:      make(chan struct{}),
	}
	if opts.InputRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.InputRate), opts.InputBurst)
	}
	return c
}

// Serve runs the pumps until the peer disconnects, sends close, or the
// session ends. The attachment is detached and the transport closed on
// return.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()

	c.readPump(ctx)
	c.att.Detach()
	close(c.stop)
	<-writerDone
	c.close()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { c.transport.Close() })
}

// readPump decodes inbound frames until the transport fails or a close frame
// arrives.
func (c *Conn) readPump(ctx context.Context) {
	if ka, ok := c.transport.(keepalive); ok {
		ka.SetReadLimit(c.opts.MaxMessageSize)
		ka.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		ka.SetPongHandler(func(string) error {
			return ka.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		})
	}

	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", &model.TransportError{Op: "read", Err: err})
			}
			return
		}

		msg, err := c.opts.Codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping inbound frame", "error", err, "size", len(data))
			continue
		}

		switch msg.Type {
		case TypeInput:
			if len(msg.Data) == 0 {
				continue
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return
				}
			}
			if err := c.att.Input(msg.Data); err != nil {
				if errors.Is(err, model.ErrClosed) {
					return
				}
				c.logger.Warn("input failed", "error", err)
				c.sendCtl(Message{Type: TypeError, Error: err.Error()})
			}
		case TypeResize:
			if err := c.att.Resize(msg.Rows, msg.Cols); err != nil {
				if errors.Is(err, model.ErrClosed) {
					return
				}
				c.logger.Debug("resize rejected", "rows", msg.Rows, "cols", msg.Cols, "error", err)
				c.sendCtl(Message{Type: TypeError, Error: err.Error()})
			}
		case TypePing:
			c.sendCtl(Message{Type: TypePong})
		case TypeClose:
			return
		default:
			c.logger.Debug("ignoring server-bound frame", "type", msg.Type)
		}
	}
}

func (c *Conn) sendCtl(m Message) {
	select {
	case c.ctl <- m:
	default:
		c.logger.Warn("control queue full, dropping frame", "type", m.Type)
	}
}

// writePump owns the write side of the transport.
func (c *Conn) writePump(ctx context.Context) {
	defer c.close()

	var pings <-chan time.Time
	if _, ok := c.transport.(keepalive); ok {
		ticker := c.opts.Clock.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case f := <-c.att.Frames():
			if done := c.writeFrame(f); done {
				return
			}
		case m := <-c.ctl:
			if err := c.write(m); err != nil {
				return
			}
		case <-pings:
			if err := c.writeRaw(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.att.Done():
			c.drain()
			c.flushPending()
			if err := c.att.Err(); err != nil {
				c.write(Message{Type: TypeError, Error: err.Error()})
			}
			c.writeClose(websocket.CloseNormalClosure, "detached")
			return
		case <-c.stop:
			return
		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// drain writes frames queued before the subscription ended.
func (c *Conn) drain() {
	for {
		select {
		case f := <-c.att.Frames():
			if done := c.writeFrame(f); done {
				return
			}
		default:
			return
		}
	}
}

// writeFrame reports whether the connection is finished.
func (c *Conn) writeFrame(f broadcast.Frame) bool {
	switch f.Kind {
	case broadcast.FrameOutput:
		return c.writeOutput(f.Data) != nil
	case broadcast.FrameExit:
		if c.flushPending() != nil {
			return true
		}
		if err := c.write(Message{Type: TypeExit, Code: f.ExitCode}); err == nil {
			c.writeClose(websocket.CloseNormalClosure, "session ended")
		}
		return true
	}
	return false
}

// writeOutput sends data as an output frame. Text frames never end inside a
// character: the incomplete tail is prepended to the next output frame.
func (c *Conn) writeOutput(data []byte) error {
	if c.opts.Codec.MessageType() != websocket.TextMessage {
		return c.write(Message{Type: TypeOutput, Data: data})
	}
	if len(c.pending) > 0 {
		data = append(c.pending, data...)
		c.pending = nil
	}
	whole, rest := splitRune(data)
	if len(rest) > 0 {
		c.pending = append([]byte(nil), rest...)
	}
	if len(whole) == 0 {
		return nil
	}
	return c.write(Message{Type: TypeOutput, Data: whole})
}

// flushPending sends a held-back partial character as is. Called when no
// more output will follow.
func (c *Conn) flushPending() error {
	if len(c.pending) == 0 {
		return nil
	}
	data := c.pending
	c.pending = nil
	return c.write(Message{Type: TypeOutput, Data: data})
}

func (c *Conn) write(m Message) error {
	data, err := c.opts.Codec.Encode(m)
	if err != nil {
		c.logger.Error("failed to encode frame", "type", m.Type, "error", err)
		return nil
	}
	return c.writeRaw(c.opts.Codec.MessageType(), data)
}

func (c *Conn) writeRaw(messageType int, data []byte) error {
	if ka, ok := c.transport.(keepalive); ok {
		ka.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	}
	if err := c.transport.WriteMessage(messageType, data); err != nil {
		c.logger.Debug("websocket write failed", "error", &model.TransportError{Op: "write", Err: err})
		return err
	}
	return nil
}

func (c *Conn) writeClose(code int, text string) {
	c.writeRaw(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
