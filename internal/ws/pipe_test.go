package ws

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wireMessage struct {
	kind int
	data []byte
}

// pipe is an in-memory Transport. The test plays the client through send and
// next.
type pipe struct {
	codec   Codec
	inbound chan []byte
	out     chan wireMessage
	closed  chan struct{}
	once    sync.Once
}

func newPipe(codec Codec) *pipe {
	return &pipe{
		codec:   codec,
		inbound: make(chan []byte, 64),
		out:     make(chan wireMessage, 1024),
		closed:  make(chan struct{}),
	}
}

var errPipeClosed = errors.New("pipe closed")

func (p *pipe) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.inbound:
		return p.codec.MessageType(), data, nil
	case <-p.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (p *pipe) WriteMessage(messageType int, data []byte) error {
	select {
	case <-p.closed:
		return errPipeClosed
	default:
	}
	select {
	case p.out <- wireMessage{kind: messageType, data: data}:
		return nil
	case <-p.closed:
		return errPipeClosed
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipe) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	select {
	case p.inbound <- data:
	case <-time.After(time.Second):
		t.Fatal("inbound queue full")
	}
}

func (p *pipe) send(t *testing.T, m Message) {
	t.Helper()
	data, err := p.codec.Encode(m)
	if err != nil {
		t.Fatalf("Encode(%+v): %v", m, err)
	}
	p.sendRaw(t, data)
}

// next returns the next data frame, skipping control messages. ok is false
// after a close message.
func (p *pipe) next(t *testing.T) (Message, bool) {
	t.Helper()
	for {
		select {
		case w := <-p.out:
			switch w.kind {
			case websocket.CloseMessage:
				return Message{}, false
			case websocket.PingMessage, websocket.PongMessage:
				continue
			}
			m, err := p.codec.Decode(w.data)
			if err != nil {
				t.Fatalf("server sent undecodable frame %q: %v", w.data, err)
			}
			return m, true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a server frame")
		}
	}
}

// readOutput collects output frames until they contain want. It fails if
// another frame type arrives first.
func (p *pipe) readOutput(t *testing.T, want string) string {
	t.Helper()
	var sb strings.Builder
	for !strings.Contains(sb.String(), want) {
		m, ok := p.next(t)
		if !ok {
			t.Fatalf("connection closed before %q, have %q", want, sb.String())
		}
		if m.Type != TypeOutput {
			t.Fatalf("got %s frame before %q, have %q", m.Type, want, sb.String())
		}
		sb.Write(m.Data)
	}
	return sb.String()
}

// until skips frames until one of type typ arrives.
func (p *pipe) until(t *testing.T, typ Type) Message {
	t.Helper()
	for {
		m, ok := p.next(t)
		if !ok {
			t.Fatalf("connection closed before a %s frame", typ)
		}
		if m.Type == typ {
			return m
		}
	}
}
