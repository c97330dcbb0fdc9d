// Command termhub-attach connects the local terminal to a termhub session.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/rafket/vscode-hub/internal/ws"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "termhub-attach:", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run() (int, error) {
	var (
		server    string
		sessionID string
		useCBOR   bool
	)
	flags := pflag.NewFlagSet("termhub-attach", pflag.ContinueOnError)
	flags.StringVarP(&server, "server", "s", "ws://localhost:8080", "termhub server URL")
	flags.StringVar(&sessionID, "session", "", "session id (default: the server's default session)")
	flags.BoolVar(&useCBOR, "cbor", false, "use the binary frame encoding")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 0, err
	}

	target, err := attachURL(server, sessionID)
	if err != nil {
		return 0, err
	}

	codec := ws.JSON
	if useCBOR {
		codec = ws.CBOR
	}
	dialer := websocket.Dialer{Subprotocols: []string{codec.Subprotocol()}}
	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	codec = ws.CodecFor(conn.Subprotocol())

	c := &client{conn: conn, codec: codec}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return 0, fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdin, state)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			c.sendSize()
		}
	}()
	winch <- syscall.SIGWINCH

	go c.pumpStdin(os.Stdin)
	return c.pumpOutput(os.Stdout)
}

// attachURL appends /ws[/id] and the local terminal size to server.
func attachURL(server, sessionID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	if sessionID != "" {
		u.Path += "/" + sessionID
	}
	if rows, cols, err := pty.Getsize(os.Stdin); err == nil {
		q := u.Query()
		q.Set("rows", strconv.Itoa(rows))
		q.Set("cols", strconv.Itoa(cols))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type client struct {
	conn  *websocket.Conn
	codec ws.Codec
	mu    sync.Mutex // gorilla allows one concurrent writer
}

func (c *client) send(m ws.Message) error {
	data, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(c.codec.MessageType(), data)
}

func (c *client) sendSize() {
	rows, cols, err := pty.Getsize(os.Stdin)
	if err != nil || rows <= 0 || cols <= 0 {
		return
	}
	c.send(ws.Message{Type: ws.TypeResize, Rows: uint16(rows), Cols: uint16(cols)})
}

func (c *client) pumpStdin(r io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if c.send(ws.Message{Type: ws.TypeInput, Data: data}) != nil {
				return
			}
		}
		if err != nil {
			c.send(ws.Message{Type: ws.TypeClose})
			return
		}
	}
}

// pumpOutput copies output frames to w and returns the session exit code.
func (c *client) pumpOutput(w io.Writer) (int, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, nil
			}
			return 0, err
		}
		msg, err := c.codec.Decode(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case ws.TypeOutput:
			w.Write(msg.Data)
		case ws.TypeExit:
			return msg.Code, nil
		case ws.TypeError:
			return 1, errors.New(msg.Error)
		}
	}
}
