// Package ws carries terminal sessions over websocket connections.
//
// Each frame is a two element array [type, payload]. Clients send input,
// resize, ping and close; the server sends output, pong, exit and error.
// Frames are JSON text messages by default, or CBOR binary messages when the
// client negotiates the termhub.cbor subprotocol.
//
// A Conn runs one read pump and one write pump. Malformed inbound frames are
// logged and dropped, input is rate limited without loss, and the write pump
// is the only goroutine that writes to the transport.
package ws
