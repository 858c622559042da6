package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// ReadWait bounds how long a secure-test stream may stay silent. The
	// agent pings well inside it.
	ReadWait = 5 * time.Minute
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
// Callers serialize writes; gorilla allows one concurrent writer.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, code, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// ReadRaw reads one text message and peeks at its action.
// It sets a read deadline.
func ReadRaw(conn *websocket.Conn) (Action, []byte, error) {
	conn.SetReadDeadline(time.Now().Add(ReadWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", data, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Action, data, nil
}

// Decode unmarshals a message previously returned by ReadRaw.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
