package api

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/wadm/internal/terminal"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	// Close reasons are limited to 123 bytes by the protocol.
	maxCloseReason = 123
)

// wsConn adapts a gorilla websocket to terminal.Conn.
type wsConn struct {
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(maxMessageSize)
	// Answer pings straight from the read goroutine. WriteControl may run
	// concurrently with the session's data writes.
	ws.SetPingHandler(func(appData string) error {
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadFrame() (terminal.Frame, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		// A dropped connection surfaces as 1006 and is a transport error.
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
		) {
			return terminal.Frame{Kind: terminal.FrameClose}, nil
		}
		return terminal.Frame{}, err
	}
	switch mt {
	case websocket.TextMessage:
		return terminal.ClassifyText(string(data)), nil
	default:
		return terminal.DataFrame(data), nil
	}
}

func (c *wsConn) WriteData(p []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (c *wsConn) WritePong(p []byte) error {
	return c.ws.WriteControl(websocket.PongMessage, p, time.Now().Add(writeWait))
}

func (c *wsConn) CloseWithReason(code int, reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	cerr := c.ws.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
