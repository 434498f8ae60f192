package sharing

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// CloseNormalClosure is the close code of a deliberate shutdown; any
// other code counts as an abnormal close and triggers reconnection on
// the observer side.
const CloseNormalClosure = websocket.CloseNormalClosure

// closeCodeUnknown is reported when the transport failed without a
// close handshake (network drop, abrupt termination).
const closeCodeUnknown = -1

// Socket is the minimal transport capability the controllers need.
// Implementations deliver events through Callbacks; a test double can
// stand in for the real websocket without touching controller logic.
type Socket interface {
	// Send writes one binary frame.
	Send(p []byte) error
	// Close performs a graceful shutdown (normal-closure handshake).
	Close() error
	// Terminate drops the connection without a close handshake.
	Terminate()
}

// Callbacks receive socket events. They run on the socket's read
// goroutine; OnClose fires exactly once, for both graceful and
// abnormal closes.
type Callbacks struct {
	OnMessage func(p []byte)
	OnClose   func(code int, reason string)
}

// Dialer opens sockets. The endpoint already carries the share_id,
// role, token, and optional password query parameters.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, cb Callbacks) (Socket, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint string, cb Callbacks) (Socket, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, endpoint string, cb Callbacks) (Socket, error) {
	return f(ctx, endpoint, cb)
}

// BuildSocketURL attaches the connection query parameters to a relay
// websocket endpoint. password is omitted when empty.
func BuildSocketURL(endpoint, shareID, role, token, password string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("share_id", shareID)
	q.Set("role", role)
	q.Set("token", token)
	if password != "" {
		q.Set("password", password)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WebsocketDialer is the production Dialer, backed by gorilla.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, endpoint string, cb Callbacks) (Socket, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, resp, err := wd.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	s := &wsSocket{conn: conn}
	go s.readLoop(cb)
	return s, nil
}

type wsSocket struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (s *wsSocket) Send(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *wsSocket) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *wsSocket) Terminate() {
	_ = s.conn.Close()
}

func (s *wsSocket) readLoop(cb Callbacks) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code := closeCodeUnknown
			reason := ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				reason = ce.Text
			}
			if cb.OnClose != nil {
				cb.OnClose(code, reason)
			}
			return
		}
		if cb.OnMessage != nil {
			cb.OnMessage(data)
		}
	}
}
