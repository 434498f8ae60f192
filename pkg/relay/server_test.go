package relay

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"termshare/pkg/frame"
)

func newTestBroker(t *testing.T, maxRooms int) (*Server, *Client) {
	t.Helper()
	srv := &Server{Token: "devtoken", MaxRooms: maxRooms}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	srv.PublicURL = ts.URL
	return srv, NewClient(ts.URL, "devtoken")
}

func dialPeer(t *testing.T, endpoint, shareID, role, password string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(endpoint)
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	q := url.Values{}
	q.Set("share_id", shareID)
	q.Set("role", role)
	q.Set("token", "devtoken")
	if password != "" {
		q.Set("password", password)
	}
	u.RawQuery = q.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial %s as %s: %v", u, role, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) frame.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, ok := frame.Decode(data)
	if !ok {
		t.Fatalf("short frame: %d bytes", len(data))
	}
	return f
}

func TestServerRoomLifecycle(t *testing.T) {
	_, client := newTestBroker(t, 10)
	ctx := context.Background()

	room, err := client.CreateRoom(ctx, CreateRoomRequest{SessionName: "demo"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(room.Code) != 6 {
		t.Errorf("code = %q, want 6 chars", room.Code)
	}
	if !strings.HasPrefix(room.SocketEndpoint, "ws://") {
		t.Errorf("socket endpoint = %q", room.SocketEndpoint)
	}

	// Codes resolve case-insensitively.
	resolved, err := client.ResolveCode(ctx, strings.ToLower(room.Code))
	if err != nil {
		t.Fatalf("ResolveCode: %v", err)
	}
	if resolved.ID != room.ID || resolved.SessionName != "demo" {
		t.Errorf("resolved = %+v", resolved)
	}

	rooms, err := client.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].HostConnected {
		t.Errorf("rooms = %+v", rooms)
	}

	if err := client.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if _, err := client.ResolveCode(ctx, room.Code); err != ErrInvalidCode {
		t.Errorf("resolve after delete: %v, want ErrInvalidCode", err)
	}
}

func TestServerRoomLimit(t *testing.T) {
	_, client := newTestBroker(t, 1)
	ctx := context.Background()

	if _, err := client.CreateRoom(ctx, CreateRoomRequest{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := client.CreateRoom(ctx, CreateRoomRequest{})
	if !IsRoomLimit(err) {
		t.Fatalf("second create: %v, want room-limit conflict", err)
	}
}

func TestServerPasswordGate(t *testing.T) {
	_, client := newTestBroker(t, 10)
	ctx := context.Background()

	room, err := client.CreateRoom(ctx, CreateRoomRequest{Password: "hunter2"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if !room.HasPassword {
		t.Error("HasPassword = false")
	}
	resolved, err := client.ResolveCode(ctx, room.Code)
	if err != nil {
		t.Fatalf("ResolveCode: %v", err)
	}
	if !resolved.PasswordRequired {
		t.Error("PasswordRequired = false")
	}

	u, _ := url.Parse(room.SocketEndpoint)
	q := url.Values{}
	q.Set("share_id", room.ID)
	q.Set("role", "observer")
	q.Set("token", "devtoken")
	q.Set("password", "wrong")
	u.RawQuery = q.Encode()
	if ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil); err == nil {
		ws.Close()
		t.Fatal("observer connected with the wrong password")
	}

	dialPeer(t, room.SocketEndpoint, room.ID, "observer", "hunter2")
}

func TestServerProxiesFrames(t *testing.T) {
	_, client := newTestBroker(t, 10)
	room, err := client.CreateRoom(context.Background(), CreateRoomRequest{})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	host := dialPeer(t, room.SocketEndpoint, room.ID, "host", "")
	obs := dialPeer(t, room.SocketEndpoint, room.ID, "observer", "")

	// Observer frames reach the host.
	announce := frame.Encode(frame.ObserverAnnounce,
		frame.MustJSON(frame.AnnouncePayload{ObserverID: "obs-1", DisplayName: "Ada"}))
	if err := obs.WriteMessage(websocket.BinaryMessage, announce); err != nil {
		t.Fatalf("observer write: %v", err)
	}
	if f := readFrame(t, host); f.Type != frame.ObserverAnnounce {
		t.Fatalf("host got type %#x, want announce", uint8(f.Type))
	}

	// Host frames fan out to observers.
	if err := host.WriteMessage(websocket.BinaryMessage,
		frame.Encode(frame.TerminalData, []byte("hello"))); err != nil {
		t.Fatalf("host write: %v", err)
	}
	f := readFrame(t, obs)
	if f.Type != frame.TerminalData || string(f.Payload) != "hello" {
		t.Fatalf("observer got %#x %q", uint8(f.Type), f.Payload)
	}

	// Keepalive terminates at the broker: the host gets a Pong and the
	// observer never sees the Ping.
	if err := host.WriteMessage(websocket.BinaryMessage, frame.Encode(frame.Ping, nil)); err != nil {
		t.Fatalf("host ping: %v", err)
	}
	if f := readFrame(t, host); f.Type != frame.Pong {
		t.Fatalf("host got type %#x, want pong", uint8(f.Type))
	}
}

func TestServerKickClosesObserver(t *testing.T) {
	_, client := newTestBroker(t, 10)
	ctx := context.Background()
	room, err := client.CreateRoom(ctx, CreateRoomRequest{})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	host := dialPeer(t, room.SocketEndpoint, room.ID, "host", "")
	obs := dialPeer(t, room.SocketEndpoint, room.ID, "observer", "")

	// The broker learns the observer's id from the announce.
	announce := frame.Encode(frame.ObserverAnnounce,
		frame.MustJSON(frame.AnnouncePayload{ObserverID: "obs-1", DisplayName: "Ada"}))
	if err := obs.WriteMessage(websocket.BinaryMessage, announce); err != nil {
		t.Fatalf("observer write: %v", err)
	}
	readFrame(t, host) // wait for the announce to pass through

	if err := client.KickObserver(ctx, room.ID, "obs-1"); err != nil {
		t.Fatalf("KickObserver: %v", err)
	}
	_ = obs.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = obs.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("observer read after kick: %v, want normal closure", err)
	}
}
