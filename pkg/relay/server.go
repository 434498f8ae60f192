package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"termshare/pkg/frame"
	"termshare/pkg/ids"
)

// CloseCodeExpired is sent to a room's host when the room reaches its
// expiry; hosts map it to a "stopped" notification with reason
// "expired" rather than a plain error.
const CloseCodeExpired = 4001

// Server is a self-hostable broker suitable for local dev or small
// teams: the REST room surface plus the websocket proxy between a
// room's host and its observers.
type Server struct {
	Addr string

	// Token is the bearer token every client must present.
	Token string

	// MaxRooms caps concurrently active rooms; creates beyond it get
	// a 409 until orphans are cleaned up. Zero means 10.
	MaxRooms int

	// PublicURL is the externally visible base for share URLs and
	// socket endpoints; defaults from Addr.
	PublicURL string

	Logger *slog.Logger

	mu      sync.Mutex
	rooms   map[string]*roomState // by room id
	byCode  map[string]string     // code → room id
	httpSrv *http.Server
}

type roomState struct {
	Room        Room
	SessionName string
	Password    string
	Expired     bool
	expiry      *time.Timer

	host      *peerConn
	observers map[*peerConn]struct{}
}

type peerConn struct {
	ws         *websocket.Conn
	writeMu    sync.Mutex
	observerID string // learned from the ObserverAnnounce passing through
}

func (p *peerConn) send(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (p *peerConn) closeWith(code int, reason string) {
	p.writeMu.Lock()
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	p.writeMu.Unlock()
	_ = p.ws.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Routes initializes the server and returns its HTTP handler. Useful
// for mounting the broker inside another server or a test harness.
func (s *Server) Routes() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.MaxRooms == 0 {
		s.MaxRooms = 10
	}
	if s.PublicURL == "" {
		s.PublicURL = "http://localhost" + s.Addr
	}
	s.rooms = make(map[string]*roomState)
	s.byCode = make(map[string]string)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms", s.auth(s.handleCreate))
	mux.HandleFunc("GET /api/rooms", s.auth(s.handleList))
	mux.HandleFunc("GET /api/rooms/{code}", s.auth(s.handleResolve))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.auth(s.handleDelete))
	mux.HandleFunc("POST /api/rooms/{id}/kick", s.auth(s.handleKick))
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe runs the broker until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.Addr, Handler: s.Routes()}
	go func() {
		<-ctx.Done()
		_ = s.httpSrv.Close()
	}()
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.Logger.Info("relay listening", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != s.Token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	active := 0
	for _, rm := range s.rooms {
		if !rm.Expired {
			active++
		}
	}
	if active >= s.MaxRooms {
		s.mu.Unlock()
		http.Error(w, "concurrent room limit reached", http.StatusConflict)
		return
	}
	id := ids.ShareID()
	code := ids.ShareCode()
	for {
		if _, taken := s.byCode[code]; !taken {
			break
		}
		code = ids.ShareCode()
	}
	room := Room{
		ID:             id,
		Code:           code,
		URL:            s.PublicURL + "/" + code,
		SocketEndpoint: s.wsEndpoint(),
		HasPassword:    req.Password != "",
	}
	if req.ExpiresInMs > 0 {
		at := time.Now().Add(time.Duration(req.ExpiresInMs) * time.Millisecond)
		room.ExpiresAt = &at
	}
	state := &roomState{
		Room:        room,
		SessionName: req.SessionName,
		Password:    req.Password,
		observers:   make(map[*peerConn]struct{}),
	}
	if req.ExpiresInMs > 0 {
		state.expiry = time.AfterFunc(time.Duration(req.ExpiresInMs)*time.Millisecond, func() {
			s.expireRoom(id)
		})
	}
	s.rooms[id] = state
	s.byCode[code] = id
	s.mu.Unlock()

	s.Logger.Info("room created", "id", id, "code", code)
	writeJSON(w, room)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := struct {
		Rooms []Room `json:"rooms"`
	}{}
	for _, rm := range s.rooms {
		room := rm.Room
		room.HostConnected = rm.host != nil
		out.Rooms = append(out.Rooms, room)
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(r.PathValue("code"))
	s.mu.Lock()
	id, ok := s.byCode[code]
	var rm *roomState
	if ok {
		rm = s.rooms[id]
	}
	s.mu.Unlock()
	if rm == nil {
		http.Error(w, "unknown share code", http.StatusNotFound)
		return
	}
	if rm.Expired {
		http.Error(w, "share expired", http.StatusGone)
		return
	}
	writeJSON(w, ResolvedRoom{
		ID:               rm.Room.ID,
		SocketEndpoint:   rm.Room.SocketEndpoint,
		PasswordRequired: rm.Password != "",
		SessionName:      rm.SessionName,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.dropRoom(r.PathValue("id"), websocket.CloseNormalClosure, "share closed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ObserverID string `json:"observer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	rm := s.rooms[r.PathValue("id")]
	var kicked *peerConn
	if rm != nil {
		for obs := range rm.observers {
			if obs.observerID == req.ObserverID {
				kicked = obs
				delete(rm.observers, obs)
				break
			}
		}
	}
	s.mu.Unlock()
	if rm == nil {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	if kicked != nil {
		// Normal closure so the client does not try to reconnect.
		kicked.closeWith(websocket.CloseNormalClosure, "kicked")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("token") != s.Token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	shareID := q.Get("share_id")
	role := q.Get("role")

	s.mu.Lock()
	rm := s.rooms[shareID]
	s.mu.Unlock()
	if rm == nil || rm.Expired {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	if role == "observer" && rm.Password != "" && q.Get("password") != rm.Password {
		http.Error(w, "bad password", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := &peerConn{ws: ws}
	switch role {
	case "host":
		s.serveHost(rm, peer)
	case "observer":
		s.serveObserver(rm, peer)
	default:
		peer.closeWith(websocket.ClosePolicyViolation, "unknown role")
	}
}

// serveHost pumps host frames out to every observer in the room.
func (s *Server) serveHost(rm *roomState, host *peerConn) {
	s.mu.Lock()
	if rm.host != nil {
		s.mu.Unlock()
		host.closeWith(websocket.ClosePolicyViolation, "room already has a host")
		return
	}
	rm.host = host
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if rm.host == host {
			rm.host = nil
		}
		s.mu.Unlock()
		_ = host.ws.Close()
	}()
	for {
		_, data, err := host.ws.ReadMessage()
		if err != nil {
			return
		}
		if f, ok := frame.Decode(data); ok && f.Type == frame.Ping {
			// Keepalive terminates at the relay; it measures the
			// host↔relay leg, not any observer.
			if err := host.send(frame.Encode(frame.Pong, nil)); err != nil {
				return
			}
			continue
		}
		s.mu.Lock()
		targets := make([]*peerConn, 0, len(rm.observers))
		for obs := range rm.observers {
			targets = append(targets, obs)
		}
		s.mu.Unlock()
		for _, obs := range targets {
			if err := obs.send(data); err != nil {
				s.detachObserver(rm, obs)
			}
		}
	}
}

// serveObserver pumps observer frames to the room's host, learning
// the observer's id from the announce that passes through.
func (s *Server) serveObserver(rm *roomState, obs *peerConn) {
	s.mu.Lock()
	rm.observers[obs] = struct{}{}
	s.mu.Unlock()

	defer s.detachObserver(rm, obs)
	for {
		_, data, err := obs.ws.ReadMessage()
		if err != nil {
			return
		}
		f, ok := frame.Decode(data)
		if !ok {
			continue
		}
		if f.Type == frame.ObserverAnnounce {
			var ann frame.AnnouncePayload
			if json.Unmarshal(f.Payload, &ann) == nil {
				obs.observerID = ann.ObserverID
			}
		}
		if f.Type == frame.Ping {
			if err := obs.send(frame.Encode(frame.Pong, nil)); err != nil {
				return
			}
			continue
		}
		s.mu.Lock()
		host := rm.host
		s.mu.Unlock()
		if host != nil {
			_ = host.send(data)
		}
	}
}

func (s *Server) detachObserver(rm *roomState, obs *peerConn) {
	s.mu.Lock()
	delete(rm.observers, obs)
	s.mu.Unlock()
	_ = obs.ws.Close()
}

// expireRoom closes the host with CloseCodeExpired and drops the room.
func (s *Server) expireRoom(id string) {
	s.mu.Lock()
	rm := s.rooms[id]
	if rm == nil || rm.Expired {
		s.mu.Unlock()
		return
	}
	rm.Expired = true
	host := rm.host
	observers := make([]*peerConn, 0, len(rm.observers))
	for obs := range rm.observers {
		observers = append(observers, obs)
	}
	s.mu.Unlock()

	s.Logger.Info("room expired", "id", id, "code", rm.Room.Code)
	if host != nil {
		host.closeWith(CloseCodeExpired, "expired")
	}
	for _, obs := range observers {
		obs.closeWith(CloseCodeExpired, "expired")
	}
}

func (s *Server) dropRoom(id string, closeCode int, reason string) {
	s.mu.Lock()
	rm := s.rooms[id]
	if rm == nil {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, id)
	delete(s.byCode, rm.Room.Code)
	if rm.expiry != nil {
		rm.expiry.Stop()
	}
	host := rm.host
	observers := make([]*peerConn, 0, len(rm.observers))
	for obs := range rm.observers {
		observers = append(observers, obs)
	}
	s.mu.Unlock()

	s.Logger.Info("room dropped", "id", id, "reason", reason)
	for _, obs := range observers {
		obs.closeWith(closeCode, reason)
	}
	if host != nil {
		host.closeWith(closeCode, reason)
	}
}

func (s *Server) wsEndpoint() string {
	base := s.PublicURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/ws"
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
