package sharing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"termshare/pkg/frame"
	"termshare/pkg/relay"
	"termshare/pkg/scrollback"
)

const (
	metadataInterval  = 2 * time.Second
	keepaliveInterval = 30 * time.Second
	pongTimeout       = 10 * time.Second

	// interruptByte must never reach the session's process from an
	// observer: a stray Ctrl-C could abort work the host did not
	// intend to stop. Stripping it is a hard safety invariant.
	interruptByte = 0x03
)

// hostShare owns one host-side share: the socket, the observer
// registry, control arbitration, scrollback, and the metadata and
// keepalive timers. All mutation is serialized behind mu; frame
// handling, timer ticks, and public operations may arrive on
// different goroutines.
type hostShare struct {
	m         *Manager
	sessionID string

	mu        sync.Mutex
	info      ShareInfo
	sock      Socket
	sockOpen  bool
	observers []*ObserverInfo
	buffer    *scrollback.Buffer
	unsub     func()
	pongTimer *time.Timer
	stopTick  chan struct{}
	closed    bool
}

func newHostShare(m *Manager, sessionID string) *hostShare {
	return &hostShare{
		m:         m,
		sessionID: sessionID,
		buffer:    scrollback.New(),
		info: ShareInfo{
			SessionID: sessionID,
			Status:    StatusCreating,
			CreatedAt: time.Now(),
		},
	}
}

// start requests a room, opens the socket, subscribes to session
// output, and begins the timer loop. Called once, before the share is
// visible to anyone else.
func (h *hostShare) start(ctx context.Context, opts StartOptions) error {
	sessionName := h.sessionID
	if info, ok := h.m.provider.GetSession(h.sessionID); ok {
		sessionName = info.Name
	}
	req := relay.CreateRoomRequest{
		SessionName: sessionName,
		Password:    opts.Password,
		ExpiresInMs: opts.ExpiresIn.Milliseconds(),
	}
	room, err := h.m.rooms.CreateRoom(ctx, req)
	if err != nil && h.m.roomLimit(err) {
		// The relay caps concurrent rooms per account. Orphans from
		// crashed hosts count against the cap, so sweep them and try
		// once more.
		h.m.cleanupOrphanRooms(ctx)
		room, err = h.m.rooms.CreateRoom(ctx, req)
	}
	if err != nil {
		return relayError(err)
	}
	// A concurrent stop may have torn the share down while we waited
	// on the relay.
	if h.isClosed() {
		h.deleteRoomQuietly(room.ID)
		return Errf(CodeUnknown, "share for session %s was stopped during startup", h.sessionID)
	}

	endpoint, err := BuildSocketURL(room.SocketEndpoint, room.ID, "host", h.m.token, "")
	if err != nil {
		h.deleteRoomQuietly(room.ID)
		return Errf(CodeUnknown, "bad socket endpoint %q: %v", room.SocketEndpoint, err)
	}
	sock, err := h.m.dialer.Dial(ctx, endpoint, Callbacks{
		OnMessage: h.handleMessage,
		OnClose:   h.handleClose,
	})
	if err != nil {
		h.deleteRoomQuietly(room.ID)
		return Errf(CodeNetworkError, "open share socket: %v", err)
	}
	unsub, err := h.m.provider.SubscribeToOutput(h.sessionID, h.broadcastOutput)
	if err != nil {
		sock.Terminate()
		h.deleteRoomQuietly(room.ID)
		return Errf(CodeSessionNotFound, "subscribe to session output: %v", err)
	}

	h.mu.Lock()
	if h.closed {
		// Stop won the race during dial or subscribe: teardown already
		// ran against the empty share, so the resources acquired here
		// must be released right now or never.
		h.mu.Unlock()
		unsub()
		sock.Terminate()
		h.deleteRoomQuietly(room.ID)
		return Errf(CodeUnknown, "share for session %s was stopped during startup", h.sessionID)
	}
	h.info.ShareID = room.ID
	h.info.ShareCode = room.Code
	h.info.ShareURL = room.URL
	h.info.ExpiresAt = room.ExpiresAt
	h.info.HasPassword = room.HasPassword
	h.info.Status = StatusActive
	h.sock = sock
	h.sockOpen = true
	h.unsub = unsub
	h.stopTick = make(chan struct{})
	h.mu.Unlock()

	go h.runTimers()
	return nil
}

// broadcastOutput is the session-output subscription callback. Output
// always lands in the scrollback buffer; it is only sent live while
// the socket is open, never queued for later delivery.
func (h *hostShare) broadcastOutput(chunk []byte) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	sock := h.sock
	open := h.sockOpen
	h.mu.Unlock()

	h.buffer.Append(string(chunk))
	if open {
		if err := sock.Send(frame.Encode(frame.TerminalData, chunk)); err != nil {
			h.m.logger.Debug("terminal data send failed", "session", h.sessionID, "err", err)
		}
	}
}

func (h *hostShare) handleMessage(data []byte) {
	f, ok := frame.Decode(data)
	if !ok {
		return
	}
	switch f.Type {
	case frame.ObserverAnnounce:
		h.handleAnnounce(f.Payload)
	case frame.ControlRequest:
		h.handleControlRequest(f.Payload)
	case frame.TerminalInput:
		h.handleInput(f.Payload)
	case frame.Pong:
		h.handlePong()
	default:
		// Unknown frame types are ignored so protocol additions do
		// not break older hosts.
	}
}

func (h *hostShare) handleAnnounce(payload []byte) {
	var ann frame.AnnouncePayload
	if err := json.Unmarshal(payload, &ann); err != nil || ann.ObserverID == "" {
		return
	}
	h.mu.Lock()
	var existing *ObserverInfo
	for _, obs := range h.observers {
		if obs.ObserverID == ann.ObserverID {
			existing = obs
			break
		}
	}
	if existing != nil {
		existing.DisplayName = ann.DisplayName
	} else {
		h.observers = append(h.observers, &ObserverInfo{
			ObserverID:  ann.ObserverID,
			DisplayName: ann.DisplayName,
			Role:        RoleReadOnly,
			JoinedAt:    time.Now(),
		})
	}
	h.mu.Unlock()

	if snap, err := h.buffer.Snapshot(); err == nil && snap != nil {
		h.send(frame.Scrollback, snap)
	}
	h.sendObserverList()
	if existing == nil {
		h.m.notify(Event{
			Kind:        EventObserverJoined,
			SessionID:   h.sessionID,
			ObserverID:  ann.ObserverID,
			DisplayName: ann.DisplayName,
		})
	}
}

func (h *hostShare) handleControlRequest(payload []byte) {
	var req frame.ControlRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	h.mu.Lock()
	found := false
	for _, obs := range h.observers {
		if obs.ObserverID == req.ObserverID {
			obs.Role = RoleRequesting
			found = true
			break
		}
	}
	h.mu.Unlock()
	if !found {
		return
	}
	// Granting is always an explicit host action, never automatic.
	h.m.notify(Event{
		Kind:        EventControlRequested,
		SessionID:   h.sessionID,
		ObserverID:  req.ObserverID,
		DisplayName: req.DisplayName,
	})
}

// handleInput forwards observer keystrokes to the session. Input is
// dropped unless some observer holds control, and the interrupt byte
// is stripped unconditionally before forwarding.
func (h *hostShare) handleInput(payload []byte) {
	h.mu.Lock()
	hasController := false
	for _, obs := range h.observers {
		if obs.Role == RoleHasControl {
			hasController = true
			break
		}
	}
	h.mu.Unlock()
	if !hasController {
		return
	}
	filtered := stripInterrupt(payload)
	if len(filtered) == 0 {
		return
	}
	if err := h.m.provider.SendInput(h.sessionID, filtered); err != nil {
		h.m.logger.Warn("session input rejected", "session", h.sessionID, "err", err)
	}
}

func stripInterrupt(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		if b != interruptByte {
			out = append(out, b)
		}
	}
	return out
}

func (h *hostShare) handlePong() {
	h.mu.Lock()
	if h.pongTimer != nil {
		h.pongTimer.Stop()
		h.pongTimer = nil
	}
	h.mu.Unlock()
}

func (h *hostShare) handleClose(code int, reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.sockOpen = false
	h.mu.Unlock()

	stop := StopError
	if code == relay.CloseCodeExpired {
		stop = StopExpired
	}
	h.m.logger.Warn("host socket closed", "session", h.sessionID, "code", code, "reason", reason)
	h.fail(stop)
}

// runTimers drives the metadata broadcast and keepalive cycles until
// teardown closes stopTick.
func (h *hostShare) runTimers() {
	meta := time.NewTicker(metadataInterval)
	keep := time.NewTicker(keepaliveInterval)
	defer meta.Stop()
	defer keep.Stop()
	for {
		select {
		case <-h.stopTick:
			return
		case <-meta.C:
			h.broadcastMetadata()
		case <-keep.C:
			h.sendPing()
		}
	}
}

func (h *hostShare) broadcastMetadata() {
	info, ok := h.m.provider.GetSession(h.sessionID)
	if !ok {
		return
	}
	h.mu.Lock()
	count := len(h.observers)
	h.mu.Unlock()
	payload := frame.MetadataPayload{
		SessionID:        h.sessionID,
		Name:             info.Name,
		WorkingDirectory: info.WorkingDirectory,
		CurrentModel:     info.CurrentModel,
		ProviderID:       info.ProviderID,
		Status:           string(info.Status),
		ObserverCount:    count,
	}
	h.send(frame.Metadata, frame.MustJSON(payload))
}

func (h *hostShare) sendPing() {
	h.mu.Lock()
	if h.closed || !h.sockOpen {
		h.mu.Unlock()
		return
	}
	sock := h.sock
	if h.pongTimer != nil {
		h.pongTimer.Stop()
	}
	h.pongTimer = time.AfterFunc(pongTimeout, h.onPongTimeout)
	h.mu.Unlock()

	if err := sock.Send(frame.Encode(frame.Ping, nil)); err != nil {
		h.m.logger.Debug("keepalive ping send failed", "session", h.sessionID, "err", err)
	}
}

// onPongTimeout fires when a Ping went unanswered for pongTimeout.
// The connection is unusable: terminate it and clean up as stop
// would, but with status error and no graceful ShareClose.
func (h *hostShare) onPongTimeout() {
	h.m.logger.Warn("keepalive pong timeout", "session", h.sessionID)
	h.fail(StopError)
}

// fail is the abnormal teardown path: remove from the registry, tear
// down without the close handshake, publish the stop.
func (h *hostShare) fail(reason StopReason) {
	h.m.removeHost(h.sessionID, h)
	h.deleteRoomQuietly(h.shareID())
	if h.teardown(StatusError, false) {
		h.m.notify(Event{Kind: EventShareStopped, SessionID: h.sessionID, Reason: reason})
	}
}

// stop is the graceful teardown path, invoked through the manager.
// The ShareClose send and the room deletion are best-effort: cleanup
// is never gated on the network.
func (h *hostShare) stop(ctx context.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.info.Status = StatusStopping
	h.mu.Unlock()

	h.send(frame.ShareClose, frame.MustJSON(frame.ShareClosePayload{Reason: string(StopHostStopped)}))
	if id := h.shareID(); id != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := h.m.rooms.DeleteRoom(dctx, id); err != nil {
			h.m.logger.Warn("room delete failed", "session", h.sessionID, "err", err)
		}
		cancel()
	}
	h.teardown(StatusStopped, true)
}

// teardown releases every resource exactly once: timers, the output
// subscription, the socket. Reports whether this call did the work.
func (h *hostShare) teardown(final Status, graceful bool) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	if h.stopTick != nil {
		close(h.stopTick)
		h.stopTick = nil
	}
	if h.pongTimer != nil {
		h.pongTimer.Stop()
		h.pongTimer = nil
	}
	unsub := h.unsub
	h.unsub = nil
	sock := h.sock
	open := h.sockOpen
	h.sock = nil
	h.sockOpen = false
	h.info.Status = final
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sock != nil && open {
		if graceful {
			_ = sock.Close()
		} else {
			sock.Terminate()
		}
	} else if sock != nil {
		sock.Terminate()
	}
	return true
}

// grantControl promotes target to has-control, demoting whoever held
// it. Exactly one observer holds control afterwards.
func (h *hostShare) grantControl(observerID string) error {
	h.mu.Lock()
	var target *ObserverInfo
	for _, obs := range h.observers {
		if obs.ObserverID == observerID {
			target = obs
		} else if obs.Role == RoleHasControl {
			obs.Role = RoleReadOnly
		}
	}
	if target == nil {
		h.mu.Unlock()
		return Errf(CodeUnknown, "observer %s not found", observerID)
	}
	target.Role = RoleHasControl
	h.mu.Unlock()

	h.send(frame.ControlGrant, frame.MustJSON(frame.ControlGrantPayload{ObserverID: observerID}))
	h.sendObserverList()
	h.m.notify(Event{Kind: EventControlGranted, SessionID: h.sessionID, ObserverID: observerID})
	return nil
}

// revokeControl demotes target to read-only regardless of its current
// role, so revoking twice is harmless.
func (h *hostShare) revokeControl(observerID, reason string) error {
	h.mu.Lock()
	var target *ObserverInfo
	for _, obs := range h.observers {
		if obs.ObserverID == observerID {
			target = obs
			break
		}
	}
	if target == nil {
		h.mu.Unlock()
		return Errf(CodeUnknown, "observer %s not found", observerID)
	}
	target.Role = RoleReadOnly
	h.mu.Unlock()

	h.send(frame.ControlRevoke, frame.MustJSON(frame.ControlRevokePayload{ObserverID: observerID, Reason: reason}))
	h.sendObserverList()
	h.m.notify(Event{Kind: EventControlRevoked, SessionID: h.sessionID, ObserverID: observerID})
	return nil
}

// kick removes an observer from the registry and asks the relay to
// drop its connection. The relay call is best-effort.
func (h *hostShare) kick(ctx context.Context, observerID string) error {
	h.mu.Lock()
	idx := -1
	for i, obs := range h.observers {
		if obs.ObserverID == observerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return Errf(CodeUnknown, "observer %s not found", observerID)
	}
	h.observers = append(h.observers[:idx], h.observers[idx+1:]...)
	shareID := h.info.ShareID
	h.mu.Unlock()

	if err := h.m.rooms.KickObserver(ctx, shareID, observerID); err != nil {
		h.m.logger.Warn("relay kick failed", "session", h.sessionID, "observer", observerID, "err", err)
	}
	h.sendObserverList()
	h.m.notify(Event{Kind: EventObserverLeft, SessionID: h.sessionID, ObserverID: observerID})
	return nil
}

func (h *hostShare) sendObserverList() {
	h.mu.Lock()
	entries := make([]frame.ObserverEntry, 0, len(h.observers))
	for _, obs := range h.observers {
		entries = append(entries, frame.ObserverEntry{
			ObserverID:  obs.ObserverID,
			DisplayName: obs.DisplayName,
			Role:        string(obs.Role),
		})
	}
	h.mu.Unlock()
	h.send(frame.ObserverList, frame.MustJSON(frame.ObserverListPayload{Observers: entries}))
}

func (h *hostShare) send(t frame.Type, payload []byte) {
	h.mu.Lock()
	sock := h.sock
	open := h.sockOpen && !h.closed
	h.mu.Unlock()
	if !open {
		return
	}
	if err := sock.Send(frame.Encode(t, payload)); err != nil {
		h.m.logger.Debug("frame send failed", "session", h.sessionID, "type", uint8(t), "err", err)
	}
}

func (h *hostShare) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *hostShare) shareID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info.ShareID
}

// snapshotInfo copies the public record, observers included.
func (h *hostShare) snapshotInfo() ShareInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := h.info
	info.Observers = make([]ObserverInfo, len(h.observers))
	for i, obs := range h.observers {
		info.Observers[i] = *obs
	}
	return info
}

func (h *hostShare) deleteRoomQuietly(roomID string) {
	if roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.m.rooms.DeleteRoom(ctx, roomID); err != nil {
		h.m.logger.Debug("room delete failed", "room", roomID, "err", err)
	}
}
