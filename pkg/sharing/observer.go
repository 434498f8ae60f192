package sharing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"termshare/pkg/frame"
	"termshare/pkg/scrollback"
)

// maxReconnectAttempts is the observer's reconnect ceiling; past it
// the share is torn down with reason "error".
const maxReconnectAttempts = 5

// defaultReconnectDelays is the fixed backoff schedule, indexed by
// attempt count and clamped to the last entry.
var defaultReconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	30 * time.Second,
}

// observerShare owns one observer-side subscription: the socket,
// frame dispatch, local role, and reconnect state. All mutation is
// serialized behind mu.
type observerShare struct {
	m    *Manager
	code string

	mu             sync.Mutex
	shareID        string
	sessionName    string
	observerID     string
	displayName    string
	endpoint       string
	role           Role
	sock           Socket
	sockOpen       bool
	attempts       int
	reconnectTimer *time.Timer
	awaitSnapshot  bool
	closed         bool
}

// connect dials the relay socket and announces this observer. Also
// used on reconnect, where the announce replays so the host restores
// the registry entry.
func (o *observerShare) connect(ctx context.Context) error {
	o.mu.Lock()
	endpoint := o.endpoint
	o.mu.Unlock()

	sock, err := o.m.dialer.Dial(ctx, endpoint, Callbacks{
		OnMessage: o.handleMessage,
		OnClose:   o.handleClose,
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		sock.Terminate()
		return nil
	}
	o.sock = sock
	o.sockOpen = true
	o.attempts = 0
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
	// The announce below solicits one scrollback snapshot.
	o.awaitSnapshot = true
	announce := frame.AnnouncePayload{ObserverID: o.observerID, DisplayName: o.displayName}
	o.mu.Unlock()

	if err := sock.Send(frame.Encode(frame.ObserverAnnounce, frame.MustJSON(announce))); err != nil {
		o.m.logger.Debug("announce send failed", "code", o.code, "err", err)
	}
	return nil
}

func (o *observerShare) handleMessage(data []byte) {
	f, ok := frame.Decode(data)
	if !ok {
		return
	}
	switch f.Type {
	case frame.TerminalData:
		o.m.notify(Event{Kind: EventOutput, ShareCode: o.code, Output: f.Payload})
	case frame.Scrollback:
		// The host rebroadcasts the snapshot whenever anyone announces;
		// only the one answering our own announce is for us, the rest
		// would duplicate history we already surfaced.
		o.mu.Lock()
		accept := o.awaitSnapshot
		o.awaitSnapshot = false
		o.mu.Unlock()
		if !accept {
			return
		}
		text, err := scrollback.Expand(f.Payload)
		if err != nil {
			o.m.logger.Warn("scrollback expand failed", "code", o.code, "err", err)
			return
		}
		o.m.notify(Event{Kind: EventOutput, ShareCode: o.code, Output: text})
	case frame.Metadata:
		var meta frame.MetadataPayload
		if err := json.Unmarshal(f.Payload, &meta); err != nil {
			return
		}
		o.mu.Lock()
		o.sessionName = meta.Name
		o.mu.Unlock()
		o.m.notify(Event{Kind: EventMetadata, ShareCode: o.code, Metadata: &meta})
	case frame.ControlGrant:
		o.handleControlGrant(f.Payload)
	case frame.ControlRevoke:
		o.handleControlRevoke(f.Payload)
	case frame.ShareClose:
		o.handleShareClose(f.Payload)
	case frame.Ping:
		o.send(frame.Pong, nil)
	case frame.ObserverList:
		// Informational only.
	default:
	}
}

func (o *observerShare) handleControlGrant(payload []byte) {
	var grant frame.ControlGrantPayload
	if err := json.Unmarshal(payload, &grant); err != nil {
		return
	}
	o.mu.Lock()
	mine := grant.ObserverID == o.observerID
	if mine {
		o.role = RoleHasControl
	} else if o.role == RoleHasControl {
		// Control moved to someone else; the host will not send a
		// separate revoke for the previous holder.
		o.role = RoleReadOnly
	}
	o.mu.Unlock()
	if mine {
		o.m.notify(Event{Kind: EventControlGranted, ShareCode: o.code, ObserverID: grant.ObserverID})
	}
}

func (o *observerShare) handleControlRevoke(payload []byte) {
	var revoke frame.ControlRevokePayload
	if err := json.Unmarshal(payload, &revoke); err != nil {
		return
	}
	o.mu.Lock()
	mine := revoke.ObserverID == o.observerID
	if mine {
		o.role = RoleReadOnly
	}
	o.mu.Unlock()
	if mine {
		o.m.notify(Event{Kind: EventControlRevoked, ShareCode: o.code, ObserverID: revoke.ObserverID})
	}
}

func (o *observerShare) handleShareClose(payload []byte) {
	var closeMsg frame.ShareClosePayload
	_ = json.Unmarshal(payload, &closeMsg)
	reason := StopHostStopped
	if closeMsg.Reason == string(StopExpired) {
		reason = StopExpired
	} else if closeMsg.Reason == string(StopError) {
		reason = StopError
	}
	if o.teardown() {
		o.m.removeObserver(o.code, o)
		o.m.notify(Event{Kind: EventShareStopped, ShareCode: o.code, Reason: reason})
	}
}

// handleClose fires when the socket drops. A normal closure ends the
// share; anything else starts the reconnect cycle.
func (o *observerShare) handleClose(code int, reason string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.sock = nil
	o.sockOpen = false
	if code == CloseNormalClosure {
		o.mu.Unlock()
		if o.teardown() {
			o.m.removeObserver(o.code, o)
			o.m.notify(Event{Kind: EventShareStopped, ShareCode: o.code, Reason: StopHostStopped})
		}
		return
	}
	o.m.logger.Warn("observer socket closed", "code", o.code, "close_code", code, "reason", reason)
	o.scheduleReconnectLocked()
}

// scheduleReconnectLocked is called with mu held and releases it. At
// most one reconnect attempt is ever pending: any previous timer is
// stopped before the next is armed.
func (o *observerShare) scheduleReconnectLocked() {
	if o.attempts >= maxReconnectAttempts {
		o.mu.Unlock()
		o.giveUp()
		return
	}
	delay := o.m.reconnectDelay(o.attempts)
	o.attempts++
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
	}
	o.reconnectTimer = time.AfterFunc(delay, o.reconnect)
	attempt := o.attempts
	o.mu.Unlock()
	o.m.logger.Info("reconnect scheduled", "code", o.code, "attempt", attempt, "delay", delay)
}

func (o *observerShare) reconnect() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := o.connect(ctx)
	cancel()
	if err == nil {
		return
	}
	o.m.logger.Warn("reconnect failed", "code", o.code, "err", err)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.scheduleReconnectLocked()
}

// giveUp ends the share after the reconnect ceiling: a terminal,
// user-visible failure, not a silent drop.
func (o *observerShare) giveUp() {
	if o.teardown() {
		o.m.removeObserver(o.code, o)
		o.m.notify(Event{Kind: EventShareStopped, ShareCode: o.code, Reason: StopError})
	}
}

// requestControl asks the host for input control.
func (o *observerShare) requestControl() error {
	o.mu.Lock()
	if !o.sockOpen {
		o.mu.Unlock()
		return Errf(CodeNetworkError, "share socket is not open")
	}
	sock := o.sock
	o.role = RoleRequesting
	payload := frame.ControlRequestPayload{ObserverID: o.observerID, DisplayName: o.displayName}
	o.mu.Unlock()

	if err := sock.Send(frame.Encode(frame.ControlRequest, frame.MustJSON(payload))); err != nil {
		return Errf(CodeNetworkError, "send control request: %v", err)
	}
	return nil
}

// releaseControl drops control locally and tells the host as a
// courtesy; the host is authoritative and revokes independently if it
// disagrees.
func (o *observerShare) releaseControl() error {
	o.mu.Lock()
	if !o.sockOpen {
		o.mu.Unlock()
		return Errf(CodeNetworkError, "share socket is not open")
	}
	sock := o.sock
	o.role = RoleReadOnly
	payload := frame.ControlRevokePayload{ObserverID: o.observerID, Reason: "observer-released"}
	o.mu.Unlock()

	if err := sock.Send(frame.Encode(frame.ControlRevoke, frame.MustJSON(payload))); err != nil {
		return Errf(CodeNetworkError, "send control release: %v", err)
	}
	return nil
}

// sendInput ships keystrokes host-ward. The host drops them unless
// this observer holds control.
func (o *observerShare) sendInput(data []byte) error {
	o.mu.Lock()
	if !o.sockOpen {
		o.mu.Unlock()
		return Errf(CodeNetworkError, "share socket is not open")
	}
	sock := o.sock
	o.mu.Unlock()
	if err := sock.Send(frame.Encode(frame.TerminalInput, data)); err != nil {
		return Errf(CodeNetworkError, "send input: %v", err)
	}
	return nil
}

// teardown cancels the reconnect timer and closes the socket, exactly
// once. Reports whether this call did the work.
func (o *observerShare) teardown() bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.closed = true
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
	sock := o.sock
	o.sock = nil
	o.sockOpen = false
	o.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	return true
}

func (o *observerShare) send(t frame.Type, payload []byte) {
	o.mu.Lock()
	sock := o.sock
	open := o.sockOpen && !o.closed
	o.mu.Unlock()
	if !open {
		return
	}
	if err := sock.Send(frame.Encode(t, payload)); err != nil {
		o.m.logger.Debug("frame send failed", "code", o.code, "type", uint8(t), "err", err)
	}
}

func (o *observerShare) state() ObserverShareState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ObserverShareState{
		ShareCode:    o.code,
		ShareID:      o.shareID,
		SessionName:  o.sessionName,
		Role:         o.role,
		DisplayName:  o.displayName,
		Reconnecting: o.reconnectTimer != nil,
	}
}
