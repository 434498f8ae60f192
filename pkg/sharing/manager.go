// Package sharing implements the session-sharing protocol engine:
// the host-side share lifecycle, the observer-side join/reconnect
// lifecycle, control arbitration, and the manager that owns both.
package sharing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"termshare/pkg/account"
	"termshare/pkg/ids"
	"termshare/pkg/relay"
	"termshare/pkg/session"
)

// ManagerConfig wires the engine's collaborators. Provider, Accounts,
// Rooms, and Dialer are required.
type ManagerConfig struct {
	Provider session.Provider
	Accounts account.Service
	Rooms    relay.Service
	Dialer   Dialer

	// Token is the opaque bearer token used on socket URLs.
	Token string

	// Settings may be nil; display names then default per join.
	Settings *Settings

	// Notify receives published notifications. May be nil.
	Notify Handler

	Logger *slog.Logger

	// RoomLimit decides whether a room-creation error means the
	// account hit its concurrent-room quota (triggering orphan
	// cleanup and one retry). Defaults to relay.IsRoomLimit.
	RoomLimit func(error) bool

	// ReconnectDelays overrides the observer backoff schedule.
	// Intended for tests; nil keeps the production schedule.
	ReconnectDelays []time.Duration
}

// Manager is the top-level registry: sessionId → host share and
// shareCode → observer share. It is the only entity that creates or
// destroys controllers.
type Manager struct {
	provider        session.Provider
	accounts        account.Service
	rooms           relay.Service
	dialer          Dialer
	token           string
	settings        *Settings
	handler         Handler
	logger          *slog.Logger
	roomLimit       func(error) bool
	reconnectDelays []time.Duration

	mu        sync.Mutex
	hosts     map[string]*hostShare
	observers map[string]*observerShare
}

// NewManager builds the engine and hooks session-end auto-teardown.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	roomLimit := cfg.RoomLimit
	if roomLimit == nil {
		roomLimit = relay.IsRoomLimit
	}
	delays := cfg.ReconnectDelays
	if len(delays) == 0 {
		delays = defaultReconnectDelays
	}
	m := &Manager{
		provider:        cfg.Provider,
		accounts:        cfg.Accounts,
		rooms:           cfg.Rooms,
		dialer:          cfg.Dialer,
		token:           cfg.Token,
		settings:        cfg.Settings,
		handler:         cfg.Notify,
		logger:          logger,
		roomLimit:       roomLimit,
		reconnectDelays: delays,
		hosts:           make(map[string]*hostShare),
		observers:       make(map[string]*observerShare),
	}
	m.provider.OnSessionEnd(m.handleSessionEnd)
	return m
}

// StartShare exposes a running session through the relay and returns
// its public record.
func (m *Manager) StartShare(ctx context.Context, sessionID string, opts StartOptions) (ShareInfo, error) {
	info, ok := m.provider.GetSession(sessionID)
	if !ok {
		return ShareInfo{}, Errf(CodeSessionNotFound, "session %s does not exist", sessionID)
	}
	if info.Status != session.StatusRunning {
		return ShareInfo{}, Errf(CodeSessionNotFound, "session %s is not running (status %s)", sessionID, info.Status)
	}

	h := newHostShare(m, sessionID)
	m.mu.Lock()
	if _, exists := m.hosts[sessionID]; exists {
		m.mu.Unlock()
		return ShareInfo{}, Errf(CodeAlreadyShared, "session %s is already shared", sessionID)
	}
	m.hosts[sessionID] = h
	m.mu.Unlock()

	acct, err := m.accounts.GetAccount(ctx)
	if err != nil {
		m.removeHost(sessionID, h)
		return ShareInfo{}, Errf(CodeNetworkError, "account lookup failed: %v", err)
	}
	if !acct.Plan.CanShare() {
		m.removeHost(sessionID, h)
		return ShareInfo{}, Errf(CodeUnknown, "plan %q is not eligible for session sharing; upgrade to pro, team, or enterprise", acct.Plan)
	}

	if opts.ExpiresIn == 0 && m.settings != nil {
		opts.ExpiresIn = m.settings.AutoExpire()
	}
	if err := h.start(ctx, opts); err != nil {
		m.removeHost(sessionID, h)
		return ShareInfo{}, err
	}

	shareInfo := h.snapshotInfo()
	m.notify(Event{Kind: EventShareStarted, SessionID: sessionID})
	m.logger.Info("share started", "session", sessionID, "code", shareInfo.ShareCode)
	return shareInfo, nil
}

// StopShare ends a host share. The remote close and room deletion are
// best-effort; local cleanup always completes.
func (m *Manager) StopShare(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	h, ok := m.hosts[sessionID]
	if !ok {
		m.mu.Unlock()
		return Errf(CodeSessionNotFound, "session %s is not shared", sessionID)
	}
	delete(m.hosts, sessionID)
	m.mu.Unlock()

	h.stop(ctx)
	m.notify(Event{Kind: EventShareStopped, SessionID: sessionID, Reason: StopHostStopped})
	m.logger.Info("share stopped", "session", sessionID)
	return nil
}

// GrantControl gives input control to one observer, demoting any
// current holder.
func (m *Manager) GrantControl(sessionID, observerID string) error {
	h, err := m.hostFor(sessionID)
	if err != nil {
		return err
	}
	return h.grantControl(observerID)
}

// RevokeControl demotes an observer to read-only. Idempotent.
func (m *Manager) RevokeControl(sessionID, observerID string) error {
	h, err := m.hostFor(sessionID)
	if err != nil {
		return err
	}
	return h.revokeControl(observerID, "host-revoked")
}

// KickObserver removes an observer from a share.
func (m *Manager) KickObserver(ctx context.Context, sessionID, observerID string) error {
	h, err := m.hostFor(sessionID)
	if err != nil {
		return err
	}
	return h.kick(ctx, observerID)
}

// Share returns the public record of a hosted share.
func (m *Manager) Share(sessionID string) (ShareInfo, bool) {
	m.mu.Lock()
	h, ok := m.hosts[sessionID]
	m.mu.Unlock()
	if !ok {
		return ShareInfo{}, false
	}
	return h.snapshotInfo(), true
}

// ActiveShares lists every hosted share.
func (m *Manager) ActiveShares() []ShareInfo {
	m.mu.Lock()
	hosts := make([]*hostShare, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()
	infos := make([]ShareInfo, 0, len(hosts))
	for _, h := range hosts {
		infos = append(infos, h.snapshotInfo())
	}
	return infos
}

// JoinShare subscribes to a share identified by a raw code, a share
// URL, or a deep link. No socket is opened when the code needs a
// password and none was supplied.
func (m *Manager) JoinShare(ctx context.Context, codeOrURL string, opts JoinOptions) (ObserverShareState, error) {
	code, ok := ExtractShareCode(codeOrURL)
	if !ok {
		return ObserverShareState{}, Errf(CodeInvalidCode, "no share code in %q", codeOrURL)
	}
	m.mu.Lock()
	if _, exists := m.observers[code]; exists {
		m.mu.Unlock()
		return ObserverShareState{}, Errf(CodeAlreadyShared, "already joined to %s", code)
	}
	m.mu.Unlock()

	resolved, err := m.rooms.ResolveCode(ctx, code)
	if err != nil {
		return ObserverShareState{}, relayError(err)
	}
	if resolved.PasswordRequired && opts.Password == "" {
		return ObserverShareState{}, Errf(CodePasswordRequired, "share %s requires a password", code)
	}

	displayName := opts.DisplayName
	if displayName == "" && m.settings != nil {
		displayName = m.settings.DisplayName()
	}
	if displayName == "" {
		displayName = "Observer"
	}
	endpoint, err := BuildSocketURL(resolved.SocketEndpoint, resolved.ID, "observer", m.token, opts.Password)
	if err != nil {
		return ObserverShareState{}, Errf(CodeUnknown, "bad socket endpoint %q: %v", resolved.SocketEndpoint, err)
	}
	o := &observerShare{
		m:           m,
		code:        code,
		shareID:     resolved.ID,
		sessionName: resolved.SessionName,
		observerID:  ids.ObserverID(),
		displayName: displayName,
		endpoint:    endpoint,
		role:        RoleReadOnly,
	}

	m.mu.Lock()
	if _, exists := m.observers[code]; exists {
		m.mu.Unlock()
		return ObserverShareState{}, Errf(CodeAlreadyShared, "already joined to %s", code)
	}
	m.observers[code] = o
	m.mu.Unlock()

	if err := o.connect(ctx); err != nil {
		m.removeObserver(code, o)
		return ObserverShareState{}, Errf(CodeNetworkError, "open share socket: %v", err)
	}
	m.logger.Info("joined share", "code", code, "observer", o.observerID)
	return o.state(), nil
}

// LeaveShare drops an observer subscription: pending reconnects are
// cancelled, the socket closed, the state removed.
func (m *Manager) LeaveShare(code string) error {
	m.mu.Lock()
	o, ok := m.observers[code]
	if !ok {
		m.mu.Unlock()
		return Errf(CodeSessionNotFound, "not joined to %s", code)
	}
	delete(m.observers, code)
	m.mu.Unlock()
	o.teardown()
	m.logger.Info("left share", "code", code)
	return nil
}

// RequestControl asks the host of a joined share for input control.
func (m *Manager) RequestControl(code string) error {
	o, err := m.observerFor(code)
	if err != nil {
		return err
	}
	return o.requestControl()
}

// ReleaseControl voluntarily gives up control of a joined share.
func (m *Manager) ReleaseControl(code string) error {
	o, err := m.observerFor(code)
	if err != nil {
		return err
	}
	return o.releaseControl()
}

// SendInput forwards input bytes through a joined share.
func (m *Manager) SendInput(code string, data []byte) error {
	o, err := m.observerFor(code)
	if err != nil {
		return err
	}
	return o.sendInput(data)
}

// JoinedShare reports the observer-side state for a code.
func (m *Manager) JoinedShare(code string) (ObserverShareState, bool) {
	m.mu.Lock()
	o, ok := m.observers[code]
	m.mu.Unlock()
	if !ok {
		return ObserverShareState{}, false
	}
	return o.state(), true
}

// JoinedShares lists every joined share.
func (m *Manager) JoinedShares() []ObserverShareState {
	m.mu.Lock()
	observers := make([]*observerShare, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()
	states := make([]ObserverShareState, 0, len(observers))
	for _, o := range observers {
		states = append(states, o.state())
	}
	return states
}

// Settings exposes the persisted user settings, or nil.
func (m *Manager) Settings() *Settings {
	return m.settings
}

// handleSessionEnd stops the share of a session that just ended.
// Best-effort: failures are logged, never propagated to the provider.
func (m *Manager) handleSessionEnd(sessionID string) {
	m.mu.Lock()
	_, shared := m.hosts[sessionID]
	m.mu.Unlock()
	if !shared {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.StopShare(ctx, sessionID); err != nil {
		m.logger.Warn("auto-stop after session end failed", "session", sessionID, "err", err)
	}
}

// cleanupOrphanRooms deletes rooms whose host is gone, freeing quota
// before a create retry. Best-effort throughout.
func (m *Manager) cleanupOrphanRooms(ctx context.Context) {
	rooms, err := m.rooms.ListRooms(ctx)
	if err != nil {
		m.logger.Warn("orphan room listing failed", "err", err)
		return
	}
	for _, room := range rooms {
		if room.HostConnected {
			continue
		}
		if err := m.rooms.DeleteRoom(ctx, room.ID); err != nil {
			m.logger.Warn("orphan room delete failed", "room", room.ID, "err", err)
		} else {
			m.logger.Info("orphan room deleted", "room", room.ID, "code", room.Code)
		}
	}
}

func (m *Manager) hostFor(sessionID string) (*hostShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[sessionID]
	if !ok {
		return nil, Errf(CodeSessionNotFound, "session %s is not shared", sessionID)
	}
	return h, nil
}

func (m *Manager) observerFor(code string) (*observerShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.observers[code]
	if !ok {
		return nil, Errf(CodeSessionNotFound, "not joined to %s", code)
	}
	return o, nil
}

// removeHost deletes the registry entry if it still points at h.
func (m *Manager) removeHost(sessionID string, h *hostShare) {
	m.mu.Lock()
	if cur, ok := m.hosts[sessionID]; ok && cur == h {
		delete(m.hosts, sessionID)
	}
	m.mu.Unlock()
}

// removeObserver deletes the registry entry if it still points at o.
func (m *Manager) removeObserver(code string, o *observerShare) {
	m.mu.Lock()
	if cur, ok := m.observers[code]; ok && cur == o {
		delete(m.observers, code)
	}
	m.mu.Unlock()
}

func (m *Manager) reconnectDelay(attempt int) time.Duration {
	if attempt >= len(m.reconnectDelays) {
		attempt = len(m.reconnectDelays) - 1
	}
	return m.reconnectDelays[attempt]
}

func (m *Manager) notify(ev Event) {
	if m.handler != nil {
		m.handler(ev)
	}
}
