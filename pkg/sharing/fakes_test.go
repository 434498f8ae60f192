package sharing

import (
	"context"
	"sync"
	"testing"
	"time"

	"termshare/pkg/account"
	"termshare/pkg/frame"
	"termshare/pkg/relay"
	"termshare/pkg/session"
)

// fakeProvider is an in-memory session provider.
type fakeProvider struct {
	mu            sync.Mutex
	sessions      map[string]session.Info
	subs          map[string]func([]byte)
	inputs        [][]byte
	endFns        []func(string)
	subscribeHook func() // runs at the top of SubscribeToOutput
}

func newFakeProvider(ids ...string) *fakeProvider {
	p := &fakeProvider{
		sessions: make(map[string]session.Info),
		subs:     make(map[string]func([]byte)),
	}
	for _, id := range ids {
		p.sessions[id] = session.Info{ID: id, Name: id, Status: session.StatusRunning}
	}
	return p
}

func (p *fakeProvider) GetSession(id string) (session.Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.sessions[id]
	return info, ok
}

func (p *fakeProvider) SubscribeToOutput(id string, fn func([]byte)) (func(), error) {
	p.mu.Lock()
	hook := p.subscribeHook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}, nil
}

func (p *fakeProvider) SendInput(id string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	p.inputs = append(p.inputs, copied)
	return nil
}

func (p *fakeProvider) OnSessionEnd(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endFns = append(p.endFns, fn)
}

func (p *fakeProvider) emitOutput(id string, chunk []byte) {
	p.mu.Lock()
	fn := p.subs[id]
	p.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

func (p *fakeProvider) endSession(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	fns := make([]func(string), len(p.endFns))
	copy(fns, p.endFns)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (p *fakeProvider) subscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *fakeProvider) inputLog() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.inputs))
	copy(out, p.inputs)
	return out
}

// fakeRooms is an in-memory broker.
type fakeRooms struct {
	mu         sync.Mutex
	createErrs []error // returned in order before successes begin
	created    int
	deleted    []string
	kicked     []string
	listing    []relay.Room
	resolved   map[string]relay.ResolvedRoom
	resolveErr error
	createHook func() // runs at the top of CreateRoom
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{resolved: make(map[string]relay.ResolvedRoom)}
}

func (r *fakeRooms) CreateRoom(_ context.Context, req relay.CreateRoomRequest) (relay.Room, error) {
	r.mu.Lock()
	hook := r.createHook
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		if err != nil {
			return relay.Room{}, err
		}
	}
	r.created++
	return relay.Room{
		ID:             "room-1",
		Code:           "ABC123",
		URL:            "https://relay.test/ABC123",
		SocketEndpoint: "ws://relay.test/ws",
		HasPassword:    req.Password != "",
	}, nil
}

func (r *fakeRooms) ResolveCode(_ context.Context, code string) (relay.ResolvedRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolveErr != nil {
		return relay.ResolvedRoom{}, r.resolveErr
	}
	resolved, ok := r.resolved[code]
	if !ok {
		return relay.ResolvedRoom{}, relay.ErrInvalidCode
	}
	return resolved, nil
}

func (r *fakeRooms) DeleteRoom(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, roomID)
	return nil
}

func (r *fakeRooms) KickObserver(_ context.Context, roomID, observerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kicked = append(r.kicked, observerID)
	return nil
}

func (r *fakeRooms) ListRooms(context.Context) ([]relay.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listing, nil
}

func (r *fakeRooms) deletedRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.deleted))
	copy(out, r.deleted)
	return out
}

func (r *fakeRooms) createCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// fakeSocket records sent frames; the test drives incoming traffic
// through the callbacks captured by fakeDialer.
type fakeSocket struct {
	mu         sync.Mutex
	sent       [][]byte
	closed     bool
	terminated bool
	sentCh     chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{sentCh: make(chan struct{}, 64)}
}

func (s *fakeSocket) Send(p []byte) error {
	s.mu.Lock()
	copied := make([]byte, len(p))
	copy(copied, p)
	s.sent = append(s.sent, copied)
	s.mu.Unlock()
	select {
	case s.sentCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
}

// framesOfType returns the payloads of every sent frame of type t.
func (s *fakeSocket) framesOfType(t frame.Type) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, raw := range s.sent {
		if f, ok := frame.Decode(raw); ok && f.Type == t {
			out = append(out, f.Payload)
		}
	}
	return out
}

func (s *fakeSocket) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) wasTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// fakeDialer hands out fakeSockets and captures the controllers'
// callbacks so tests can inject frames and closes.
type fakeDialer struct {
	mu       sync.Mutex
	dialErrs []error // returned in order before successes begin
	socks    []*fakeSocket
	cbs      []Callbacks
	dialed   []string
	dialCh   chan struct{} // signaled after every Dial attempt
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialCh: make(chan struct{}, 64)}
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string, cb Callbacks) (Socket, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, endpoint)
	var err error
	if len(d.dialErrs) > 0 {
		err = d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
	}
	var sock *fakeSocket
	if err == nil {
		sock = newFakeSocket()
		d.socks = append(d.socks, sock)
		d.cbs = append(d.cbs, cb)
	}
	d.mu.Unlock()

	select {
	case d.dialCh <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}
	return sock, nil
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[i]
}

func (d *fakeDialer) callbacks(i int) Callbacks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cbs[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func (d *fakeDialer) waitForDials(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-d.dialCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for dial %d of %d", i+1, n)
		}
	}
}

// eventRecorder collects published notifications.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 64)}
}

func (r *eventRecorder) handler() Handler {
	return func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.ch <- ev:
		default:
		}
	}
}

// waitFor blocks until an event of the given kind arrives.
func (r *eventRecorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// testEnv bundles a manager with all its fakes.
type testEnv struct {
	mgr      *Manager
	provider *fakeProvider
	rooms    *fakeRooms
	dialer   *fakeDialer
	events   *eventRecorder
}

func newTestEnv(t *testing.T, sessions ...string) *testEnv {
	t.Helper()
	if len(sessions) == 0 {
		sessions = []string{"sess-1"}
	}
	env := &testEnv{
		provider: newFakeProvider(sessions...),
		rooms:    newFakeRooms(),
		dialer:   newFakeDialer(),
		events:   newEventRecorder(),
	}
	env.mgr = NewManager(ManagerConfig{
		Provider: env.provider,
		Accounts: account.Static{Account: account.Account{Plan: account.PlanPro}},
		Rooms:    env.rooms,
		Dialer:   env.dialer,
		Token:    "test-token",
		Notify:   env.events.handler(),
		ReconnectDelays: []time.Duration{
			time.Millisecond, time.Millisecond, time.Millisecond,
			time.Millisecond, time.Millisecond,
		},
	})
	return env
}

// startShare starts a host share and returns its socket callbacks.
func (env *testEnv) startShare(t *testing.T, sessionID string) (ShareInfo, Callbacks) {
	t.Helper()
	info, err := env.mgr.StartShare(context.Background(), sessionID, StartOptions{})
	if err != nil {
		t.Fatalf("StartShare: %v", err)
	}
	return info, env.dialer.callbacks(env.dialer.dialCount() - 1)
}

// announce injects an ObserverAnnounce frame from an observer.
func announce(cb Callbacks, observerID, name string) {
	cb.OnMessage(frame.Encode(frame.ObserverAnnounce,
		frame.MustJSON(frame.AnnouncePayload{ObserverID: observerID, DisplayName: name})))
}
