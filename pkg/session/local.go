package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"

	"termshare/pkg/ids"
)

// LocalProvider runs interactive shells inside PTYs so the CLI can
// share a real terminal. Implements Provider.
type LocalProvider struct {
	mu       sync.Mutex
	sessions map[string]*localSession
	endFns   []func(id string)
	logger   *slog.Logger
}

type localSession struct {
	info    Info
	ptmx    *os.File
	cancel  context.CancelFunc
	subs    map[int]func([]byte)
	nextSub int
}

// NewLocalProvider returns an empty provider. logger may be nil.
func NewLocalProvider(logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{
		sessions: make(map[string]*localSession),
		logger:   logger,
	}
}

// DefaultShell picks a sensible shell for the current platform.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		if cmd := os.Getenv("COMSPEC"); cmd != "" {
			return cmd
		}
		return "cmd.exe"
	}
	if cmd := os.Getenv("SHELL"); cmd != "" {
		return cmd
	}
	return "sh"
}

// Start launches command inside a PTY and registers it as a running
// session. The session ends when the process exits or ctx is canceled.
func (p *LocalProvider) Start(ctx context.Context, name, command string, args ...string) (Info, error) {
	cctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cctx, command, args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		cancel()
		return Info{}, fmt.Errorf("start pty: %w", err)
	}
	wd, _ := os.Getwd()
	sess := &localSession{
		info: Info{
			ID:               ids.SessionID(),
			Name:             name,
			WorkingDirectory: wd,
			ProviderID:       "local",
			Status:           StatusRunning,
		},
		ptmx:   ptmx,
		cancel: cancel,
		subs:   make(map[int]func([]byte)),
	}
	p.mu.Lock()
	p.sessions[sess.info.ID] = sess
	p.mu.Unlock()

	go p.readLoop(sess)
	go func() {
		err := cmd.Wait()
		if err != nil && cctx.Err() == nil {
			p.logger.Debug("session process exited", "session", sess.info.ID, "err", err)
		}
		p.endSession(sess.info.ID)
	}()
	return sess.info, nil
}

func (p *LocalProvider) readLoop(sess *localSession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.mu.Lock()
			subs := make([]func([]byte), 0, len(sess.subs))
			for _, fn := range sess.subs {
				subs = append(subs, fn)
			}
			p.mu.Unlock()
			for _, fn := range subs {
				fn(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *LocalProvider) endSession(id string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	sess.info.Status = StatusExited
	sess.cancel()
	_ = sess.ptmx.Close()
	delete(p.sessions, id)
	endFns := make([]func(string), len(p.endFns))
	copy(endFns, p.endFns)
	p.mu.Unlock()
	for _, fn := range endFns {
		fn(id)
	}
}

// Stop terminates a session's process.
func (p *LocalProvider) Stop(id string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	p.mu.Unlock()
	if ok {
		sess.cancel()
	}
}

// Resize adjusts the PTY window.
func (p *LocalProvider) Resize(id string, rows, cols uint16) error {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return pty.Setsize(sess.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// GetSession implements Provider.
func (p *LocalProvider) GetSession(id string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return Info{}, false
	}
	return sess.info, true
}

// SubscribeToOutput implements Provider.
func (p *LocalProvider) SubscribeToOutput(id string, fn func(chunk []byte)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	key := sess.nextSub
	sess.nextSub++
	sess.subs[key] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(sess.subs, key)
	}, nil
}

// SendInput implements Provider.
func (p *LocalProvider) SendInput(id string, data []byte) error {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	_, err := sess.ptmx.Write(data)
	return err
}

// OnSessionEnd implements Provider.
func (p *LocalProvider) OnSessionEnd(fn func(id string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endFns = append(p.endFns, fn)
}
