package sharing

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SettingsData is the on-disk shape of user settings.
type SettingsData struct {
	DisplayName  string `json:"displayName"`
	AutoExpireMs int64  `json:"autoExpireMs,omitempty"`
}

// Settings holds lightweight user settings with durable persistence.
// Writes go through a temp file and rename so a crash never leaves a
// torn file; external edits are picked up through a directory watch.
type Settings struct {
	mu      sync.Mutex
	path    string
	data    SettingsData
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// LoadSettings reads settings from path, creating parent directories
// as needed. A missing file is not an error. logger may be nil.
func LoadSettings(path string, logger *slog.Logger) (*Settings, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	s := &Settings{path: path, logger: logger}
	s.reload()

	// Watch the directory, not the file: the rename on save replaces
	// the watched inode.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("settings watcher unavailable", "err", err)
		return s, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("settings watch failed", "path", path, "err", err)
		_ = watcher.Close()
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *Settings) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == s.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("settings watcher error", "err", err)
		}
	}
}

func (s *Settings) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var parsed SettingsData
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.logger.Warn("settings file unreadable", "path", s.path, "err", err)
		return
	}
	s.mu.Lock()
	s.data = parsed
	s.mu.Unlock()
}

func (s *Settings) save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// DisplayName returns the configured observer display name.
func (s *Settings) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DisplayName
}

// SetDisplayName updates and persists the display name.
func (s *Settings) SetDisplayName(name string) error {
	s.mu.Lock()
	s.data.DisplayName = name
	s.mu.Unlock()
	return s.save()
}

// AutoExpire returns the default share expiry, zero meaning none.
func (s *Settings) AutoExpire() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.data.AutoExpireMs) * time.Millisecond
}

// SetAutoExpire updates and persists the default share expiry.
func (s *Settings) SetAutoExpire(d time.Duration) error {
	s.mu.Lock()
	s.data.AutoExpireMs = d.Milliseconds()
	s.mu.Unlock()
	return s.save()
}

// Close stops the file watcher.
func (s *Settings) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
