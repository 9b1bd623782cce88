package nest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Loginer performs a fresh login.
type Loginer interface {
	Login(ctx context.Context) (Session, error)
}

// SessionManager hands out a valid session, logging in again when the cached
// one expires, and persists it to disk so restarts do not force a login.
type SessionManager struct {
	login Loginer
	path  string
	log   *slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	sess   Session
	loaded bool
}

// NewSessionManager creates a session manager. An empty path disables
// persistence.
func NewSessionManager(login Loginer, path string, log *slog.Logger) *SessionManager {
	return &SessionManager{
		login: login,
		path:  path,
		log:   log,
		now:   time.Now,
	}
}

// Token returns the cached session if still valid, otherwise logs in.
func (m *SessionManager) Token(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		m.loaded = true
		if sess, err := m.readFile(); err == nil {
			m.sess = sess
		} else if !os.IsNotExist(err) {
			m.log.Warn("ignoring unreadable session file", "path", m.path, "error", err)
		}
	}

	if m.sess.Valid(m.now()) {
		return m.sess, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh discards the cached session and logs in again.
func (m *SessionManager) ForceRefresh(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	return m.refreshLocked(ctx)
}

func (m *SessionManager) refreshLocked(ctx context.Context) (Session, error) {
	sess, err := m.login.Login(ctx)
	if err != nil {
		return Session{}, err
	}
	m.sess = sess
	if err := m.writeFile(sess); err != nil {
		m.log.Warn("failed to persist session", "path", m.path, "error", err)
	}
	return sess, nil
}

func (m *SessionManager) readFile() (Session, error) {
	if m.path == "" {
		return Session{}, os.ErrNotExist
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("nest: parse session %s: %w", m.path, err)
	}
	return sess, nil
}

func (m *SessionManager) writeFile(sess Session) error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}
