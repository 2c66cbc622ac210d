package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/room4-2/OpenOnboard/backend"
	"github.com/room4-2/OpenOnboard/config"
	"github.com/room4-2/OpenOnboard/store"
)

const sessionKeyPrefix = "onboard:session:"

// Manager owns all active sessions, keyed by user id. Each user has at most
// one live session; starting a new one tears down the old. Session presence
// is mirrored into Redis best-effort so operators can see who is mid-call;
// the mirror is never load-bearing.
type Manager struct {
	cfg     *config.Config
	client  *backend.Client
	store   *store.Store
	factory TransportFactory
	redis   *redis.Client // nil when Redis is unavailable

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCleanup chan struct{}
}

// NewManager creates a session manager. redisClient may be nil.
func NewManager(cfg *config.Config, client *backend.Client, st *store.Store, factory TransportFactory, redisClient *redis.Client) *Manager {
	m := &Manager{
		cfg:         cfg,
		client:      client,
		store:       st,
		factory:     factory,
		redis:       redisClient,
		sessions:    make(map[string]*Session),
		stopCleanup: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// StartSession begins a session for a user, replacing any existing one.
func (m *Manager) StartSession(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	m.mu.Lock()
	if existing, ok := m.sessions[userID]; ok {
		delete(m.sessions, userID)
		m.mu.Unlock()
		log.Printf("🔄 [%s] Replacing existing session %s", userID, existing.ID)
		existing.Stop()
		// The old session touches the same store row until it is fully
		// down; don't start the replacement while both are live.
		select {
		case <-existing.Done():
		case <-time.After(5 * time.Second):
			log.Printf("⚠️ [%s] Timed out waiting for session %s to stop", userID, existing.ID)
		}
		m.mu.Lock()
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("session limit reached (%d)", m.cfg.MaxSessions)
	}

	sess := NewSession(userID, m.cfg, m.client, m.store, m.factory)
	m.sessions[userID] = sess
	m.mu.Unlock()

	sess.Start()
	m.mirrorPresence(userID, sess.ID, true)

	// Reap the map entry once the session shuts down.
	go func() {
		<-sess.Done()
		m.mu.Lock()
		if m.sessions[userID] == sess {
			delete(m.sessions, userID)
		}
		m.mu.Unlock()
		m.mirrorPresence(userID, sess.ID, false)
	}()

	log.Printf("✅ [%s] Session %s started (%d active)", userID, sess.ID, m.Count())
	return sess, nil
}

// GetSession returns a user's active session, if any.
func (m *Manager) GetSession(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	return sess, ok
}

// StopSession ends a user's session if one is active.
func (m *Manager) StopSession(userID string) bool {
	m.mu.RLock()
	sess, ok := m.sessions[userID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	sess.Stop()
	return true
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// mirrorPresence records session presence in Redis. Failures are logged and
// ignored.
func (m *Manager) mirrorPresence(userID, sessionID string, active bool) {
	if m.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := sessionKeyPrefix + userID
	var err error
	if active {
		err = m.redis.Set(ctx, key, sessionID, m.cfg.SessionTimeout).Err()
	} else {
		err = m.redis.Del(ctx, key).Err()
	}
	if err != nil {
		log.Printf("⚠️ Redis presence mirror failed for %s: %v", userID, err)
	}
}

// cleanupLoop reaps sessions idle past the configured timeout.
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.SessionTimeout)

	m.mu.RLock()
	var idle []*Session
	for _, sess := range m.sessions {
		if sess.LastActive().Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range idle {
		log.Printf("⏰ [%s] Reaping idle session %s", sess.UserID, sess.ID)
		sess.Stop()
	}
}

// Shutdown stops all sessions and the cleanup loop.
func (m *Manager) Shutdown() {
	close(m.stopCleanup)

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		sess.Stop()
	}
	log.Printf("👋 Session manager shut down (%d sessions stopped)", len(sessions))
}
