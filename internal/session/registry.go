package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LaurionAI/voice-agent-backend-server-example/internal/metrics"
)

// ErrRegistryFull is returned by Create when the session limit is reached.
var ErrRegistryFull = errors.New("session: registry full")

// Registry maps session identifiers to live sessions. It is the only owner of
// Session values.
type Registry struct {
	cfg         Config
	maxSessions int
	log         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. maxSessions <= 0 means unlimited.
func NewRegistry(cfg Config, maxSessions int) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:         cfg,
		maxSessions: maxSessions,
		log:         cfg.Logger,
		sessions:    make(map[string]*Session),
	}
}

// Availability returns the shared collaborator flags.
func (r *Registry) Availability() *Availability { return r.cfg.Availability }

// Create allocates and registers a session, then sends the connected event
// carrying its identifier and ICE configuration.
func (r *Registry) Create(sender Sender, userID string) (*Session, error) {
	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	id := uuid.NewString()
	for _, taken := r.sessions[id]; taken; _, taken = r.sessions[id] {
		id = uuid.NewString()
	}
	if userID == "" {
		userID = "anonymous"
	}
	s := newSession(id, userID, sender, r.cfg, r.forget)
	r.sessions[id] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	metrics.SessionsTotal.Inc()
	r.log.Info("session created", "session_id", id, "user_id", userID)
	s.emit(EventConnected, connectedData{SessionID: id, UserID: userID, ICEServers: r.cfg.ICEServers})
	return s, nil
}

// Get looks a session up by identifier.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and unregisters a session. It reports whether id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_ = s.Close()
	return true
}

// ActiveCount reports the number of registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Range calls fn for a snapshot of the registered sessions until fn returns false.
func (r *Registry) Range(fn func(*Session) bool) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.Range(func(s *Session) bool {
		_ = s.Close()
		return true
	})
}

// Reap closes sessions idle for longer than idle, checking every interval
// until ctx is done.
func (r *Registry) Reap(ctx context.Context, idle, interval time.Duration) {
	if idle <= 0 {
		return
	}
	if interval <= 0 {
		interval = idle / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.reapIdle(now, idle); n > 0 {
				r.log.Info("reaped idle sessions", "count", n)
			}
		}
	}
}

func (r *Registry) reapIdle(now time.Time, idle time.Duration) int {
	var stale []*Session
	r.Range(func(s *Session) bool {
		if now.Sub(s.LastSeen()) > idle {
			stale = append(stale, s)
		}
		return true
	})
	for _, s := range stale {
		r.log.Info("session idle timeout", "session_id", s.ID(), "last_seen", s.LastSeen())
		_ = s.Close()
	}
	return len(stale)
}

func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	r.log.Info("session removed", "session_id", s.id)
}
