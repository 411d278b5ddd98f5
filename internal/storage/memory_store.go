package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Closer is anything a session store can release on expiry.
type Closer interface {
	Close()
}

type sessionEntry[T Closer] struct {
	value      T
	lastAccess time.Time
}

// SessionStore keeps open modal sessions in memory and closes the ones left
// idle for longer than the TTL.
type SessionStore[T Closer] struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry[T]
	ttl      time.Duration
	now      func() time.Time
}

func NewSessionStore[T Closer](ttl time.Duration) *SessionStore[T] {
	return &SessionStore[T]{
		sessions: make(map[string]*sessionEntry[T]),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *SessionStore[T]) Put(id string, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = &sessionEntry[T]{value: value, lastAccess: s.now()}
}

// Get returns the session and marks it as used.
func (s *SessionStore[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		var zero T
		return zero, false
	}
	entry.lastAccess = s.now()
	return entry.value, true
}

// Delete removes and closes the session.
func (s *SessionStore[T]) Delete(id string) bool {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		entry.value.Close()
	}
	return ok
}

func (s *SessionStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep closes every session idle for longer than the TTL and returns how
// many it removed.
func (s *SessionStore[T]) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var expired []T
	for id, entry := range s.sessions {
		if entry.lastAccess.Before(cutoff) {
			expired = append(expired, entry.value)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, v := range expired {
		v.Close()
	}
	return len(expired)
}

// RunSweeper sweeps every interval until ctx is done.
func (s *SessionStore[T]) RunSweeper(ctx context.Context, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.WithField("expired", n).Info("Closed idle modal sessions")
			}
		}
	}
}

// CloseAll closes every session, used on shutdown.
func (s *SessionStore[T]) CloseAll() {
	s.mu.Lock()
	all := make([]T, 0, len(s.sessions))
	for id, entry := range s.sessions {
		all = append(all, entry.value)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, v := range all {
		v.Close()
	}
}
