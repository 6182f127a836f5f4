// Package session holds authentication cookie sets and round-robin rotation.
package session

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/metrics"
	"github.com/leadharbor/harvester/internal/pipeline"
)

// Store owns an immutable session list and a mutable rotation cursor.
// The cursor is a heuristic hint shared across concurrent scrapes;
// occasional lost updates are acceptable, so it is a bare atomic rather
// than a locked counter.
type Store struct {
	sessions []pipeline.Session
	cursor   atomic.Uint64
	logger   *zap.Logger
}

// NewStore builds a Store over the given sessions. Cookies are
// normalized once here so every later injection sees canonical values.
func NewStore(sessions []pipeline.Session, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make([]pipeline.Session, len(sessions))
	for i, s := range sessions {
		normalized[i] = NormalizeSession(s)
	}
	return &Store{
		sessions: normalized,
		logger:   logger,
	}
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	return len(s.sessions)
}

// Current returns the session under the rotation cursor, or false when
// the store is empty.
func (s *Store) Current() (pipeline.Session, bool) {
	if len(s.sessions) == 0 {
		return pipeline.Session{}, false
	}
	idx := s.cursor.Load() % uint64(len(s.sessions))
	return s.sessions[idx], true
}

// Rotate advances the cursor modulo the list length. With zero or one
// sessions rotation is a no-op: it is reported (logged and false
// returned), never silently ignored.
func (s *Store) Rotate() bool {
	if len(s.sessions) <= 1 {
		s.logger.Warn("session rotation is a no-op",
			zap.Int("sessions", len(s.sessions)),
		)
		return false
	}
	next := s.cursor.Add(1) % uint64(len(s.sessions))
	metrics.ObserveRotation()
	s.logger.Info("rotated session",
		zap.Uint64("cursor", next),
		zap.String("label", s.sessions[next].Label),
	)
	return true
}
