package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lobby/internal/ledger"
)

type sessionRecord struct {
	capacity     int
	status       ledger.Status
	createdAt    time.Time
	updatedAt    time.Time
	participants map[string]Participant
	seats        map[int]string
}

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*sessionRecord)}
}

func (s *InMemoryStore) InsertSession(_ context.Context, capacity int) (string, error) {
	if capacity <= 0 {
		return "", fmt.Errorf("insert session: invalid capacity %d", capacity)
	}
	now := time.Now().UTC()
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &sessionRecord{
		capacity:     capacity,
		status:       ledger.StatusWaiting,
		createdAt:    now,
		updatedAt:    now,
		participants: make(map[string]Participant),
		seats:        make(map[int]string),
	}
	return id, nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, sessionID string, status ledger.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.status = status
	rec.updatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) InsertParticipant(_ context.Context, p Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[p.SessionID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := rec.participants[p.ID]; exists {
		return nil
	}
	if holder, taken := rec.seats[p.Seat]; taken && holder != p.ID {
		return fmt.Errorf("insert participant seat %d: %w", p.Seat, ErrSeatTaken)
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	rec.participants[p.ID] = p
	rec.seats[p.Seat] = p.ID
	return nil
}

func (s *InMemoryStore) CountParticipants(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	return len(rec.participants), nil
}

// Status reports the persisted status of a session.
func (s *InMemoryStore) Status(sessionID string) (ledger.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.status, nil
}

func (s *InMemoryStore) Close() error { return nil }
