package submission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/echs-verifier/internal/domain/document"
)

type storedSession struct {
	id        uuid.UUID
	state     []byte
	createdAt time.Time
	updatedAt time.Time
}

// sessionRepoMemory keeps encoded sessions in memory. Sessions are stored
// serialized so callers never share mutable state with the store.
type sessionRepoMemory struct {
	mu       sync.RWMutex
	reg      *document.Registry
	sessions map[string]storedSession
}

// NewSessionRepoMemory returns a process-local repository used when no
// database is configured.
func NewSessionRepoMemory(reg *document.Registry) SessionRepository {
	return &sessionRepoMemory{reg: reg, sessions: make(map[string]storedSession)}
}

func (r *sessionRepoMemory) Get(_ context.Context, userID string) (*Session, error) {
	r.mu.RLock()
	st, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s := &Session{ID: st.id, UserID: userID, CreatedAt: st.createdAt, UpdatedAt: st.updatedAt}
	if err := decodeState(st.state, s, r.reg); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *sessionRepoMemory) Save(_ context.Context, s *Session) error {
	state, err := encodeState(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := storedSession{id: s.ID, state: state, createdAt: s.CreatedAt, updatedAt: s.UpdatedAt}
	if prev, ok := r.sessions[s.UserID]; ok {
		st.id = prev.id
		st.createdAt = prev.createdAt
	}
	r.sessions[s.UserID] = st
	return nil
}

func (r *sessionRepoMemory) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
	return nil
}
