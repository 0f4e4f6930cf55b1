package submission

import (
	"context"
)

// SessionRepository persists one session per user.
type SessionRepository interface {
	// Get returns ErrSessionNotFound when the user has no session.
	Get(ctx context.Context, userID string) (*Session, error)
	// Save inserts or replaces the user's session.
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID string) error
}
