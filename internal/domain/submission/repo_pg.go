package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/echs-verifier/internal/domain/document"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type sessionRepoPG struct {
	db  queryable
	reg *document.Registry
}

// NewSessionRepoPG stores sessions in submission_session. db is usually a
// *pgxpool.Pool; reg may be nil for the default schemas.
func NewSessionRepoPG(db queryable, reg *document.Registry) SessionRepository {
	return &sessionRepoPG{db: db, reg: reg}
}

func (r *sessionRepoPG) conn(_ context.Context) queryable {
	return r.db
}

const sessionCols = `id, user_id, state, COALESCE(request_id, ''), COALESCE(claim_id, ''), created_at, updated_at`

func (r *sessionRepoPG) Get(ctx context.Context, userID string) (*Session, error) {
	var (
		s         Session
		state     []byte
		requestID string
		claimID   string
	)
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM submission_session WHERE user_id = $1`, userID).
		Scan(&s.ID, &s.UserID, &state, &requestID, &claimID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	if err := decodeState(state, &s, r.reg); err != nil {
		return nil, err
	}
	// The columns are authoritative for the IDs other systems query by.
	s.RequestID = requestID
	s.ClaimID = claimID
	return &s, nil
}

func (r *sessionRepoPG) Save(ctx context.Context, s *Session) error {
	state, err := encodeState(s)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO submission_session (id, user_id, state, request_id, claim_id, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			state = EXCLUDED.state,
			request_id = EXCLUDED.request_id,
			claim_id = EXCLUDED.claim_id,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.UserID, state, s.RequestID, s.ClaimID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) Delete(ctx context.Context, userID string) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM submission_session WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
