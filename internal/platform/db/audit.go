package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// AuditRecord is one row of submission_audit.
type AuditRecord struct {
	UserID     string
	Action     string
	Params     map[string]string
	RequestID  string
	StatusCode int
	RecordedAt time.Time
}

// AuditWriter appends audit rows to submission_audit.
type AuditWriter struct {
	db      execer
	timeout time.Duration
}

// NewAuditWriter returns a writer using db, which is usually a *pgxpool.Pool.
func NewAuditWriter(db execer) *AuditWriter {
	return &AuditWriter{db: db, timeout: 3 * time.Second}
}

// Write inserts rec. It runs detached from any request context so an entry
// is still recorded after the client disconnects.
func (w *AuditWriter) Write(rec AuditRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode audit params: %w", err)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	_, err = w.db.Exec(ctx, `
		INSERT INTO submission_audit (user_id, action, params, request_id, status_code, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.UserID, rec.Action, params, rec.RequestID, rec.StatusCode, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
