package submission

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/echs-verifier/internal/domain/approval"
	"github.com/ehr/echs-verifier/internal/domain/document"
)

// Notification levels.
const (
	LevelSuccess = "success"
	LevelError   = "error"
	LevelInfo    = "info"
)

// Notification is a user-facing message queued until the client reads the
// session.
type Notification struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// maxNotifications bounds the queue for clients that never drain it.
const maxNotifications = 50

// Session is one user's in-progress submission.
type Session struct {
	ID            uuid.UUID
	UserID        string
	Bundle        *document.Bundle
	Approval      *approval.Tracker
	RequestID     string
	ClaimID       string
	PriorClaimID  string
	Errors        map[string]string
	Notifications []Notification
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewSession returns an empty session for userID.
func NewSession(userID string, reg *document.Registry, now time.Time) *Session {
	return &Session{
		ID:        uuid.New(),
		UserID:    userID,
		Bundle:    document.NewBundle(reg),
		Approval:  approval.New(),
		Errors:    map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// fileErrorKey is the error key for a category's upload control.
func fileErrorKey(c document.Category) string {
	return string(c) + ".file"
}

func fieldErrorKey(c document.Category, field string) string {
	return string(c) + "." + field
}

func (s *Session) setError(key, msg string) {
	if s.Errors == nil {
		s.Errors = map[string]string{}
	}
	s.Errors[key] = msg
}

// clearErrors drops every error recorded for c.
func (s *Session) clearErrors(c document.Category) {
	prefix := string(c) + "."
	for k := range s.Errors {
		if strings.HasPrefix(k, prefix) {
			delete(s.Errors, k)
		}
	}
}

func (s *Session) notify(level, msg string, now time.Time) {
	s.Notifications = append(s.Notifications, Notification{Level: level, Message: msg, CreatedAt: now})
	if n := len(s.Notifications); n > maxNotifications {
		s.Notifications = append([]Notification(nil), s.Notifications[n-maxNotifications:]...)
	}
}

// drain returns and clears the queued notifications.
func (s *Session) drain() []Notification {
	out := s.Notifications
	s.Notifications = nil
	if out == nil {
		out = []Notification{}
	}
	return out
}

// sessionState is the persisted JSON body of a session. Identity and
// timestamps live in their own columns.
type sessionState struct {
	Bundle        *document.Bundle  `json:"bundle"`
	Approval      *approval.Tracker `json:"approval"`
	RequestID     string            `json:"request_id,omitempty"`
	ClaimID       string            `json:"claim_id,omitempty"`
	PriorClaimID  string            `json:"prior_claim_id,omitempty"`
	Errors        map[string]string `json:"errors,omitempty"`
	Notifications []Notification    `json:"notifications,omitempty"`
}

func encodeState(s *Session) ([]byte, error) {
	data, err := json.Marshal(sessionState{
		Bundle:        s.Bundle,
		Approval:      s.Approval,
		RequestID:     s.RequestID,
		ClaimID:       s.ClaimID,
		PriorClaimID:  s.PriorClaimID,
		Errors:        s.Errors,
		Notifications: s.Notifications,
	})
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte, s *Session, reg *document.Registry) error {
	st := sessionState{Bundle: document.NewBundle(reg), Approval: approval.New()}
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode session state: %w", err)
	}
	if st.Bundle == nil {
		st.Bundle = document.NewBundle(reg)
	}
	if st.Approval == nil {
		st.Approval = approval.New()
	}
	s.Bundle = st.Bundle
	s.Approval = st.Approval
	s.RequestID = st.RequestID
	s.ClaimID = st.ClaimID
	s.PriorClaimID = st.PriorClaimID
	s.Errors = st.Errors
	if s.Errors == nil {
		s.Errors = map[string]string{}
	}
	s.Notifications = st.Notifications
	return nil
}
