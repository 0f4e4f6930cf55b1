package submission

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/echs-verifier/internal/domain/document"
)

var (
	ErrSessionNotFound = errors.New("submission session not found")
	ErrNotApproved     = errors.New("all tracked fields must be approved before generating a claim ID")
	ErrNoRequest       = errors.New("no request has been submitted yet; upload all documents first")
)

// msgFileRequired is shown against a category whose upload is missing.
const msgFileRequired = "File is required"

// ValidationError carries field-keyed messages for a refused action. Keys
// are "<category>.<field>".
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ExtractionError reports a failed extraction for one category.
type ExtractionError struct {
	Category document.Category
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Category, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ClaimError reports a failed claim ID request.
type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string { return "generate claim id: " + e.Err.Error() }

func (e *ClaimError) Unwrap() error { return e.Err }

// UpdateError reports a failed request_update call.
type UpdateError struct {
	Err error
}

func (e *UpdateError) Error() string { return "update request: " + e.Err.Error() }

func (e *UpdateError) Unwrap() error { return e.Err }
