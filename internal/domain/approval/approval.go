// Package approval tracks the reviewer's per-field approval of a submission.
//
// Approvals are seeded by the system when a field's comparison turns into a
// match and may be toggled freely by the user afterwards. The system never
// revokes an approval. AllApproved is the gate for claim generation.
package approval

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/echs-verifier/internal/domain/reconcile"
)

// Provenance records who last set a field's approval.
type Provenance string

const (
	ProvenanceNone   Provenance = ""
	ProvenanceSystem Provenance = "system"
	ProvenanceUser   Provenance = "user"
)

// Entry is the approval state of one tracked field.
type Entry struct {
	Approved    bool       `json:"approved"`
	Provenance  Provenance `json:"provenance,omitempty"`
	LastMatched bool       `json:"last_matched"`
}

// Tracker holds one Entry per tracked field. The zero value is not usable;
// call New.
type Tracker struct {
	entries map[reconcile.TrackedField]*Entry
}

// New returns a tracker with every field unapproved.
func New() *Tracker {
	t := &Tracker{}
	t.Reset()
	return t
}

// Reset clears every approval.
func (t *Tracker) Reset() {
	t.entries = make(map[reconcile.TrackedField]*Entry, len(reconcile.TrackedFields))
	for _, f := range reconcile.TrackedFields {
		t.entries[f] = &Entry{}
	}
}

// Observe seeds approvals from a fresh comparison. A field whose verdict
// moves from unmatched to matched becomes approved; nothing is ever
// unapproved here. It returns the fields that were seeded.
func (t *Tracker) Observe(rep reconcile.Report) []reconcile.TrackedField {
	var seeded []reconcile.TrackedField
	for _, row := range rep.Rows {
		e, ok := t.entries[row.Field]
		if !ok {
			continue
		}
		if row.Matched && !e.LastMatched {
			if !e.Approved {
				seeded = append(seeded, row.Field)
			}
			e.Approved = true
			e.Provenance = ProvenanceSystem
		}
		e.LastMatched = row.Matched
	}
	return seeded
}

// Toggle flips the approval of f unconditionally and returns the new state.
func (t *Tracker) Toggle(f reconcile.TrackedField) (bool, error) {
	e, ok := t.entries[f]
	if !ok {
		return false, fmt.Errorf("unknown tracked field %q", f)
	}
	e.Approved = !e.Approved
	e.Provenance = ProvenanceUser
	return e.Approved, nil
}

// Set records an explicit user decision for f.
func (t *Tracker) Set(f reconcile.TrackedField, approved bool) error {
	e, ok := t.entries[f]
	if !ok {
		return fmt.Errorf("unknown tracked field %q", f)
	}
	e.Approved = approved
	e.Provenance = ProvenanceUser
	return nil
}

// Approved reports whether f is approved.
func (t *Tracker) Approved(f reconcile.TrackedField) bool {
	e, ok := t.entries[f]
	return ok && e.Approved
}

// Entry returns a copy of the state for f.
func (t *Tracker) Entry(f reconcile.TrackedField) Entry {
	if e, ok := t.entries[f]; ok {
		return *e
	}
	return Entry{}
}

// AllApproved reports whether every tracked field is approved.
func (t *Tracker) AllApproved() bool {
	for _, f := range reconcile.TrackedFields {
		if !t.Approved(f) {
			return false
		}
	}
	return true
}

func (t *Tracker) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.entries)
}

func (t *Tracker) UnmarshalJSON(data []byte) error {
	var raw map[reconcile.TrackedField]*Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode approval state: %w", err)
	}
	t.Reset()
	for f, e := range raw {
		if _, ok := t.entries[f]; ok && e != nil {
			t.entries[f] = e
		}
	}
	return nil
}
