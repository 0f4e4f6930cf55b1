// Package reconcile compares the tracked fields across the documents of a
// submission. Comparison is a pure read of the bundle; results are derived on
// every call and never cached.
package reconcile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ehr/echs-verifier/internal/domain/document"
	"github.com/ehr/echs-verifier/internal/domain/normalize"
)

// TrackedField is one of the attributes checked for cross-document agreement.
type TrackedField string

const (
	Name      TrackedField = "name"
	Gender    TrackedField = "gender"
	Age       TrackedField = "age"
	Procedure TrackedField = "procedure"
)

// TrackedFields lists every tracked field in report order.
var TrackedFields = []TrackedField{Name, Gender, Age, Procedure}

// ParseTrackedField validates a tracked field identifier.
func ParseTrackedField(s string) (TrackedField, error) {
	for _, f := range TrackedFields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown tracked field %q", s)
}

// Candidate is one document's contribution to a tracked field.
type Candidate struct {
	Category document.Category `json:"category"`
	Field    string            `json:"field"`
	Display  string            `json:"display"`
	Value    string            `json:"value"`
}

// Row is the comparison result for one tracked field.
type Row struct {
	Field      TrackedField `json:"field"`
	Candidates []Candidate  `json:"candidates"`
	Matched    bool         `json:"matched"`
}

// Report is the comparison across every tracked field.
type Report struct {
	Rows    []Row `json:"rows"`
	Matched bool  `json:"matched"`
}

// Row returns the row for f.
func (r Report) Row(f TrackedField) (Row, bool) {
	for _, row := range r.Rows {
		if row.Field == f {
			return row, true
		}
	}
	return Row{}, false
}

// source names a document field that contributes to a tracked field. The
// primary flag selects whichever card the bundle uses as its benefit card.
type source struct {
	category document.Category
	primary  bool
	field    string
}

func (s source) resolve(b *document.Bundle) document.Category {
	if s.primary {
		return b.PrimaryCard()
	}
	return s.category
}

var contributors = map[TrackedField][]source{
	Name: {
		{primary: true, field: "patientName"},
		{category: document.ReferralLetter, field: "patientName"},
		{category: document.Prescription, field: "patientName"},
	},
	Gender: {
		{category: document.NationalID, field: "gender"},
		{category: document.ReferralLetter, field: "gender"},
		{category: document.Prescription, field: "gender"},
	},
	Age: {
		{category: document.ReferralLetter, field: "age"},
		{category: document.Prescription, field: "age"},
	},
	Procedure: {
		{category: document.ReferralLetter, field: "consultationFor"},
		{category: document.Prescription, field: "surgery"},
	},
}

// canonical returns the comparison key for raw, or ok=false when raw
// contributes no candidate.
func canonical(f TrackedField, raw string) (string, bool) {
	if normalize.IsBlank(raw) {
		return "", false
	}
	switch f {
	case Name:
		return normalize.Name(raw), true
	case Gender:
		return normalize.Gender(raw), true
	case Age:
		n, ok := normalize.AgeFromText(raw)
		if !ok {
			return "", false
		}
		return strconv.Itoa(n), true
	case Procedure:
		return normalize.Procedure(raw), true
	}
	return "", false
}

// Candidates collects the non-empty normalized values for f in contributor
// order.
func Candidates(b *document.Bundle, f TrackedField) []Candidate {
	var out []Candidate
	for _, src := range contributors[f] {
		c := src.resolve(b)
		raw := b.Record(c).Text(src.field)
		v, ok := canonical(f, raw)
		if !ok {
			continue
		}
		out = append(out, Candidate{Category: c, Field: src.field, Display: raw, Value: v})
	}
	return out
}

// Matched applies the tolerance policy: no candidates is a mismatch, a single
// candidate is accepted, and two or more must all equal the first.
func Matched(candidates []Candidate) bool {
	if len(candidates) == 0 {
		return false
	}
	ref := candidates[0].Value
	for _, c := range candidates[1:] {
		if c.Value != ref {
			return false
		}
	}
	return true
}

// Compare builds the report for every tracked field.
func Compare(b *document.Bundle) Report {
	rep := Report{Rows: make([]Row, 0, len(TrackedFields)), Matched: true}
	for _, f := range TrackedFields {
		cands := Candidates(b, f)
		row := Row{Field: f, Candidates: cands, Matched: Matched(cands)}
		if row.Candidates == nil {
			row.Candidates = []Candidate{}
		}
		rep.Matched = rep.Matched && row.Matched
		rep.Rows = append(rep.Rows, row)
	}
	return rep
}

// DerivedAge returns the age implied by a record's DOB field on now's date.
// Documents carrying a DOB do not contribute to the Age comparison; this is
// shown alongside it.
func DerivedAge(r document.Record, now time.Time) (int, bool) {
	return normalize.AgeFromDOB(r.Text("dob"), now)
}
