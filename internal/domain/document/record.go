package document

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/echs-verifier/internal/domain/normalize"
)

// FileRef points at an uploaded source file held in the blob store. Only
// metadata is kept here; file bytes never travel with a record.
type FileRef struct {
	BlobID      string `json:"blob_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// FieldMap maps internal field names to values.
type FieldMap map[string]Value

// Record holds the fields extracted from one document category.
type Record struct {
	Category Category  `json:"category"`
	RecordID string    `json:"record_id"`
	Fields   FieldMap  `json:"fields"`
	Files    []FileRef `json:"files,omitempty"`
}

// Get returns the named field, or Empty.
func (r Record) Get(name string) Value {
	return r.Fields[name]
}

// Text is shorthand for Get(name).Text().
func (r Record) Text(name string) string {
	return r.Fields[name].Text()
}

// HasFiles reports whether a source file is attached.
func (r Record) HasFiles() bool {
	return len(r.Files) > 0
}

// IsEmpty reports whether every field of r is empty.
func IsEmpty(r Record) bool {
	for _, v := range r.Fields {
		if !v.IsEmpty() {
			return false
		}
	}
	return true
}

func (r Record) clone() Record {
	out := Record{Category: r.Category, RecordID: r.RecordID, Fields: make(FieldMap, len(r.Fields))}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	if len(r.Files) > 0 {
		out.Files = append([]FileRef(nil), r.Files...)
	}
	return out
}

// UnknownFieldsError reports field names that are not part of a schema.
type UnknownFieldsError struct {
	Category Category
	Names    []string
}

func (e *UnknownFieldsError) Error() string {
	return fmt.Sprintf("%s has no field(s) %s", e.Category, strings.Join(e.Names, ", "))
}

// emptyRecord builds the all-empty record for a schema.
func emptyRecord(s *Schema) *Record {
	r := &Record{Category: s.Category, Fields: make(FieldMap, len(s.Fields))}
	for _, fs := range s.Fields {
		r.Fields[fs.Name] = Empty
	}
	return r
}

// coerce converts v into the representation expected by kind.
func coerce(kind Kind, v Value) Value {
	if v.IsEmpty() && kind != KindFlag {
		return Empty
	}
	switch kind {
	case KindFlag:
		return Flag(parseFlag(v))
	case KindList:
		return List(v.Items()...)
	case KindDate:
		return String(normalize.ToDisplay(v.Text()))
	case KindAge:
		return String(strings.TrimSpace(v.Text()))
	default:
		return String(v.Text())
	}
}

// parseFlag interprets a value as found/not-found.
func parseFlag(v Value) bool {
	if v.flag != nil {
		return *v.flag
	}
	switch strings.ToLower(strings.TrimSpace(v.Text())) {
	case "found", "yes", "y", "true", "present", "1":
		return true
	}
	return false
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
