package document

import (
	"encoding/json"
	"fmt"
)

// Bundle is the set of records making up one submission. It is owned by a
// single session and is not safe for concurrent use.
type Bundle struct {
	reg     *Registry
	primary Category
	records map[Category]*Record
}

// NewBundle returns an empty bundle. A nil registry selects DefaultRegistry.
func NewBundle(reg *Registry) *Bundle {
	if reg == nil {
		reg = DefaultRegistry()
	}
	b := &Bundle{reg: reg}
	b.Reset()
	return b
}

// Registry returns the schema registry backing b.
func (b *Bundle) Registry() *Registry { return b.reg }

// Reset clears every record and restores the default primary card.
func (b *Bundle) Reset() {
	b.primary = BenefitCard
	b.records = make(map[Category]*Record, len(Categories))
	for _, c := range Categories {
		b.records[c] = emptyRecord(b.reg.Schema(c))
	}
}

// PrimaryCard returns the category used as the submission's benefit card.
func (b *Bundle) PrimaryCard() Category { return b.primary }

// SelectPrimaryCard switches between the benefit card and the temporary slip.
func (b *Bundle) SelectPrimaryCard(c Category) error {
	if !c.IsPrimaryCard() {
		return fmt.Errorf("%s cannot be used as the primary card", c)
	}
	b.primary = c
	return nil
}

// Record returns a copy of the record for c.
func (b *Bundle) Record(c Category) Record {
	r, ok := b.records[c]
	if !ok {
		return Record{Category: c, Fields: FieldMap{}}
	}
	return r.clone()
}

// SetRecord replaces the record for c. Fields outside the schema are dropped
// and schema fields missing from fields become empty; nothing from the
// previous record survives.
func (b *Bundle) SetRecord(c Category, recordID string, fields FieldMap, files []FileRef) {
	s := b.reg.Schema(c)
	r := emptyRecord(s)
	r.RecordID = recordID
	for _, fs := range s.Fields {
		if v, ok := fields[fs.Name]; ok {
			r.Fields[fs.Name] = coerce(fs.Kind, v)
		}
	}
	if len(files) > 0 {
		r.Files = append([]FileRef(nil), files...)
	}
	b.records[c] = r
}

// Clear resets the record for c to its empty schema, keeping attached files.
func (b *Bundle) Clear(c Category) {
	files := b.records[c].Files
	b.SetRecord(c, "", nil, files)
}

// AttachFiles binds source files to c without touching its fields.
func (b *Bundle) AttachFiles(c Category, files []FileRef) error {
	s := b.reg.Schema(c)
	if len(files) > s.MaxFiles {
		return fmt.Errorf("%s accepts at most %d file(s), got %d", s.Title, s.MaxFiles, len(files))
	}
	b.records[c].Files = append([]FileRef(nil), files...)
	return nil
}

// Patch applies user edits to an existing record. Only the named fields
// change. Unknown names reject the whole patch.
func (b *Bundle) Patch(c Category, fields FieldMap) error {
	s := b.reg.Schema(c)
	var unknown []string
	for _, name := range sortedKeys(fields) {
		if _, ok := s.Field(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return &UnknownFieldsError{Category: c, Names: unknown}
	}
	r := b.records[c]
	for name, v := range fields {
		fs, _ := s.Field(name)
		r.Fields[name] = coerce(fs.Kind, v)
	}
	return nil
}

// Files returns every attached file across the bundle.
func (b *Bundle) Files() []FileRef {
	var out []FileRef
	for _, c := range Categories {
		out = append(out, b.records[c].Files...)
	}
	return out
}

type bundleJSON struct {
	PrimaryCard Category             `json:"primary_card"`
	Records     map[Category]*Record `json:"records"`
}

func (b *Bundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(bundleJSON{PrimaryCard: b.primary, Records: b.records})
}

// UnmarshalJSON restores a bundle, re-applying the schema so stored state
// from an older schema cannot introduce unknown fields.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var raw bundleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}
	if b.reg == nil {
		b.reg = DefaultRegistry()
	}
	b.Reset()
	if raw.PrimaryCard != "" {
		if err := b.SelectPrimaryCard(raw.PrimaryCard); err != nil {
			return err
		}
	}
	for c, r := range raw.Records {
		if r == nil || b.reg.Schema(c) == nil {
			continue
		}
		b.SetRecord(c, r.RecordID, r.Fields, r.Files)
	}
	return nil
}
