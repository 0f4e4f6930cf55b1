package document

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/goccy/go-yaml"
)

// Category identifies one of the document types in a submission.
type Category string

const (
	BenefitCard    Category = "benefit_card"
	TemporarySlip  Category = "temporary_slip"
	NationalID     Category = "national_id"
	ReferralLetter Category = "referral_letter"
	Prescription   Category = "prescription"
)

// Categories lists every category in bundle order.
var Categories = []Category{BenefitCard, TemporarySlip, NationalID, ReferralLetter, Prescription}

// ParseCategory validates a category identifier.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown document category %q", s)
}

// IsPrimaryCard reports whether c may serve as the submission's benefit card.
func (c Category) IsPrimaryCard() bool {
	return c == BenefitCard || c == TemporarySlip
}

// Kind describes how a field's raw value is interpreted.
type Kind string

const (
	KindString Kind = "string"
	KindDate   Kind = "date"
	KindAge    Kind = "age"
	KindFlag   Kind = "flag"
	KindList   Kind = "list"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindDate, KindAge, KindFlag, KindList:
		return true
	}
	return false
}

// FieldSpec declares one field and its names in both external vocabularies.
type FieldSpec struct {
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Extract  string `yaml:"extract" json:"extract"`
	Update   string `yaml:"update" json:"update"`
	Default  string `yaml:"default" json:"default,omitempty"`
	Required bool   `yaml:"required" json:"required,omitempty"`
}

// Schema is the fixed field layout for a category.
type Schema struct {
	Category    Category    `yaml:"id" json:"category"`
	Title       string      `yaml:"title" json:"title"`
	ExtractPath string      `yaml:"extract_path" json:"extract_path"`
	DocType     string      `yaml:"doc_type" json:"doc_type"`
	MaxFiles    int         `yaml:"max_files" json:"max_files"`
	Fields      []FieldSpec `yaml:"fields" json:"fields"`

	byName map[string]int
}

// Field looks up a field by internal name.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	i, ok := s.byName[name]
	if !ok {
		return FieldSpec{}, false
	}
	return s.Fields[i], true
}

// Registry holds the schema of every category.
type Registry struct {
	schemas   map[Category]*Schema
	byDocType map[string]Category
}

type registryFile struct {
	Categories []*Schema `yaml:"categories"`
}

//go:embed schema.yaml
var builtinSchema []byte

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the registry parsed from the embedded schema. It
// panics if the embedded document is invalid, which is a build defect.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		r, err := LoadRegistry(builtinSchema)
		if err != nil {
			panic(fmt.Sprintf("document: invalid embedded schema: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// LoadRegistry parses and validates a schema document.
func LoadRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	r := &Registry{
		schemas:   make(map[Category]*Schema, len(f.Categories)),
		byDocType: make(map[string]Category, len(f.Categories)),
	}
	for _, s := range f.Categories {
		if _, err := ParseCategory(string(s.Category)); err != nil {
			return nil, err
		}
		if _, dup := r.schemas[s.Category]; dup {
			return nil, fmt.Errorf("category %s declared twice", s.Category)
		}
		if s.ExtractPath == "" || s.DocType == "" {
			return nil, fmt.Errorf("category %s: extract_path and doc_type are required", s.Category)
		}
		if _, dup := r.byDocType[s.DocType]; dup {
			return nil, fmt.Errorf("doc_type %s declared twice", s.DocType)
		}
		if s.MaxFiles <= 0 {
			s.MaxFiles = 1
		}

		s.byName = make(map[string]int, len(s.Fields))
		extractKeys := make(map[string]bool, len(s.Fields))
		updateKeys := make(map[string]bool, len(s.Fields))
		for i := range s.Fields {
			fs := &s.Fields[i]
			if fs.Name == "" || fs.Extract == "" {
				return nil, fmt.Errorf("category %s: field %d needs name and extract", s.Category, i)
			}
			if !fs.Kind.valid() {
				return nil, fmt.Errorf("category %s: field %s has invalid kind %q", s.Category, fs.Name, fs.Kind)
			}
			if fs.Update == "" {
				fs.Update = fs.Extract
			}
			if _, dup := s.byName[fs.Name]; dup {
				return nil, fmt.Errorf("category %s: field %s declared twice", s.Category, fs.Name)
			}
			if extractKeys[fs.Extract] || updateKeys[fs.Update] {
				return nil, fmt.Errorf("category %s: field %s reuses an external key", s.Category, fs.Name)
			}
			s.byName[fs.Name] = i
			extractKeys[fs.Extract] = true
			updateKeys[fs.Update] = true
		}

		r.schemas[s.Category] = s
		r.byDocType[s.DocType] = s.Category
	}

	for _, c := range Categories {
		if _, ok := r.schemas[c]; !ok {
			return nil, fmt.Errorf("category %s has no schema", c)
		}
	}
	return r, nil
}

// Schema returns the schema for c. Every Category constant has one.
func (r *Registry) Schema(c Category) *Schema {
	return r.schemas[c]
}

// CategoryForDocType maps an update-request doc_type back to its category.
func (r *Registry) CategoryForDocType(docType string) (Category, bool) {
	c, ok := r.byDocType[docType]
	return c, ok
}
