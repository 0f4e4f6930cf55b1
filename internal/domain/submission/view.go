package submission

import (
	"github.com/google/uuid"

	"github.com/ehr/echs-verifier/internal/domain/document"
	"github.com/ehr/echs-verifier/internal/domain/normalize"
	"github.com/ehr/echs-verifier/internal/domain/reconcile"
)

// FieldView is one field as rendered by the client. Input carries the
// YYYY-MM-DD form of date fields for date pickers.
type FieldView struct {
	Name     string         `json:"name"`
	Kind     document.Kind  `json:"kind"`
	Value    document.Value `json:"value"`
	Input    string         `json:"input,omitempty"`
	Required bool           `json:"required,omitempty"`
}

// RecordView is one document record with its schema metadata.
type RecordView struct {
	Category document.Category  `json:"category"`
	Title    string             `json:"title"`
	RecordID string             `json:"record_id,omitempty"`
	Fields   []FieldView        `json:"fields"`
	Files    []document.FileRef `json:"files"`
	MaxFiles int                `json:"max_files"`
	Missing  []string           `json:"missing,omitempty"`
}

// View is the full session state returned to the client.
type View struct {
	ID            uuid.UUID         `json:"id"`
	PrimaryCard   document.Category `json:"primary_card"`
	Records       []RecordView      `json:"records"`
	Comparison    *ComparisonView   `json:"comparison"`
	RequestID     string            `json:"request_id,omitempty"`
	ClaimID       string            `json:"claim_id,omitempty"`
	PriorClaimID  string            `json:"prior_claim_id,omitempty"`
	Errors        map[string]string `json:"errors"`
	Notifications []Notification    `json:"notifications"`
}

func (s *Service) buildView(sess *Session, rep reconcile.Report) *View {
	v := &View{
		ID:           sess.ID,
		PrimaryCard:  sess.Bundle.PrimaryCard(),
		Records:      make([]RecordView, 0, len(document.Categories)),
		Comparison:   s.comparisonView(sess, rep),
		RequestID:    sess.RequestID,
		ClaimID:      sess.ClaimID,
		PriorClaimID: sess.PriorClaimID,
		Errors:       make(map[string]string, len(sess.Errors)),
	}
	for k, msg := range sess.Errors {
		v.Errors[k] = msg
	}
	for _, c := range document.Categories {
		v.Records = append(v.Records, recordView(s.reg, sess.Bundle.Record(c)))
	}
	return v
}

func recordView(reg *document.Registry, rec document.Record) RecordView {
	schema := reg.Schema(rec.Category)
	rv := RecordView{
		Category: rec.Category,
		Title:    schema.Title,
		RecordID: rec.RecordID,
		Fields:   make([]FieldView, 0, len(schema.Fields)),
		Files:    rec.Files,
		MaxFiles: schema.MaxFiles,
	}
	if rv.Files == nil {
		rv.Files = []document.FileRef{}
	}
	for _, fs := range schema.Fields {
		fv := FieldView{Name: fs.Name, Kind: fs.Kind, Value: rec.Get(fs.Name), Required: fs.Required}
		if fs.Kind == document.KindDate {
			fv.Input = normalize.DisplayToInput(fv.Value.Text())
		}
		rv.Fields = append(rv.Fields, fv)
	}
	if !document.IsEmpty(rec) {
		rv.Missing = reg.MissingRequired(rec)
	}
	return rv
}
