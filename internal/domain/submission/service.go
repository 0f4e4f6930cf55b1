package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/echs-verifier/internal/domain/approval"
	"github.com/ehr/echs-verifier/internal/domain/document"
	"github.com/ehr/echs-verifier/internal/domain/reconcile"
	"github.com/ehr/echs-verifier/internal/platform/blobstore"
	"github.com/ehr/echs-verifier/internal/platform/echsapi"
)

// Backend is the remote ECHS service. *echsapi.Client implements it.
type Backend interface {
	Extract(ctx context.Context, path, field string, files []echsapi.Upload) (*echsapi.ExtractResult, error)
	GenerateClaimID(ctx context.Context, referral echsapi.Upload) (*echsapi.ClaimResult, error)
	GenerateClaimIDFollowup(ctx context.Context, referral echsapi.Upload) (*echsapi.ClaimResult, error)
	SubmitRequest(ctx context.Context, match bool) (string, error)
	RequestUpdate(ctx context.Context, requestID string, updates []echsapi.DocumentUpdate) ([]echsapi.UpdatedDocument, error)
}

// FileUpload is a file received from the client.
type FileUpload struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRegistry replaces the default document schemas.
func WithRegistry(reg *document.Registry) Option {
	return func(s *Service) { s.reg = reg }
}

type Service struct {
	repo   SessionRepository
	blobs  blobstore.BlobStore
	api    Backend
	reg    *document.Registry
	logger zerolog.Logger
	now    func() time.Time
	locks  *userLocks
}

func NewService(repo SessionRepository, blobs blobstore.BlobStore, api Backend, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		blobs:  blobs,
		api:    api,
		reg:    document.DefaultRegistry(),
		logger: logger.With().Str("component", "submission").Logger(),
		now:    time.Now,
		locks:  newUserLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the document schemas in use.
func (s *Service) Registry() *document.Registry { return s.reg }

// withSession runs fn on the user's session under the user's lock, brings the
// approvals up to date with the resulting bundle and saves. The session is
// saved even when fn fails so recorded errors and notifications reach the
// client. The save outlives a cancelled or expired request context.
func (s *Service) withSession(ctx context.Context, userID string, fn func(sess *Session) error) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	sess, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	fnErr := fn(sess)
	s.observe(sess)
	sess.UpdatedAt = s.now()
	if err := s.repo.Save(context.WithoutCancel(ctx), sess); err != nil {
		if fnErr != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to save session after error")
			return fnErr
		}
		return fmt.Errorf("save session: %w", err)
	}
	return fnErr
}

// observe compares the bundle and seeds approval for every field that became
// matched since the last comparison.
func (s *Service) observe(sess *Session) reconcile.Report {
	rep := reconcile.Compare(sess.Bundle)
	if seeded := sess.Approval.Observe(rep); len(seeded) > 0 {
		s.logger.Debug().Str("user_id", sess.UserID).Interface("fields", seeded).Msg("approvals seeded")
	}
	return rep
}

func (s *Service) load(ctx context.Context, userID string) (*Session, error) {
	sess, err := s.repo.Get(ctx, userID)
	if errors.Is(err, ErrSessionNotFound) {
		return NewSession(userID, s.reg, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// View returns the session as the client renders it and drains the queued
// notifications.
func (s *Service) View(ctx context.Context, userID string) (*View, error) {
	var v *View
	err := s.withSession(ctx, userID, func(sess *Session) error {
		v = s.buildView(sess, s.observe(sess))
		v.Notifications = sess.drain()
		return nil
	})
	return v, err
}

// AttachFiles stores uploads and binds them to category c, replacing any
// previously attached files. Fields are untouched until the next extraction.
func (s *Service) AttachFiles(ctx context.Context, userID string, c document.Category, uploads []FileUpload) (document.Record, error) {
	var rec document.Record
	err := s.withSession(ctx, userID, func(sess *Session) error {
		schema := s.reg.Schema(c)
		key := fileErrorKey(c)
		if len(uploads) == 0 {
			sess.setError(key, msgFileRequired)
			return &ValidationError{Fields: map[string]string{key: msgFileRequired}}
		}
		if len(uploads) > schema.MaxFiles {
			msg := fmt.Sprintf("At most %d file(s) allowed", schema.MaxFiles)
			return &ValidationError{Fields: map[string]string{key: msg}}
		}

		refs := make([]document.FileRef, 0, len(uploads))
		for _, up := range uploads {
			meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
				FileName:    up.FileName,
				ContentType: up.ContentType,
				Owner:       userID,
				Category:    string(c),
			}, up.Content)
			if err != nil {
				s.deleteBlobs(ctx, refs)
				if isUploadRejection(err) {
					return &ValidationError{Fields: map[string]string{key: err.Error()}}
				}
				return fmt.Errorf("store %s: %w", up.FileName, err)
			}
			refs = append(refs, document.FileRef{
				BlobID:      meta.ID,
				FileName:    meta.FileName,
				ContentType: meta.ContentType,
				Size:        meta.Size,
			})
		}

		previous := sess.Bundle.Record(c).Files
		if err := sess.Bundle.AttachFiles(c, refs); err != nil {
			s.deleteBlobs(ctx, refs)
			return &ValidationError{Fields: map[string]string{key: err.Error()}}
		}
		s.deleteBlobs(ctx, previous)
		delete(sess.Errors, key)
		rec = sess.Bundle.Record(c)
		return nil
	})
	return rec, err
}

func isUploadRejection(err error) bool {
	return errors.Is(err, blobstore.ErrFileTooLarge) ||
		errors.Is(err, blobstore.ErrInvalidContentType) ||
		errors.Is(err, blobstore.ErrMissingFileName)
}

// SelectPrimaryCard chooses between the benefit card and the temporary slip.
func (s *Service) SelectPrimaryCard(ctx context.Context, userID string, c document.Category) error {
	return s.withSession(ctx, userID, func(sess *Session) error {
		if err := sess.Bundle.SelectPrimaryCard(c); err != nil {
			return &ValidationError{Fields: map[string]string{"primary_card": err.Error()}}
		}
		return nil
	})
}

// Extract runs extraction for one category and returns the resulting record.
func (s *Service) Extract(ctx context.Context, userID string, c document.Category) (document.Record, error) {
	var rec document.Record
	err := s.withSession(ctx, userID, func(sess *Session) error {
		err := s.extract(ctx, sess, c)
		rec = sess.Bundle.Record(c)
		return err
	})
	return rec, err
}

// extract resets c, calls the extraction service with the attached files and
// fully replaces the record with the result. On failure the record stays
// empty.
func (s *Service) extract(ctx context.Context, sess *Session, c document.Category) error {
	schema := s.reg.Schema(c)
	files := sess.Bundle.Record(c).Files
	sess.Bundle.Clear(c)
	sess.clearErrors(c)

	key := fileErrorKey(c)
	if len(files) == 0 {
		sess.setError(key, msgFileRequired)
		return &ValidationError{Fields: map[string]string{key: msgFileRequired}}
	}

	log := s.logger.With().Str("user_id", sess.UserID).Str("category", string(c)).Logger()
	start := time.Now()

	res, err := s.callExtract(ctx, schema, files)
	if err != nil {
		msg := remoteMessage(err)
		sess.setError(key, msg)
		sess.notify(LevelError, fmt.Sprintf("%s upload failed: %s", schema.Title, msg), s.now())
		log.Warn().Err(err).Dur("latency", time.Since(start)).Msg("extraction failed")
		return &ExtractionError{Category: c, Err: err}
	}

	fields := s.reg.DecodeExtraction(c, res.Data)
	sess.Bundle.SetRecord(c, res.RecordID, fields, files)
	sess.notify(LevelSuccess, schema.Title+" upload successful", s.now())
	log.Info().
		Str("record_id", res.RecordID).
		Dur("latency", time.Since(start)).
		Msg("document extracted")
	return nil
}

func (s *Service) callExtract(ctx context.Context, schema *document.Schema, files []document.FileRef) (*echsapi.ExtractResult, error) {
	uploads, closeAll, err := s.openFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	return s.api.Extract(ctx, schema.ExtractPath, multipartField(schema), uploads)
}

// multipartField names the upload field: multi-file documents use "files".
func multipartField(schema *document.Schema) string {
	if schema.MaxFiles > 1 {
		return "files"
	}
	return "file"
}

func (s *Service) openFiles(ctx context.Context, refs []document.FileRef) ([]echsapi.Upload, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	uploads := make([]echsapi.Upload, 0, len(refs))
	for _, ref := range refs {
		rc, meta, err := s.blobs.Download(ctx, ref.BlobID)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open %s: %w", ref.FileName, err)
		}
		closers = append(closers, rc)
		ct := ref.ContentType
		if meta != nil && meta.ContentType != "" {
			ct = meta.ContentType
		}
		uploads = append(uploads, echsapi.Upload{FileName: ref.FileName, ContentType: ct, Content: rc})
	}
	return uploads, closeAll, nil
}

// remoteMessage is the user-facing text for a remote failure.
func remoteMessage(err error) string {
	var se *echsapi.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

// UploadStep is the outcome of one document in UploadAll.
type UploadStep struct {
	Category document.Category `json:"category"`
	RecordID string            `json:"record_id,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// UploadResult summarizes an UploadAll run.
type UploadResult struct {
	Steps       []UploadStep `json:"steps"`
	Matched     bool         `json:"matched"`
	RequestID   string       `json:"request_id,omitempty"`
	SubmitError string       `json:"submit_error,omitempty"`
	Succeeded   bool         `json:"succeeded"`
}

// uploadOrder returns the categories UploadAll extracts, in order.
func uploadOrder(b *document.Bundle) []document.Category {
	return []document.Category{b.PrimaryCard(), document.NationalID, document.ReferralLetter, document.Prescription}
}

// UploadAll extracts every document in sequence. A failed document does not
// stop the ones after it. When at least one document was extracted the
// overall match verdict is submitted and the returned request ID kept for
// later updates. Succeeded is true only if every step and the submission
// succeeded.
func (s *Service) UploadAll(ctx context.Context, userID string) (*UploadResult, error) {
	var res *UploadResult
	err := s.withSession(ctx, userID, func(sess *Session) error {
		res = &UploadResult{}
		extracted := 0
		for _, c := range uploadOrder(sess.Bundle) {
			if err := ctx.Err(); err != nil {
				res.Steps = append(res.Steps, UploadStep{Category: c, Error: err.Error()})
				continue
			}
			step := UploadStep{Category: c}
			if err := s.extract(ctx, sess, c); err != nil {
				step.Error = stepMessage(err)
			} else {
				step.RecordID = sess.Bundle.Record(c).RecordID
				extracted++
			}
			res.Steps = append(res.Steps, step)
		}

		rep := s.observe(sess)
		res.Matched = rep.Matched

		if extracted == 0 {
			sess.notify(LevelError, "Failed to upload documents. Please try again.", s.now())
			return nil
		}

		requestID, err := s.api.SubmitRequest(ctx, rep.Matched)
		if err != nil {
			res.SubmitError = remoteMessage(err)
			sess.notify(LevelError, "Failed to submit request: "+res.SubmitError, s.now())
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("submit request failed")
			return nil
		}
		sess.RequestID = requestID
		res.RequestID = requestID

		if extracted == len(res.Steps) {
			res.Succeeded = true
			sess.notify(LevelSuccess, "All documents uploaded successfully!", s.now())
		} else {
			sess.notify(LevelError, fmt.Sprintf("%d of %d documents failed to upload.", len(res.Steps)-extracted, len(res.Steps)), s.now())
		}
		s.logger.Info().
			Str("user_id", userID).
			Str("request_id", requestID).
			Bool("matched", rep.Matched).
			Int("extracted", extracted).
			Msg("submission request created")
		return nil
	})
	return res, err
}

func stepMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		for _, msg := range ve.Fields {
			return msg
		}
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return remoteMessage(ee.Err)
	}
	return err.Error()
}

// Patch applies user edits to a record. Values arrive as decoded JSON.
func (s *Service) Patch(ctx context.Context, userID string, c document.Category, raw map[string]interface{}) (document.Record, error) {
	var rec document.Record
	err := s.withSession(ctx, userID, func(sess *Session) error {
		fields := make(document.FieldMap, len(raw))
		for name, v := range raw {
			fields[name] = document.FromAny(v)
		}
		if err := sess.Bundle.Patch(c, fields); err != nil {
			var ue *document.UnknownFieldsError
			if errors.As(err, &ue) {
				ve := &ValidationError{Fields: map[string]string{}}
				for _, name := range ue.Names {
					ve.Fields[fieldErrorKey(c, name)] = "Unknown field"
				}
				return ve
			}
			return err
		}
		for name := range fields {
			delete(sess.Errors, fieldErrorKey(c, name))
		}
		rec = sess.Bundle.Record(c)
		return nil
	})
	return rec, err
}

// ComparisonView is the reconciliation report with approval state.
type ComparisonView struct {
	Rows        []reconcile.Row                           `json:"rows"`
	Matched     bool                                      `json:"matched"`
	Approvals   map[reconcile.TrackedField]approval.Entry `json:"approvals"`
	AllApproved bool                                      `json:"all_approved"`
	DerivedAges map[document.Category]int                 `json:"derived_ages,omitempty"`
}

// Comparison evaluates the bundle and seeds approvals for newly matched
// fields.
func (s *Service) Comparison(ctx context.Context, userID string) (*ComparisonView, error) {
	var cv *ComparisonView
	err := s.withSession(ctx, userID, func(sess *Session) error {
		cv = s.comparisonView(sess, s.observe(sess))
		return nil
	})
	return cv, err
}

func (s *Service) comparisonView(sess *Session, rep reconcile.Report) *ComparisonView {
	cv := &ComparisonView{
		Rows:        rep.Rows,
		Matched:     rep.Matched,
		Approvals:   make(map[reconcile.TrackedField]approval.Entry, len(reconcile.TrackedFields)),
		AllApproved: sess.Approval.AllApproved(),
		DerivedAges: map[document.Category]int{},
	}
	for _, f := range reconcile.TrackedFields {
		cv.Approvals[f] = sess.Approval.Entry(f)
	}
	now := s.now()
	for _, c := range document.Categories {
		if age, ok := reconcile.DerivedAge(sess.Bundle.Record(c), now); ok {
			cv.DerivedAges[c] = age
		}
	}
	return cv
}

// ToggleApproval flips the user's approval of f. It returns the new entry and
// whether every field is now approved.
func (s *Service) ToggleApproval(ctx context.Context, userID string, f reconcile.TrackedField) (approval.Entry, bool, error) {
	var (
		entry approval.Entry
		all   bool
	)
	err := s.withSession(ctx, userID, func(sess *Session) error {
		if _, err := sess.Approval.Toggle(f); err != nil {
			return &ValidationError{Fields: map[string]string{"approval." + string(f): err.Error()}}
		}
		entry = sess.Approval.Entry(f)
		all = sess.Approval.AllApproved()
		return nil
	})
	return entry, all, err
}

// ValidateAgain sends every extracted record to request_update and applies
// the backend's response. Records are fully replaced from the response with
// their files kept. Nothing changes unless the whole call succeeds.
func (s *Service) ValidateAgain(ctx context.Context, userID string) ([]document.Record, error) {
	var out []document.Record
	err := s.withSession(ctx, userID, func(sess *Session) error {
		if sess.RequestID == "" {
			return ErrNoRequest
		}

		var updates []echsapi.DocumentUpdate
		missing := map[string]string{}
		for _, c := range document.Categories {
			rec := sess.Bundle.Record(c)
			if document.IsEmpty(rec) {
				continue
			}
			for _, name := range s.reg.MissingRequired(rec) {
				missing[fieldErrorKey(c, name)] = name + " is required"
			}
			updates = append(updates, echsapi.DocumentUpdate{
				DocType:       s.reg.Schema(c).DocType,
				ExtractedData: s.reg.EncodeUpdate(rec),
			})
		}
		if len(missing) > 0 {
			for k, msg := range missing {
				sess.setError(k, msg)
			}
			return &ValidationError{Fields: missing}
		}
		if len(updates) == 0 {
			return &ValidationError{Fields: map[string]string{"submission": "No extracted documents to update"}}
		}

		resp, err := s.api.RequestUpdate(ctx, sess.RequestID, updates)
		if err != nil {
			sess.notify(LevelError, "Update failed: "+remoteMessage(err), s.now())
			s.logger.Warn().Err(err).Str("user_id", userID).Str("request_id", sess.RequestID).Msg("request update failed")
			return &UpdateError{Err: err}
		}

		type change struct {
			category document.Category
			fields   document.FieldMap
		}
		changes := make([]change, 0, len(resp))
		for _, u := range resp {
			c, ok := s.reg.CategoryForDocType(u.DocType)
			if !ok {
				s.logger.Warn().Str("doc_type", u.DocType).Msg("ignoring update for unknown document type")
				continue
			}
			changes = append(changes, change{category: c, fields: s.reg.DecodeUpdate(c, u.ExtractedData)})
		}
		for _, ch := range changes {
			prev := sess.Bundle.Record(ch.category)
			sess.Bundle.SetRecord(ch.category, prev.RecordID, ch.fields, prev.Files)
			sess.clearErrors(ch.category)
			out = append(out, sess.Bundle.Record(ch.category))
		}
		sess.notify(LevelSuccess, "Documents updated successfully", s.now())
		return nil
	})
	return out, err
}

// ClaimView is the claim ID state of a session.
type ClaimView struct {
	ClaimID      string `json:"claim_id"`
	PriorClaimID string `json:"prior_claim_id,omitempty"`
}

// GenerateClaimID requests a claim ID for the referral letter. repeat selects
// the followup endpoint, which also reports the prior ID. Every tracked field
// must be approved first; a failure leaves approvals untouched.
func (s *Service) GenerateClaimID(ctx context.Context, userID string, repeat bool) (*ClaimView, error) {
	var cv *ClaimView
	err := s.withSession(ctx, userID, func(sess *Session) error {
		s.observe(sess)
		if !sess.Approval.AllApproved() {
			return ErrNotApproved
		}
		files := sess.Bundle.Record(document.ReferralLetter).Files
		key := fileErrorKey(document.ReferralLetter)
		if len(files) == 0 {
			sess.setError(key, msgFileRequired)
			return &ValidationError{Fields: map[string]string{key: msgFileRequired}}
		}

		res, err := s.callClaim(ctx, files[0], repeat)
		if err != nil {
			sess.notify(LevelError, "Claim ID generation failed: "+remoteMessage(err), s.now())
			s.logger.Warn().Err(err).Str("user_id", userID).Bool("repeat", repeat).Msg("claim id generation failed")
			return &ClaimError{Err: err}
		}
		sess.ClaimID = res.ClaimID
		sess.PriorClaimID = res.PriorClaimID
		sess.notify(LevelSuccess, "Claim ID is "+res.ClaimID, s.now())
		s.logger.Info().Str("user_id", userID).Str("claim_id", res.ClaimID).Bool("repeat", repeat).Msg("claim id generated")
		cv = &ClaimView{ClaimID: res.ClaimID, PriorClaimID: res.PriorClaimID}
		return nil
	})
	return cv, err
}

func (s *Service) callClaim(ctx context.Context, ref document.FileRef, repeat bool) (*echsapi.ClaimResult, error) {
	uploads, closeAll, err := s.openFiles(ctx, []document.FileRef{ref})
	if err != nil {
		return nil, err
	}
	defer closeAll()
	if repeat {
		return s.api.GenerateClaimIDFollowup(ctx, uploads[0])
	}
	return s.api.GenerateClaimID(ctx, uploads[0])
}

// Reset starts a new submission: the session and its stored files are
// discarded.
func (s *Service) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	sess, err := s.repo.Get(ctx, userID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	s.deleteBlobs(ctx, sess.Bundle.Files())
	if err := s.repo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info().Str("user_id", userID).Msg("submission reset")
	return nil
}

// deleteBlobs removes stored files, logging failures. A missing blob is not
// an error.
func (s *Service) deleteBlobs(ctx context.Context, refs []document.FileRef) {
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, ref.BlobID); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logger.Warn().Err(err).Str("blob_id", ref.BlobID).Msg("failed to delete blob")
		}
	}
}
