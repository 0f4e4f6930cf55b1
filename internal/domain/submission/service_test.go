package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/echs-verifier/internal/domain/approval"
	"github.com/ehr/echs-verifier/internal/domain/document"
	"github.com/ehr/echs-verifier/internal/domain/reconcile"
	"github.com/ehr/echs-verifier/internal/platform/blobstore"
	"github.com/ehr/echs-verifier/internal/platform/echsapi"
)

// -- Mock Backend --

type extractCall struct {
	path  string
	field string
	files []string
}

type mockBackend struct {
	data       map[string]map[string]interface{}
	extractErr map[string]error
	extracts   []extractCall

	requestID string
	submitErr error
	submitted []bool

	claim       *echsapi.ClaimResult
	followup    *echsapi.ClaimResult
	claimErr    error
	claimUpload string

	updateResp []echsapi.UpdatedDocument
	updateErr  error
	updates    []echsapi.DocumentUpdate
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		data:       matchingData(),
		extractErr: map[string]error{},
		requestID:  "REQ-1",
		claim:      &echsapi.ClaimResult{ClaimID: "CLM-1"},
		followup:   &echsapi.ClaimResult{ClaimID: "CLM-2", PriorClaimID: "CLM-1"},
	}
}

// matchingData returns extraction responses that agree on every tracked field.
func matchingData() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"echs_card": {
			"Patient Name": "Ram Kumar",
			"Card No":      "ECHS-001",
			"DOB":          "15/08/1980",
		},
		"aadhar_card": {
			"Aadhaar No":    "1234 5678 9012",
			"Name":          "Ram Kumar",
			"Gender":        "Male",
			"Date of Birth": "15/08/1980",
		},
		"referral_letter": {
			"Name of Patient":    "Ram Kumar",
			"Gender":             "M",
			"Age":                "45 yrs",
			"Referral No":        "REF-9",
			"Consultation For":   "Knee Replacement",
			"Polyclinic Remarks": "Base Hospital",
		},
		"prescription": {
			"name":    "ram kumar",
			"gender":  "male",
			"age":     float64(45),
			"surgery": "knee replacement",
		},
	}
}

func (m *mockBackend) Extract(_ context.Context, path, field string, files []echsapi.Upload) (*echsapi.ExtractResult, error) {
	call := extractCall{path: path, field: field}
	for _, f := range files {
		if _, err := io.ReadAll(f.Content); err != nil {
			return nil, err
		}
		call.files = append(call.files, f.FileName)
	}
	m.extracts = append(m.extracts, call)
	if err := m.extractErr[path]; err != nil {
		return nil, err
	}
	return &echsapi.ExtractResult{RecordID: "rec-" + path, Data: m.data[path]}, nil
}

func (m *mockBackend) GenerateClaimID(_ context.Context, referral echsapi.Upload) (*echsapi.ClaimResult, error) {
	m.claimUpload = referral.FileName
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	return m.claim, nil
}

func (m *mockBackend) GenerateClaimIDFollowup(_ context.Context, referral echsapi.Upload) (*echsapi.ClaimResult, error) {
	m.claimUpload = referral.FileName
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	return m.followup, nil
}

func (m *mockBackend) SubmitRequest(_ context.Context, match bool) (string, error) {
	m.submitted = append(m.submitted, match)
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return m.requestID, nil
}

func (m *mockBackend) RequestUpdate(_ context.Context, _ string, updates []echsapi.DocumentUpdate) ([]echsapi.UpdatedDocument, error) {
	m.updates = updates
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return m.updateResp, nil
}

// -- Helpers --

const testUser = "reviewer-1"

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	api   *mockBackend
	blobs *blobstore.InMemoryBlobStore
	repo  SessionRepository
}

func newFixture() *fixture {
	reg := document.DefaultRegistry()
	f := &fixture{
		api:   newMockBackend(),
		blobs: blobstore.NewInMemoryBlobStore(),
		repo:  NewSessionRepoMemory(reg),
	}
	f.svc = NewService(f.repo, f.blobs, f.api, zerolog.Nop(),
		WithRegistry(reg),
		WithClock(func() time.Time { return testNow }),
	)
	return f
}

func pdf(name string) FileUpload {
	return FileUpload{FileName: name, ContentType: "application/pdf", Content: strings.NewReader("%PDF-1.4 " + name)}
}

func (f *fixture) attach(t *testing.T, c document.Category) {
	t.Helper()
	_, err := f.svc.AttachFiles(context.Background(), testUser, c, []FileUpload{pdf(string(c) + ".pdf")})
	require.NoError(t, err)
}

func (f *fixture) attachAll(t *testing.T) {
	t.Helper()
	for _, c := range []document.Category{document.BenefitCard, document.NationalID, document.ReferralLetter, document.Prescription} {
		f.attach(t, c)
	}
}

func (f *fixture) session(t *testing.T) *Session {
	t.Helper()
	sess, err := f.repo.Get(context.Background(), testUser)
	require.NoError(t, err)
	return sess
}

// -- AttachFiles --

func TestAttachFiles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	rec, err := f.svc.AttachFiles(ctx, testUser, document.BenefitCard, []FileUpload{pdf("card.pdf")})
	require.NoError(t, err)
	require.Len(t, rec.Files, 1)
	assert.Equal(t, "card.pdf", rec.Files[0].FileName)
	assert.Equal(t, 1, f.blobs.Len())

	meta, err := f.blobs.GetMetadata(ctx, rec.Files[0].BlobID)
	require.NoError(t, err)
	assert.Equal(t, testUser, meta.Owner)
	assert.Equal(t, "benefit_card", meta.Category)
}

func TestAttachFiles_ReplacesPreviousBlobs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.svc.AttachFiles(ctx, testUser, document.BenefitCard, []FileUpload{pdf("old.pdf")})
	require.NoError(t, err)
	second, err := f.svc.AttachFiles(ctx, testUser, document.BenefitCard, []FileUpload{pdf("new.pdf")})
	require.NoError(t, err)

	assert.Equal(t, 1, f.blobs.Len())
	_, err = f.blobs.GetMetadata(ctx, first.Files[0].BlobID)
	assert.ErrorIs(t, err, blobstore.ErrBlobNotFound)
	assert.Equal(t, "new.pdf", second.Files[0].FileName)
}

func TestAttachFiles_Limits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.AttachFiles(ctx, testUser, document.BenefitCard, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, msgFileRequired, ve.Fields["benefit_card.file"])

	_, err = f.svc.AttachFiles(ctx, testUser, document.BenefitCard, []FileUpload{pdf("a.pdf"), pdf("b.pdf")})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields["benefit_card.file"], "At most 1")

	rec, err := f.svc.AttachFiles(ctx, testUser, document.Prescription, []FileUpload{pdf("p1.pdf"), pdf("p2.pdf")})
	require.NoError(t, err)
	assert.Len(t, rec.Files, 2)
}

func TestAttachFiles_RejectedUploadStoresNothing(t *testing.T) {
	f := newFixture()
	uploads := []FileUpload{
		pdf("p1.pdf"),
		{FileName: "notes.txt", ContentType: "text/plain", Content: strings.NewReader("hello")},
	}
	_, err := f.svc.AttachFiles(context.Background(), testUser, document.Prescription, uploads)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 0, f.blobs.Len())
}

// -- Extract --

func TestExtract_Success(t *testing.T) {
	f := newFixture()
	f.attach(t, document.BenefitCard)

	rec, err := f.svc.Extract(context.Background(), testUser, document.BenefitCard)
	require.NoError(t, err)
	assert.Equal(t, "rec-echs_card", rec.RecordID)
	assert.Equal(t, "Ram Kumar", rec.Text("patientName"))
	assert.Len(t, rec.Files, 1)

	require.Len(t, f.api.extracts, 1)
	assert.Equal(t, "echs_card", f.api.extracts[0].path)
	assert.Equal(t, "file", f.api.extracts[0].field)

	sess := f.session(t)
	require.Len(t, sess.Notifications, 1)
	assert.Equal(t, LevelSuccess, sess.Notifications[0].Level)
	assert.Equal(t, "ECHS Card upload successful", sess.Notifications[0].Message)
}

func TestExtract_MultiFileField(t *testing.T) {
	f := newFixture()
	_, err := f.svc.AttachFiles(context.Background(), testUser, document.Prescription, []FileUpload{pdf("p1.pdf"), pdf("p2.pdf")})
	require.NoError(t, err)

	_, err = f.svc.Extract(context.Background(), testUser, document.Prescription)
	require.NoError(t, err)
	require.Len(t, f.api.extracts, 1)
	assert.Equal(t, "files", f.api.extracts[0].field)
	assert.Equal(t, []string{"p1.pdf", "p2.pdf"}, f.api.extracts[0].files)
}

func TestExtract_FailureLeavesEmptyRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.attach(t, document.BenefitCard)
	_, err := f.svc.Extract(ctx, testUser, document.BenefitCard)
	require.NoError(t, err)

	f.api.extractErr["echs_card"] = &echsapi.StatusError{Op: "extract", StatusCode: 422, Message: "unreadable scan"}
	rec, err := f.svc.Extract(ctx, testUser, document.BenefitCard)

	var ee *ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, document.BenefitCard, ee.Category)
	assert.Empty(t, rec.RecordID)
	assert.True(t, document.IsEmpty(rec))
	assert.Len(t, rec.Files, 1, "files survive a failed extraction")

	sess := f.session(t)
	assert.Equal(t, "unreadable scan", sess.Errors["benefit_card.file"])
	last := sess.Notifications[len(sess.Notifications)-1]
	assert.Equal(t, LevelError, last.Level)
	assert.Equal(t, "ECHS Card upload failed: unreadable scan", last.Message)
}

// ctxBoundRepo fails saves made on a finished context, as a pgx pool would.
type ctxBoundRepo struct {
	SessionRepository
}

func (r ctxBoundRepo) Save(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.SessionRepository.Save(ctx, sess)
}

func TestExtract_FailureSavedAfterDeadline(t *testing.T) {
	f := newFixture()
	f.svc = NewService(ctxBoundRepo{f.repo}, f.blobs, f.api, zerolog.Nop(),
		WithRegistry(document.DefaultRegistry()),
		WithClock(func() time.Time { return testNow }),
	)
	f.attach(t, document.BenefitCard)
	_, err := f.svc.Extract(context.Background(), testUser, document.BenefitCard)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	f.api.extractErr["echs_card"] = context.DeadlineExceeded

	_, err = f.svc.Extract(ctx, testUser, document.BenefitCard)
	var ee *ExtractionError
	require.ErrorAs(t, err, &ee)

	sess := f.session(t)
	assert.True(t, document.IsEmpty(sess.Bundle.Record(document.BenefitCard)), "reset record persisted")
	assert.NotEmpty(t, sess.Errors["benefit_card.file"])
}

func TestExtract_MissingFile(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Extract(context.Background(), testUser, document.NationalID)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, msgFileRequired, ve.Fields["national_id.file"])
	assert.Empty(t, f.api.extracts)
	assert.Equal(t, msgFileRequired, f.session(t).Errors["national_id.file"])
}

// -- UploadAll --

func TestUploadAll_Success(t *testing.T) {
	f := newFixture()
	f.attachAll(t)

	res, err := f.svc.UploadAll(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.True(t, res.Matched)
	assert.Equal(t, "REQ-1", res.RequestID)
	assert.Equal(t, []bool{true}, f.api.submitted)

	var paths []string
	for _, c := range f.api.extracts {
		paths = append(paths, c.path)
	}
	assert.Equal(t, []string{"echs_card", "aadhar_card", "referral_letter", "prescription"}, paths)

	sess := f.session(t)
	assert.Equal(t, "REQ-1", sess.RequestID)
	assert.True(t, sess.Approval.AllApproved(), "matched fields are seeded as approved")
}

func TestUploadAll_UsesSelectedPrimaryCard(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.svc.SelectPrimaryCard(ctx, testUser, document.TemporarySlip))
	f.attach(t, document.TemporarySlip)

	res, err := f.svc.UploadAll(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, document.TemporarySlip, res.Steps[0].Category)
	assert.Equal(t, "temporary_slip", f.api.extracts[0].path)
}

func TestUploadAll_IsolatesFailures(t *testing.T) {
	f := newFixture()
	f.attachAll(t)
	f.api.extractErr["aadhar_card"] = errors.New("timeout")

	res, err := f.svc.UploadAll(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, res.Steps, 4)
	assert.Equal(t, "timeout", res.Steps[1].Error)
	assert.Equal(t, "rec-referral_letter", res.Steps[2].RecordID)
	assert.Equal(t, "rec-prescription", res.Steps[3].RecordID)
	assert.False(t, res.Succeeded)
	assert.Equal(t, "REQ-1", res.RequestID, "partial uploads are still submitted")
	assert.Len(t, f.api.submitted, 1)
}

func TestUploadAll_NothingExtracted(t *testing.T) {
	f := newFixture()

	res, err := f.svc.UploadAll(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Empty(t, res.RequestID)
	assert.Empty(t, f.api.submitted)
	for _, step := range res.Steps {
		assert.Equal(t, msgFileRequired, step.Error)
	}
}

func TestUploadAll_SubmitFailure(t *testing.T) {
	f := newFixture()
	f.attachAll(t)
	f.api.submitErr = &echsapi.StatusError{Op: "submit_request", StatusCode: 500, Message: "database down"}

	res, err := f.svc.UploadAll(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, "database down", res.SubmitError)
	assert.Empty(t, f.session(t).RequestID)
}

func TestUploadAll_MismatchSubmitted(t *testing.T) {
	f := newFixture()
	f.api.data["prescription"]["gender"] = "female"
	f.attachAll(t)

	res, err := f.svc.UploadAll(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, []bool{false}, f.api.submitted)
	assert.True(t, res.Succeeded)
}

// -- Patch --

func TestPatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	rec, err := f.svc.Patch(ctx, testUser, document.Prescription, map[string]interface{}{
		"patientName":   "Ram Kumar",
		"treatmentPlan": []interface{}{"physio", "rest"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ram Kumar", rec.Text("patientName"))
	assert.Equal(t, []string{"physio", "rest"}, rec.Get("treatmentPlan").Items())
}

func TestPatch_UnknownField(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Patch(context.Background(), testUser, document.BenefitCard, map[string]interface{}{
		"patientName": "Ram",
		"bogus":       "x",
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Unknown field", ve.Fields["benefit_card.bogus"])

	sess, err := f.repo.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, sess.Bundle.Record(document.BenefitCard).Text("patientName"), "patch is all or nothing")
}

// -- Comparison and approvals --

func TestComparison_SeedsMatchedFields(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.Patch(ctx, testUser, document.ReferralLetter, map[string]interface{}{"patientName": "Ram Kumar"})
	require.NoError(t, err)
	_, err = f.svc.Patch(ctx, testUser, document.Prescription, map[string]interface{}{"patientName": " RAM KUMAR "})
	require.NoError(t, err)

	cv, err := f.svc.Comparison(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, cv.Matched)
	assert.True(t, cv.Approvals[reconcile.Name].Approved)
	assert.Equal(t, approval.ProvenanceSystem, cv.Approvals[reconcile.Name].Provenance)
	assert.False(t, cv.Approvals[reconcile.Gender].Approved)
	assert.False(t, cv.AllApproved)
}

func TestComparison_UserRevocationSticks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.Patch(ctx, testUser, document.ReferralLetter, map[string]interface{}{"gender": "F"})
	require.NoError(t, err)
	_, err = f.svc.Comparison(ctx, testUser)
	require.NoError(t, err)

	entry, _, err := f.svc.ToggleApproval(ctx, testUser, reconcile.Gender)
	require.NoError(t, err)
	assert.False(t, entry.Approved)
	assert.Equal(t, approval.ProvenanceUser, entry.Provenance)

	cv, err := f.svc.Comparison(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, cv.Approvals[reconcile.Gender].Approved, "still matched, so not seeded again")
}

func TestPatch_RematchReseedsRevokedApproval(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	patchGender := func(v string) {
		t.Helper()
		_, err := f.svc.Patch(ctx, testUser, document.ReferralLetter, map[string]interface{}{"gender": v})
		require.NoError(t, err)
	}

	patchGender("F")
	entry, _, err := f.svc.ToggleApproval(ctx, testUser, reconcile.Gender)
	require.NoError(t, err)
	require.False(t, entry.Approved)

	// Cleared and re-entered with no read in between.
	patchGender("")
	patchGender("F")

	cv, err := f.svc.Comparison(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, cv.Approvals[reconcile.Gender].Approved)
	assert.Equal(t, approval.ProvenanceSystem, cv.Approvals[reconcile.Gender].Provenance)
}

func TestExtract_SeedsApprovalsWithoutRead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.attachAll(t)
	for _, c := range []document.Category{document.BenefitCard, document.NationalID, document.ReferralLetter, document.Prescription} {
		_, err := f.svc.Extract(ctx, testUser, c)
		require.NoError(t, err)
	}
	assert.True(t, f.session(t).Approval.AllApproved())

	cv, err := f.svc.GenerateClaimID(ctx, testUser, false)
	require.NoError(t, err)
	assert.Equal(t, "CLM-1", cv.ClaimID)
}

func TestComparison_DerivedAges(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.Patch(ctx, testUser, document.NationalID, map[string]interface{}{"dob": "1980-08-15"})
	require.NoError(t, err)

	cv, err := f.svc.Comparison(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 44, cv.DerivedAges[document.NationalID])
}

func TestToggleApproval_AllApproved(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var all bool
	for _, field := range reconcile.TrackedFields {
		entry, a, err := f.svc.ToggleApproval(ctx, testUser, field)
		require.NoError(t, err)
		assert.True(t, entry.Approved)
		all = a
	}
	assert.True(t, all)
}

// -- ValidateAgain --

func uploaded(t *testing.T) *fixture {
	t.Helper()
	f := newFixture()
	f.attachAll(t)
	res, err := f.svc.UploadAll(context.Background(), testUser)
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	return f
}

func TestValidateAgain_NoRequest(t *testing.T) {
	f := newFixture()
	_, err := f.svc.ValidateAgain(context.Background(), testUser)
	assert.ErrorIs(t, err, ErrNoRequest)
}

func TestValidateAgain_MissingRequired(t *testing.T) {
	f := uploaded(t)
	ctx := context.Background()
	_, err := f.svc.Patch(ctx, testUser, document.NationalID, map[string]interface{}{"aadhaarNo": ""})
	require.NoError(t, err)

	_, err = f.svc.ValidateAgain(ctx, testUser)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "national_id.aadhaarNo")
	assert.Nil(t, f.api.updates, "nothing is sent when a record is incomplete")
}

func TestValidateAgain_ReplacesRecords(t *testing.T) {
	f := uploaded(t)
	f.api.updateResp = []echsapi.UpdatedDocument{{
		DocType: "referral_letter",
		ExtractedData: map[string]interface{}{
			"Name of Patient": "Ram K",
			"Referral No":     "REF-10",
			"Polyclinic Name": "Station HQ",
		},
	}}

	recs, err := f.svc.ValidateAgain(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, f.api.updates, 4)

	ref := f.session(t).Bundle.Record(document.ReferralLetter)
	assert.Equal(t, "Ram K", ref.Text("patientName"))
	assert.Equal(t, "Station HQ", ref.Text("polyclinicRemarks"))
	assert.Empty(t, ref.Text("consultationFor"), "fields absent from the response are cleared")
	assert.Equal(t, "rec-referral_letter", ref.RecordID)
	assert.Len(t, ref.Files, 1)

	var sent map[string]string
	for _, u := range f.api.updates {
		if u.DocType == "referral_letter" {
			sent = u.ExtractedData
		}
	}
	assert.Equal(t, "Base Hospital", sent["Polyclinic Name"])
}

func TestValidateAgain_FailureKeepsState(t *testing.T) {
	f := uploaded(t)
	f.api.updateErr = &echsapi.StatusError{Op: "request_update", StatusCode: 502, Message: "upstream"}

	_, err := f.svc.ValidateAgain(context.Background(), testUser)
	var ue *UpdateError
	require.ErrorAs(t, err, &ue)

	ref := f.session(t).Bundle.Record(document.ReferralLetter)
	assert.Equal(t, "Ram Kumar", ref.Text("patientName"))
}

// -- GenerateClaimID --

func TestGenerateClaimID_RequiresApproval(t *testing.T) {
	f := newFixture()
	f.attach(t, document.ReferralLetter)
	_, err := f.svc.GenerateClaimID(context.Background(), testUser, false)
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Empty(t, f.api.claimUpload)
}

func TestGenerateClaimID_MissingReferral(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for _, field := range reconcile.TrackedFields {
		_, _, err := f.svc.ToggleApproval(ctx, testUser, field)
		require.NoError(t, err)
	}

	_, err := f.svc.GenerateClaimID(ctx, testUser, false)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, msgFileRequired, ve.Fields["referral_letter.file"])
}

func TestGenerateClaimID(t *testing.T) {
	f := uploaded(t)
	ctx := context.Background()

	cv, err := f.svc.GenerateClaimID(ctx, testUser, false)
	require.NoError(t, err)
	assert.Equal(t, "CLM-1", cv.ClaimID)
	assert.Equal(t, "referral_letter.pdf", f.api.claimUpload)

	cv, err = f.svc.GenerateClaimID(ctx, testUser, true)
	require.NoError(t, err)
	assert.Equal(t, "CLM-2", cv.ClaimID)
	assert.Equal(t, "CLM-1", cv.PriorClaimID)

	sess := f.session(t)
	assert.Equal(t, "CLM-2", sess.ClaimID)
	assert.Equal(t, "Claim ID is CLM-2", sess.Notifications[len(sess.Notifications)-1].Message)
}

func TestGenerateClaimID_FailureKeepsApprovals(t *testing.T) {
	f := uploaded(t)
	f.api.claimErr = fmt.Errorf("connection refused")

	_, err := f.svc.GenerateClaimID(context.Background(), testUser, false)
	var ce *ClaimError
	require.ErrorAs(t, err, &ce)

	sess := f.session(t)
	assert.True(t, sess.Approval.AllApproved())
	assert.Empty(t, sess.ClaimID)
}

// -- View and Reset --

func TestView_DrainsNotifications(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.attach(t, document.BenefitCard)
	_, err := f.svc.Extract(ctx, testUser, document.BenefitCard)
	require.NoError(t, err)

	v, err := f.svc.View(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, v.Notifications, 1)
	assert.Len(t, v.Records, len(document.Categories))
	assert.Equal(t, document.BenefitCard, v.PrimaryCard)

	v, err = f.svc.View(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, v.Notifications)
}

func TestView_DateInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.Patch(ctx, testUser, document.NationalID, map[string]interface{}{"dob": "1980-08-15"})
	require.NoError(t, err)

	v, err := f.svc.View(ctx, testUser)
	require.NoError(t, err)
	for _, rv := range v.Records {
		if rv.Category != document.NationalID {
			continue
		}
		for _, fv := range rv.Fields {
			if fv.Name == "dob" {
				assert.Equal(t, "1980-08-15", fv.Input)
			}
		}
		assert.Contains(t, rv.Missing, "aadhaarNo")
	}
}

func TestReset(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.attachAll(t)
	before := f.session(t).ID
	require.Equal(t, 4, f.blobs.Len())

	require.NoError(t, f.svc.Reset(ctx, testUser))
	assert.Equal(t, 0, f.blobs.Len())
	_, err := f.repo.Get(ctx, testUser)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	v, err := f.svc.View(ctx, testUser)
	require.NoError(t, err)
	assert.NotEqual(t, before, v.ID)

	assert.NoError(t, f.svc.Reset(ctx, "never-seen"))
}

func TestService_RequiresUser(t *testing.T) {
	f := newFixture()
	_, err := f.svc.View(context.Background(), "")
	assert.Error(t, err)
}

func TestService_ConcurrentUsersReleaseLocks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i%3)
			_, err := f.svc.Patch(ctx, user, document.Prescription, map[string]interface{}{"advice": fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, f.svc.locks.len())
}
