// Package echsapi is the HTTP client for the ECHS claims backend: document
// extraction, claim ID generation, request submission and field updates.
package echsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// TokenSource returns the bearer token to forward for ctx, or "" when the
// caller has none.
type TokenSource func(ctx context.Context) string

// Config configures a Client. Token is the service token sent when the
// TokenSource yields nothing. HTTPClient, when set, replaces the default
// client and Timeout is ignored.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Upload is one file sent in a multipart request.
type Upload struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// ExtractResult is the extraction service response.
type ExtractResult struct {
	RecordID string                 `json:"ocr_result_id"`
	Data     map[string]interface{} `json:"data"`
}

// ClaimResult carries a generated claim ID. PriorClaimID is only set by the
// followup variant.
type ClaimResult struct {
	ClaimID      string
	PriorClaimID string
}

// DocumentUpdate is one entry of a request_update payload.
type DocumentUpdate struct {
	DocType       string            `json:"doc_type"`
	ExtractedData map[string]string `json:"extracted_data"`
}

// UpdatedDocument is one entry of a request_update response.
type UpdatedDocument struct {
	DocType       string                 `json:"doc_type"`
	ExtractedData map[string]interface{} `json:"extracted_data"`
}

// Client talks to the ECHS backend. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	httpc  *http.Client
	token  string
	tokens TokenSource
}

// New returns a Client for cfg. tokens may be nil.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, httpc: httpc, token: cfg.Token, tokens: tokens}, nil
}

// Extract posts files to extract/{path}. field is the multipart field name
// the endpoint expects ("file", or "files" for multi-page documents).
func (c *Client) Extract(ctx context.Context, path, field string, files []Upload) (*ExtractResult, error) {
	if len(files) == 0 {
		return nil, errors.New("extract: no files")
	}
	op := "extract/" + path
	var out ExtractResult
	if err := c.postMultipart(ctx, op, field, files, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = map[string]interface{}{}
	}
	return &out, nil
}

// GenerateClaimID posts the referral letter to generate_claim_id.
func (c *Client) GenerateClaimID(ctx context.Context, referral Upload) (*ClaimResult, error) {
	var out struct {
		ClaimID string `json:"claim_id"`
	}
	if err := c.postMultipart(ctx, "generate_claim_id", "file", []Upload{referral}, &out); err != nil {
		return nil, err
	}
	if out.ClaimID == "" {
		return nil, errors.New("generate_claim_id: response has no claim_id")
	}
	return &ClaimResult{ClaimID: out.ClaimID}, nil
}

// GenerateClaimIDFollowup posts the referral letter to
// generate_claim_id_followup, which returns a new ID alongside the prior one.
func (c *Client) GenerateClaimIDFollowup(ctx context.Context, referral Upload) (*ClaimResult, error) {
	var out struct {
		NewClaimID string `json:"new_claim_id"`
		ClaimID    string `json:"claim_id"`
	}
	if err := c.postMultipart(ctx, "generate_claim_id_followup", "file", []Upload{referral}, &out); err != nil {
		return nil, err
	}
	if out.NewClaimID == "" {
		return nil, errors.New("generate_claim_id_followup: response has no new_claim_id")
	}
	return &ClaimResult{ClaimID: out.NewClaimID, PriorClaimID: out.ClaimID}, nil
}

// RequestUpdate sends corrected fields for requestID and returns the fields
// the backend now holds.
func (c *Client) RequestUpdate(ctx context.Context, requestID string, updates []DocumentUpdate) ([]UpdatedDocument, error) {
	if requestID == "" {
		return nil, errors.New("request_update: empty request id")
	}
	body := struct {
		Updates []DocumentUpdate `json:"updates"`
	}{Updates: updates}
	var out struct {
		Updates []UpdatedDocument `json:"updates"`
	}
	op := "request_update/" + url.PathEscape(requestID)
	if err := c.doJSON(ctx, http.MethodPut, op, body, &out); err != nil {
		return nil, err
	}
	return out.Updates, nil
}

// SubmitRequest records the overall match verdict and returns the request ID
// used by later updates.
func (c *Client) SubmitRequest(ctx context.Context, match bool) (string, error) {
	body := struct {
		Match bool `json:"match"`
	}{Match: match}
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "submit_request", body, &out); err != nil {
		return "", err
	}
	if out.RequestID == "" {
		return "", errors.New("submit_request: response has no request_id")
	}
	return out.RequestID, nil
}

func (c *Client) postMultipart(ctx context.Context, op, field string, files []Upload, out interface{}) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.FileName))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return fmt.Errorf("%s: create part: %w", op, err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return fmt.Errorf("%s: write %s: %w", op, f.FileName, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("%s: close multipart: %w", op, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, op, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, op, out)
}

func (c *Client) doJSON(ctx context.Context, method, op string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode body: %w", op, err)
	}
	req, err := c.newRequest(ctx, method, op, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, out)
}

func (c *Client) newRequest(ctx context.Context, method, op string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(op)
	if err != nil {
		return nil, fmt.Errorf("%s: build url: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.bearer(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func (c *Client) bearer(ctx context.Context) string {
	if c.tokens != nil {
		if tok := c.tokens(ctx); tok != "" {
			return tok
		}
	}
	return c.token
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// errorMessage pulls a readable message out of an error body. The backend
// reports failures as {"detail": ...} or {"message": ...}; detail may also be
// a list of validation errors.
func errorMessage(status int, raw []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if len(body.Detail) > 0 && string(body.Detail) != "null" {
			var s string
			if json.Unmarshal(body.Detail, &s) == nil {
				if s != "" {
					return s
				}
			} else {
				return string(body.Detail)
			}
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) <= 200 {
		return text
	}
	return http.StatusText(status)
}
