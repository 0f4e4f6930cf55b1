// Package blobstore holds the source files uploaded for a submission. Records
// keep only a reference to the stored blob; bytes live here until the
// submission is reset.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize caps a single scan at 25 MiB.
const MaxFileSize = 25 << 20

// AllowedContentTypes are the scan and photo formats the extraction service
// reads.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/heic":      true,
}

type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Owner       string    `json:"owner"`
	Category    string    `json:"category"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is implemented by the in-memory and S3 backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
}

// NormalizeContentType reduces a Content-Type header to its lower-case media
// type. Unparseable values are trimmed at the first ';'.
func NormalizeContentType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// prepare checks an upload and stamps its ID, size, digest and time.
func prepare(meta BlobMetadata, content io.Reader) (BlobMetadata, []byte, error) {
	if strings.TrimSpace(meta.FileName) == "" {
		return meta, nil, ErrMissingFileName
	}
	meta.ContentType = NormalizeContentType(meta.ContentType)
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, fmt.Errorf("%w: %q", ErrInvalidContentType, meta.ContentType)
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("read %s: %w", meta.FileName, err)
	}
	if n > MaxFileSize {
		return meta, nil, fmt.Errorf("%w: %s", ErrFileTooLarge, meta.FileName)
	}

	sum := sha256.Sum256(buf.Bytes())
	meta.ID = uuid.NewString()
	meta.Size = n
	meta.Hash = hex.EncodeToString(sum[:])
	meta.CreatedAt = time.Now().UTC()
	return meta, buf.Bytes(), nil
}

type memBlob struct {
	meta BlobMetadata
	data []byte
}

// InMemoryBlobStore keeps blobs in process memory. It backs development
// runs and tests.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]memBlob)}
}

func (s *InMemoryBlobStore) lookup(id string) (memBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return memBlob{}, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}
	return b, nil
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.blobs[meta.ID] = memBlob{meta: meta, data: data}
	s.mu.Unlock()
	return &meta, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	b, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(b.data)), &b.meta, nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return &b.meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}
	delete(s.blobs, id)
	return nil
}

// Len reports how many blobs are held.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
