// Package uploads receives chunked file uploads on behalf of the gateway
// and spools them to disk.
package uploads

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileMetadata describes a finalized upload.
type FileMetadata struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// Spec describes an upload about to start.
type Spec struct {
	ProjectID string
	SessionID string
	Filename  string
	Size      int64
	MimeType  string
}

// ErrUnknownUpload is returned for operations on an id the sink is not
// tracking, including ids already completed or cancelled.
var ErrUnknownUpload = errors.New("uploads: unknown upload id")

// Sink accepts upload bytes. StartUpload returns the sink's own id for
// the transfer; callers correlate it with their wire-level id.
type Sink interface {
	StartUpload(spec Spec) (string, error)
	WriteChunk(id string, chunk []byte) (int64, error)
	CompleteUpload(id string) (*FileMetadata, error)
	CancelUpload(id string) error
}

// ============================================================================
// FILE SINK
// ============================================================================

type activeUpload struct {
	spec    Spec
	file    *os.File
	part    string
	written int64
	started time.Time
}

// FileSink spools uploads under a directory. Bytes land in a .part file
// and are renamed into place on completion, so a crashed transfer never
// leaves a file that looks finished.
type FileSink struct {
	dir string

	mu     sync.Mutex
	active map[string]*activeUpload
}

// NewFileSink creates the spool directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("uploads: create spool dir: %w", err)
	}
	return &FileSink{dir: dir, active: make(map[string]*activeUpload)}, nil
}

// StartUpload allocates an id and opens its part file.
func (s *FileSink) StartUpload(spec Spec) (string, error) {
	id := uuid.NewString()
	part := filepath.Join(s.dir, id+".part")
	f, err := os.Create(part)
	if err != nil {
		return "", fmt.Errorf("uploads: open part file: %w", err)
	}

	s.mu.Lock()
	s.active[id] = &activeUpload{spec: spec, file: f, part: part, started: time.Now()}
	s.mu.Unlock()
	return id, nil
}

// WriteChunk appends bytes and returns the cumulative count. A write
// failure cancels the upload.
func (s *FileSink) WriteChunk(id string, chunk []byte) (int64, error) {
	s.mu.Lock()
	up, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return 0, ErrUnknownUpload
	}

	n, err := up.file.Write(chunk)
	if err != nil {
		s.CancelUpload(id)
		return 0, fmt.Errorf("uploads: write chunk: %w", err)
	}
	up.written += int64(n)
	return up.written, nil
}

// CompleteUpload syncs, renames the part file into place, and returns the
// file's metadata.
func (s *FileSink) CompleteUpload(id string) (*FileMetadata, error) {
	s.mu.Lock()
	up, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownUpload
	}

	if err := up.file.Sync(); err != nil {
		up.file.Close()
		os.Remove(up.part)
		return nil, fmt.Errorf("uploads: sync: %w", err)
	}
	if err := up.file.Close(); err != nil {
		os.Remove(up.part)
		return nil, fmt.Errorf("uploads: close: %w", err)
	}

	final := filepath.Join(s.dir, id+"-"+filepath.Base(up.spec.Filename))
	if err := os.Rename(up.part, final); err != nil {
		os.Remove(up.part)
		return nil, fmt.Errorf("uploads: finalize: %w", err)
	}

	return &FileMetadata{
		ID:        id,
		ProjectID: up.spec.ProjectID,
		SessionID: up.spec.SessionID,
		Filename:  up.spec.Filename,
		Size:      up.written,
		MimeType:  up.spec.MimeType,
		Path:      final,
		CreatedAt: up.started,
	}, nil
}

// CancelUpload discards the transfer and its part file. Cancelling an
// unknown id reports ErrUnknownUpload but has nothing else to undo.
func (s *FileSink) CancelUpload(id string) error {
	s.mu.Lock()
	up, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownUpload
	}

	up.file.Close()
	os.Remove(up.part)
	return nil
}

// ActiveCount returns how many transfers are in flight.
func (s *FileSink) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
