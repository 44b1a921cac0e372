package sdk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/yepanywhere/relay/internal/protocol"
)

// uploadBuffer queues origin feedback per upload. Progress updates
// overflow silently; completion and errors never do.
const uploadBuffer = 16

// UploadSpec describes one file upload.
type UploadSpec struct {
	// ProjectID and SessionID attach the file to origin state. Both are
	// optional.
	ProjectID string
	SessionID string

	// Filename is the name the origin stores the file under.
	Filename string

	// Size is the exact byte count the reader will produce. The origin
	// rejects uploads that end on a different count.
	Size int64

	// MimeType is optional.
	MimeType string
}

// Upload streams r to the origin in chunks and blocks until the origin
// confirms the stored file. onProgress, when non-nil, receives the
// origin's running byte count from the read loop. Canceling ctx ends
// the upload early; the origin discards the partial file.
func (c *Client) Upload(ctx context.Context, spec UploadSpec, r io.Reader, onProgress func(int64)) (*File, error) {
	id := uuid.NewString()
	ch := make(chan protocol.Message, uploadBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.uploads[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.uploads, id)
		c.mu.Unlock()
	}()

	err := c.send(&protocol.UploadStart{
		UploadID:  id,
		ProjectID: spec.ProjectID,
		SessionID: spec.SessionID,
		Filename:  spec.Filename,
		Size:      spec.Size,
		MimeType:  spec.MimeType,
	})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, c.cfg.ChunkSize)
	var offset int64
	for {
		// The origin can reject mid-stream; stop pushing chunks at the
		// first sign of that.
		select {
		case m := <-ch:
			if file, done, err := uploadResult(m, onProgress); done {
				return file, err
			}
		case <-ctx.Done():
			c.send(&protocol.UploadEnd{UploadID: id})
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrConnectionLost
		default:
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			err := c.send(&protocol.UploadChunk{
				UploadID: id,
				Offset:   offset,
				Data:     base64.StdEncoding.EncodeToString(buf[:n]),
			})
			if err != nil {
				return nil, err
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// End the transfer so the origin can discard the partial.
			c.send(&protocol.UploadEnd{UploadID: id})
			return nil, fmt.Errorf("relay-sdk: read upload source: %w", readErr)
		}
	}

	if err := c.send(&protocol.UploadEnd{UploadID: id}); err != nil {
		return nil, err
	}

	for {
		select {
		case m := <-ch:
			if file, done, err := uploadResult(m, onProgress); done {
				return file, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrConnectionLost
		}
	}
}

// uploadResult consumes one origin message. done reports that the
// upload reached a terminal state.
func uploadResult(m protocol.Message, onProgress func(int64)) (file *File, done bool, err error) {
	switch v := m.(type) {
	case *protocol.UploadProgress:
		if onProgress != nil {
			onProgress(v.BytesReceived)
		}
		return nil, false, nil
	case *protocol.UploadComplete:
		var f File
		if err := json.Unmarshal(v.File, &f); err != nil {
			return nil, true, fmt.Errorf("relay-sdk: decode file metadata: %w", err)
		}
		return &f, true, nil
	case *protocol.UploadError:
		return nil, true, fmt.Errorf("relay-sdk: upload rejected: %s", v.Error)
	default:
		return nil, false, nil
	}
}

// deliverUpload routes one upload message from the read loop. Progress
// drops when the uploader lags; terminal messages wait for it.
func (c *Client) deliverUpload(id string, m protocol.Message, terminal bool) {
	c.mu.Lock()
	ch := c.uploads[id]
	c.mu.Unlock()
	if ch == nil {
		return
	}

	if !terminal {
		select {
		case ch <- m:
		default:
		}
		return
	}
	go func() {
		select {
		case ch <- m:
		case <-c.done:
		}
	}()
}
