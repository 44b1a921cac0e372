package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yepanywhere/relay/internal/protocol"
	"github.com/yepanywhere/relay/internal/uploads"
)

// progressBoundary is the granularity of upload_progress reports. A
// report goes out whenever the received total crosses a 64 KiB boundary
// and always when the final byte lands.
const progressBoundary = 64 * 1024

// uploadEntry tracks one in-flight upload. The client picks its own
// uploadId for correlation; the sink assigns the server-side id.
type uploadEntry struct {
	clientID     string
	serverID     string
	expected     int64
	received     int64
	lastReported int64
}

func (c *conn) handleUploadStart(m *protocol.UploadStart) {
	if _, dup := c.uploads[m.UploadID]; dup {
		c.sendUploadError(m.UploadID, "duplicate uploadId")
		return
	}

	serverID, err := c.g.sink.StartUpload(uploads.Spec{
		ProjectID: m.ProjectID,
		SessionID: m.SessionID,
		Filename:  m.Filename,
		Size:      m.Size,
		MimeType:  m.MimeType,
	})
	if err != nil {
		slog.Warn("[Gateway] upload start failed", "uploadId", m.UploadID, "filename", m.Filename, "error", err)
		c.sendUploadError(m.UploadID, "failed to start upload")
		return
	}

	entry := &uploadEntry{clientID: m.UploadID, serverID: serverID, expected: m.Size}
	c.uploads[m.UploadID] = entry
	c.uploadOrder = append(c.uploadOrder, m.UploadID)

	c.sendMessage(&protocol.UploadProgress{UploadID: m.UploadID, BytesReceived: 0})
}

func (c *conn) handleUploadChunk(m *protocol.UploadChunk) {
	entry, ok := c.uploads[m.UploadID]
	if !ok {
		c.sendUploadError(m.UploadID, "unknown uploadId")
		return
	}
	if m.Offset != entry.received {
		c.failUpload(entry, fmt.Sprintf("offset mismatch: got %d, expected %d", m.Offset, entry.received))
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		c.failUpload(entry, "chunk is not valid base64")
		return
	}

	total, err := c.g.sink.WriteChunk(entry.serverID, chunk)
	if err != nil {
		c.failUpload(entry, "failed to write chunk")
		return
	}
	entry.received = total
	c.g.metrics.RecordUploadBytes(len(chunk))

	if shouldReportProgress(entry) {
		c.sendMessage(&protocol.UploadProgress{UploadID: entry.clientID, BytesReceived: entry.received})
		entry.lastReported = entry.received
	}
}

// handleUploadEnd finalizes a complete upload. Ending early, before the
// declared size arrived, discards the transfer; that is also how a
// client cancels.
func (c *conn) handleUploadEnd(m *protocol.UploadEnd) {
	entry, ok := c.uploads[m.UploadID]
	if !ok {
		c.sendUploadError(m.UploadID, "unknown uploadId")
		return
	}
	if entry.received != entry.expected {
		c.failUpload(entry, fmt.Sprintf("received %d of %d bytes", entry.received, entry.expected))
		return
	}

	meta, err := c.g.sink.CompleteUpload(entry.serverID)
	c.removeUpload(entry.clientID)
	if err != nil {
		slog.Warn("[Gateway] upload finalize failed", "uploadId", entry.clientID, "error", err)
		c.sendUploadError(entry.clientID, "failed to finalize upload")
		return
	}

	file, err := json.Marshal(meta)
	if err != nil {
		c.sendUploadError(entry.clientID, "failed to encode file metadata")
		return
	}
	c.sendMessage(&protocol.UploadComplete{UploadID: entry.clientID, File: file})
	slog.Info("[Gateway] upload complete", "uploadId", entry.clientID, "filename", meta.Filename, "bytes", entry.expected)
}

func shouldReportProgress(e *uploadEntry) bool {
	if e.received == e.expected {
		return true
	}
	return e.received/progressBoundary > e.lastReported/progressBoundary
}

// failUpload cancels the sink side, drops the entry, and reports the
// error. The connection stays open.
func (c *conn) failUpload(entry *uploadEntry, message string) {
	if err := c.g.sink.CancelUpload(entry.serverID); err != nil && !errors.Is(err, uploads.ErrUnknownUpload) {
		slog.Warn("[Gateway] upload cancel failed", "uploadId", entry.clientID, "error", err)
	}
	c.removeUpload(entry.clientID)
	c.sendUploadError(entry.clientID, message)
}

func (c *conn) sendUploadError(uploadID, message string) {
	c.sendMessage(&protocol.UploadError{UploadID: uploadID, Error: message})
}

func (c *conn) removeUpload(clientID string) {
	delete(c.uploads, clientID)
	for i, id := range c.uploadOrder {
		if id == clientID {
			c.uploadOrder = append(c.uploadOrder[:i], c.uploadOrder[i+1:]...)
			break
		}
	}
}
