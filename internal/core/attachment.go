package core

import (
	"fmt"
	"strings"
)

// FileAttachment references a blob kept by the external blob store.
// BlobID stays nil until the upload has completed.
type FileAttachment struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	BlobID   *int64 `json:"blob_id"`
	Deleted  bool   `json:"deleted"`
}

func (f FileAttachment) Clone() FileAttachment {
	out := f
	if f.BlobID != nil {
		id := *f.BlobID
		out.BlobID = &id
	}
	return out
}

// DisplayName appends the mime subtype as extension, e.g. "receipt.jpeg".
func (f FileAttachment) DisplayName() string {
	if f.MimeType == "" {
		return f.Filename
	}
	parts := strings.SplitN(f.MimeType, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return f.Filename
	}
	return f.Filename + "." + parts[1]
}

// URL builds the download location relative to baseURL. It is empty while no blob exists.
func (f FileAttachment) URL(baseURL string) string {
	if f.BlobID == nil {
		return ""
	}
	return fmt.Sprintf("%s/v1/files/%d/%d", strings.TrimRight(baseURL, "/"), f.ID, *f.BlobID)
}
