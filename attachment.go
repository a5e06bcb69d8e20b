package chatcore

import (
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// AttachmentKind is the closed set of attachment variants the core understands.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentVideo AttachmentKind = "video"
	AttachmentFile  AttachmentKind = "file"
)

// Valid reports whether k is one of the known variants.
func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentAudio, AttachmentVideo, AttachmentFile:
		return true
	}
	return false
}

// Attachment is a message attachment. Optimistic messages carry local preview
// references in URL until the server copy replaces them.
type Attachment struct {
	Kind     AttachmentKind `json:"file_type"`
	URL      string         `json:"data_url"`
	ThumbURL string         `json:"thumb_url,omitempty"`
	FileName string         `json:"file_name,omitempty"`
	Size     int64          `json:"file_size,omitempty"`
}

type wireAttachment Attachment

// UnmarshalJSON rejects attachments whose kind is not a known variant or that
// carry no URL.
func (a *Attachment) UnmarshalJSON(data []byte) error {
	var w wireAttachment
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownAttachment, err)
	}
	w.Kind = AttachmentKind(strings.ToLower(string(w.Kind)))
	if !w.Kind.Valid() {
		return fmt.Errorf("%w: file_type %q", ErrUnknownAttachment, w.Kind)
	}
	if w.URL == "" {
		return fmt.Errorf("%w: missing data_url", ErrUnknownAttachment)
	}
	*a = Attachment(w)
	return nil
}

// ParseAttachment validates a raw provider attachment.
func ParseAttachment(raw json.RawMessage) (Attachment, error) {
	var a Attachment
	err := json.Unmarshal(raw, &a)
	return a, err
}

// KindForContentType maps a MIME type onto an attachment variant.
func KindForContentType(contentType string) AttachmentKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return AttachmentImage
	case strings.HasPrefix(contentType, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(contentType, "video/"):
		return AttachmentVideo
	}
	return AttachmentFile
}

// guessContentType returns the MIME type for a file name.
func guessContentType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Not in every platform's mime table.
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm", ".ogg": "audio/ogg",
		".opus": "audio/opus", ".m4a": "audio/mp4",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// wireMessage shadows Message.Attachments so each attachment is validated on
// its own instead of failing the whole message.
type wireMessage struct {
	Message
	Attachments []json.RawMessage `json:"attachments,omitempty"`
}

// toMessage converts the wire form, returning the attachments it rejected.
func (w wireMessage) toMessage() (Message, []error) {
	m := w.Message
	m.Attachments = nil
	var rejected []error
	for _, raw := range w.Attachments {
		a, err := ParseAttachment(raw)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		m.Attachments = append(m.Attachments, a)
	}
	return m, rejected
}
