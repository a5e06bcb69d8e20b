package chatcore

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrEmptyMessage         = errors.New("message has neither content nor attachments")
	ErrNoContext            = errors.New("no active conversation or workspace")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUnknownAttachment    = errors.New("unrecognized attachment")
	ErrUnknownEvent         = errors.New("unrecognized event")
	ErrClosed               = errors.New("closed")
	ErrNotConnected         = errors.New("not connected")
)

// APIError is a non-2xx response from the chat gateway.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a gateway 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// FileInfo describes an attachment that was part of a failed send.
type FileInfo struct {
	Name string
	Size int64
}

// SendError is the user-facing failure of an optimistic send. It carries
// enough detail for the user to decide whether to retry.
type SendError struct {
	ConversationID int64
	TempID         string
	Files          []FileInfo
	Err            error
}

func (e *SendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "send to conversation %d failed: %v", e.ConversationID, e.Err)
	if len(e.Files) > 0 {
		b.WriteString(" (attachments:")
		for i, f := range e.Files {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " %s %s", f.Name, formatSize(f.Size))
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *SendError) Unwrap() error { return e.Err }

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
