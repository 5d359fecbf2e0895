// Package request holds the core download-request entity: its status state
// machine, persistence, progress tracking and per-request logging.
package request

import (
	"encoding/json"
	"time"

	"fetchd/files"
)

// Kind discriminates which handler owns a request and which option fields
// apply to it.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindExtractor Kind = "extractor"
	KindTorrent   Kind = "torrent"
	KindResource  Kind = "resource"
)

// Options carries the kind-specific request fields. Only the fields for the
// request's kind are meaningful; the rest stay zero.
type Options struct {
	// extractor
	FormatSelection string `json:"formatSelection,omitempty"`
	OutputTemplate  string `json:"outputTemplate,omitempty"`

	// resource
	Extensions []string `json:"extensions,omitempty"`
	MinBytes   int64    `json:"minBytes,omitempty"`
	DelaySec   int      `json:"delaySec,omitempty"`
}

// Request is a user's submission of a URL (or magnet link) to be fetched
// asynchronously by the handler selected through Kind.
type Request struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user"`
	Kind     Kind            `json:"kind"`
	Status   Status          `json:"status"`
	Progress int             `json:"progress"`
	Title    string          `json:"title"`
	URL      string          `json:"url"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Options  Options         `json:"options"`

	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`

	StartProcessingAt  *time.Time `json:"startProcessingAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	StartCompressingAt *time.Time `json:"startCompressingAt,omitempty"`
	CompressedAt       *time.Time `json:"compressedAt,omitempty"`
}

// StoragePath returns the relative directory holding the request's files.
// It is derived, never persisted.
func (r *Request) StoragePath() string {
	return files.StoragePath(r.UserID, r.ID)
}

// User is an account that owns requests. Tokens authenticate API calls.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
