package diskcache

import (
	"encoding/json"
	"time"
)

// Metadata is stored as JSON in stream 1 of every entry.
type Metadata struct {
	// ContentKey is the unhashed key. A mismatch on read means two keys
	// share a fingerprint and the entry is treated as a miss.
	ContentKey      string            `json:"content_key"`
	MimeType        string            `json:"mime_type,omitempty"`
	Width           int               `json:"width,omitempty"`
	Height          int               `json:"height,omitempty"`
	Transformations []string          `json:"transformations,omitempty"`
	Encoding        string            `json:"encoding"`
	ETag            string            `json:"etag,omitempty"`
	LastModified    string            `json:"last_modified,omitempty"`
	ContentLength   int64             `json:"content_length"`
	Headers         map[string]string `json:"headers,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func (m *Metadata) marshal() ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalMetadata(data []byte) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal(data, &m)
	return m, err
}
