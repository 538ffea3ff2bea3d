package event

import "encoding/json"

// UTM holds campaign parameters parsed from the landing URL.
type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Empty reports whether no UTM parameter is set.
func (u UTM) Empty() bool { return u == UTM{} }

// SessionMetadata is the static environment snapshot attached to the first
// delivered batch of each session.
type SessionMetadata struct {
	ScreenWidth    int            `json:"screenWidth,omitempty"`
	ScreenHeight   int            `json:"screenHeight,omitempty"`
	ViewportWidth  int            `json:"viewportWidth,omitempty"`
	ViewportHeight int            `json:"viewportHeight,omitempty"`
	Language       string         `json:"language,omitempty"`
	Referrer       string         `json:"referrer,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	UTM            *UTM           `json:"utm,omitempty"`
	Traits         map[string]any `json:"traits,omitempty"`
}

// EventBatch is the body of POST /events. Session is set only on the first
// batch of a session.
type EventBatch struct {
	SessionID      string           `json:"sessionId"`
	VisitorID      string           `json:"visitorId"`
	UserIdentifier string           `json:"userIdentifier,omitempty"`
	Events         []TrackingEvent  `json:"events"`
	Session        *SessionMetadata `json:"session,omitempty"`
}

// ReplayEvent is one opaque UI-replay event produced by an external
// recorder. Only Timestamp is interpreted by the pipeline.
type ReplayEvent struct {
	Type      int             `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Chunk payload encodings.
const (
	EncodingSnappy = "snappy+base64"
	EncodingJSON   = "json"
)

// RecordingChunk is the body of POST /recordings. ChunkIndex is 0-based and
// strictly increasing within a session; IsLast is set exactly once per
// recording.
type RecordingChunk struct {
	SessionID  string `json:"sessionId"`
	VisitorID  string `json:"visitorId,omitempty"`
	ChunkIndex int    `json:"chunkIndex"`
	Events     string `json:"events"`
	Encoding   string `json:"encoding"`
	EventCount int    `json:"eventCount"`
	StartTime  int64  `json:"startTime"`
	EndTime    int64  `json:"endTime"`
	IsLast     bool   `json:"isLast"`
}
