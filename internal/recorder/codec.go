package recorder

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/golang/snappy"

	"github.com/fakeyudi/pulse/internal/event"
)

var json = sonic.ConfigStd

// Compressor encodes a chunk's events into its wire payload.
type Compressor interface {
	Encoding() string
	Compress(events []event.ReplayEvent) (string, error)
}

// Snappy encodes events as JSON, compresses them with snappy block format and
// base64-encodes the result.
type Snappy struct{}

func (Snappy) Encoding() string { return event.EncodingSnappy }

func (Snappy) Compress(events []event.ReplayEvent) (string, error) {
	raw, err := json.Marshal(nonNil(events))
	if err != nil {
		return "", fmt.Errorf("encode replay events: %w", err)
	}
	return base64.StdEncoding.EncodeToString(snappy.Encode(nil, raw)), nil
}

// PlainJSON leaves events uncompressed. It is the teardown encoding.
type PlainJSON struct{}

func (PlainJSON) Encoding() string { return event.EncodingJSON }

func (PlainJSON) Compress(events []event.ReplayEvent) (string, error) {
	raw, err := json.Marshal(nonNil(events))
	if err != nil {
		return "", fmt.Errorf("encode replay events: %w", err)
	}
	return string(raw), nil
}

// Decode returns the events carried by chunk, whatever its encoding.
func Decode(chunk *event.RecordingChunk) ([]event.ReplayEvent, error) {
	var raw []byte
	switch chunk.Encoding {
	case event.EncodingSnappy:
		compressed, err := base64.StdEncoding.DecodeString(chunk.Events)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: invalid base64: %w", chunk.ChunkIndex, err)
		}
		raw, err = snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: invalid snappy block: %w", chunk.ChunkIndex, err)
		}
	case event.EncodingJSON, "":
		raw = []byte(chunk.Events)
	default:
		return nil, fmt.Errorf("chunk %d: unknown encoding %q", chunk.ChunkIndex, chunk.Encoding)
	}
	var events []event.ReplayEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("chunk %d: malformed events: %w", chunk.ChunkIndex, err)
	}
	return events, nil
}

func nonNil(events []event.ReplayEvent) []event.ReplayEvent {
	if events == nil {
		return []event.ReplayEvent{}
	}
	return events
}
