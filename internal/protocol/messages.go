package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Error strings sent to clients as {"error": "..."}.
const (
	ErrNoCommandNode     = "No command node found"
	ErrUnknownCommand    = "Unknown command"
	ErrInvalidDataFormat = "Invalid data format"
	ErrRateLimited       = "Rate limit exceeded"
	ErrInternal          = "Internal server error"
)

// ErrNotObject is returned by Decode for payloads that are valid JSON but not an object.
var ErrNotObject = errors.New("envelope is not a JSON object")

// ErrorResponse is the only shape of protocol error on the wire.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrorMessage renders {"error": msg}.
func ErrorMessage(msg string) []byte {
	b, err := json.Marshal(ErrorResponse{Error: msg})
	if err != nil {
		// Marshalling a single string field cannot fail.
		return []byte(`{"error":"` + ErrInternal + `"}`)
	}
	return b
}

// Envelope is a decoded client message. Fields other than the command name
// are left raw for the handler.
type Envelope struct {
	fields map[string]json.RawMessage
	raw    []byte
}

// Decode parses payload as a JSON object envelope.
func Decode(payload []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return Envelope{}, ErrNotObject
		}
		return Envelope{}, fmt.Errorf("failed to decode envelope: invalid JSON")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return Envelope{fields: fields, raw: append([]byte(nil), trimmed...)}, nil
}

// NewEnvelope builds an envelope from a Go value, mostly for tests and for
// server-side dispatch.
func NewEnvelope(v any) (Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return Decode(b)
}

// Command returns the command name from "cmd", falling back to "command".
// A field holding JSON null counts as absent. Non-string values are used in
// their JSON text form.
func (e Envelope) Command() (string, bool) {
	for _, key := range []string{"cmd", "command"} {
		raw, ok := e.fields[key]
		if !ok || string(raw) == "null" {
			continue
		}
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			return name, true
		}
		return string(raw), true
	}
	return "", false
}

// Field returns the raw JSON of a top-level field.
func (e Envelope) Field(name string) (json.RawMessage, bool) {
	raw, ok := e.fields[name]
	return raw, ok
}

// Bind unmarshals the whole envelope into v.
func (e Envelope) Bind(v any) error {
	if len(e.raw) == 0 {
		return fmt.Errorf("empty envelope")
	}
	return json.Unmarshal(e.raw, v)
}

// Raw returns the original JSON text.
func (e Envelope) Raw() []byte {
	return e.raw
}

// Reply command names sent by the chunk service.
const (
	ReplyChunk  = "chunk"
	ReplyChunks = "chunks"
	ReplyStats  = "stats"
)

// ChunkPayload is one chunk as sent to the browser.
type ChunkPayload struct {
	X              int    `json:"x"`
	Z              int    `json:"z"`
	Type           string `json:"type,omitempty"`
	GenerationTime int64  `json:"generation_time"`
	BlockData      string `json:"block_data"`
	HeightData     string `json:"height_data"`
	BiomeData      string `json:"biome_data,omitempty"`
	BlockIndices   string `json:"block_indices,omitempty"`
}

// ChunkMessage answers get_chunk. Chunk is nil when the chunk is unknown.
type ChunkMessage struct {
	Cmd   string        `json:"cmd"`
	World string        `json:"world"`
	X     int           `json:"x"`
	Z     int           `json:"z"`
	Chunk *ChunkPayload `json:"chunk"`
}

// ChunksMessage answers get_chunks with every chunk that could be found.
type ChunksMessage struct {
	Cmd    string         `json:"cmd"`
	World  string         `json:"world"`
	Chunks []ChunkPayload `json:"chunks"`
}

// StatsMessage answers the stats command.
type StatsMessage struct {
	Cmd         string `json:"cmd"`
	Connections int    `json:"connections"`
	CachedTotal int    `json:"cached_total"`
	CachedWorld int    `json:"cached_world,omitempty"`
	StoredTotal int    `json:"stored_total"`
	StoredWorld int    `json:"stored_world,omitempty"`
}
