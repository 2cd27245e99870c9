// Package message implements the peer wire messages exchanged inside a room
// and the classifier that routes them.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Connected is the handshake sentinel written as soon as a connection opens.
const Connected = "__CONNECTED__"

// Structured message discriminators.
const (
	TypeFileMeta  = "file-meta"
	TypeFileChunk = "file-chunk"
)

var (
	// ErrMalformedMessage is returned for a known message type with missing or invalid fields.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownMessageType is returned for a JSON object whose type is not part of the protocol.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Kind identifies one variant of Message.
type Kind int

const (
	KindPlainText Kind = iota
	KindConnected
	KindFileMeta
	KindFileChunk
	// KindInvalid is reported by the classifier for frames it rejected.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindPlainText:
		return "plain-text"
	case KindConnected:
		return "connected"
	case KindFileMeta:
		return "file-meta"
	case KindFileChunk:
		return "file-chunk"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FileMeta announces a file transfer. It is always sent before any chunk.
type FileMeta struct {
	FileID      string `json:"fileId"`
	Name        string `json:"name"`
	Mime        string `json:"mime"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"totalChunks"`
}

// FileChunk carries one slice of a file.
type FileChunk struct {
	FileID string `json:"fileId"`
	Index  int    `json:"index"`
	Data   Bytes  `json:"data"`
}

// Message is the decoded form of one inbound frame. Exactly one of Meta,
// Chunk or Text is meaningful, selected by Kind.
type Message struct {
	Kind  Kind
	Meta  FileMeta
	Chunk FileChunk
	Text  string
}

// Decode classifies a raw frame. The sentinel is checked first by exact
// match, then a structured decode is attempted; anything that is not a JSON
// object with a string "type" field is plain text.
//
// A JSON object with an unrecognised type yields ErrUnknownMessageType and a
// known type with bad fields yields ErrMalformedMessage. In both cases the
// returned Message is the zero value.
func Decode(raw []byte) (Message, error) {
	if string(raw) == Connected {
		return Message{Kind: KindConnected}, nil
	}

	typ, ok := probeType(raw)
	if !ok {
		return Message{Kind: KindPlainText, Text: string(raw)}, nil
	}

	switch typ {
	case TypeFileMeta:
		meta, err := decodeFileMeta(raw)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindFileMeta, Meta: meta}, nil
	case TypeFileChunk:
		chunk, err := decodeFileChunk(raw)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindFileChunk, Chunk: chunk}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, typ)
	}
}

func probeType(raw []byte) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var probe struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil || probe.Type == nil {
		return "", false
	}
	return *probe.Type, true
}

func decodeFileMeta(raw []byte) (FileMeta, error) {
	var w struct {
		FileID      *string `json:"fileId"`
		Name        *string `json:"name"`
		Mime        string  `json:"mime"`
		Size        *int64  `json:"size"`
		TotalChunks *int    `json:"totalChunks"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return FileMeta{}, fmt.Errorf("%w: file-meta: %v", ErrMalformedMessage, err)
	}
	switch {
	case w.FileID == nil || *w.FileID == "":
		return FileMeta{}, fmt.Errorf("%w: file-meta: missing fileId", ErrMalformedMessage)
	case w.Name == nil:
		return FileMeta{}, fmt.Errorf("%w: file-meta: missing name", ErrMalformedMessage)
	case w.Size == nil || *w.Size < 0:
		return FileMeta{}, fmt.Errorf("%w: file-meta: missing or negative size", ErrMalformedMessage)
	case w.TotalChunks == nil || *w.TotalChunks < 0:
		return FileMeta{}, fmt.Errorf("%w: file-meta: missing or negative totalChunks", ErrMalformedMessage)
	}
	return FileMeta{
		FileID:      *w.FileID,
		Name:        *w.Name,
		Mime:        w.Mime,
		Size:        *w.Size,
		TotalChunks: *w.TotalChunks,
	}, nil
}

func decodeFileChunk(raw []byte) (FileChunk, error) {
	var w struct {
		FileID *string `json:"fileId"`
		Index  *int    `json:"index"`
		Data   *Bytes  `json:"data"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return FileChunk{}, fmt.Errorf("%w: file-chunk: %v", ErrMalformedMessage, err)
	}
	switch {
	case w.FileID == nil || *w.FileID == "":
		return FileChunk{}, fmt.Errorf("%w: file-chunk: missing fileId", ErrMalformedMessage)
	case w.Index == nil:
		return FileChunk{}, fmt.Errorf("%w: file-chunk: missing index", ErrMalformedMessage)
	case w.Data == nil:
		return FileChunk{}, fmt.Errorf("%w: file-chunk: missing data", ErrMalformedMessage)
	}
	return FileChunk{FileID: *w.FileID, Index: *w.Index, Data: *w.Data}, nil
}

// EncodeConnected returns the handshake sentinel frame.
func EncodeConnected() []byte {
	return []byte(Connected)
}

// EncodeText returns a plain-text frame.
func EncodeText(text string) []byte {
	return []byte(text)
}

// EncodeFileMeta returns the JSON frame for m.
func EncodeFileMeta(m FileMeta) ([]byte, error) {
	out, err := json.Marshal(struct {
		Type string `json:"type"`
		FileMeta
	}{Type: TypeFileMeta, FileMeta: m})
	if err != nil {
		return nil, fmt.Errorf("encode file-meta: %w", err)
	}
	return out, nil
}

// EncodeFileChunk returns the JSON frame for c.
func EncodeFileChunk(c FileChunk) ([]byte, error) {
	out, err := json.Marshal(struct {
		Type string `json:"type"`
		FileChunk
	}{Type: TypeFileChunk, FileChunk: c})
	if err != nil {
		return nil, fmt.Errorf("encode file-chunk: %w", err)
	}
	return out, nil
}

// Bytes is a byte slice that travels as a JSON array of numbers (0-255)
// instead of encoding/json's default base64 string.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	out = append(out, ']')
	return out, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*b = nil
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("byte array: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array: value %d at %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
