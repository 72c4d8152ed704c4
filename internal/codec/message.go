package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"peerdrop/internal/errdefs"
	"peerdrop/pkg/types"
)

// MessageType is the "type" discriminator of a data channel frame.
type MessageType string

const (
	TypeHello         MessageType = "hello"
	TypeMetadata      MessageType = "metadata"
	TypeFileChunk     MessageType = "file_chunk"
	TypeChunkReceived MessageType = "chunk_received"
)

// Hello is the liveness handshake payload.
type Hello struct {
	Text      string
	Timestamp time.Time
}

// Message is a decoded frame. Only the field matching Type is populated.
type Message struct {
	Type     MessageType
	Hello    Hello
	Metadata types.FileMetadata
	Chunk    Chunk
	Sequence int // chunk_received
}

type helloFrame struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Timestamp int64       `json:"timestamp"`
}

type metadataFrame struct {
	Type     MessageType         `json:"type"`
	Metadata *types.FileMetadata `json:"metadata"`
}

type chunkFrame struct {
	Type         MessageType `json:"type"`
	Sequence     int         `json:"sequence"`
	Data         string      `json:"data"`
	IsLast       bool        `json:"isLast"`
	Verification string      `json:"verification,omitempty"`
}

type ackFrame struct {
	Type     MessageType `json:"type"`
	Sequence int         `json:"sequence"`
}

// inbound is the permissive shape every frame is first decoded into.
type inbound struct {
	Type         MessageType         `json:"type"`
	Text         string              `json:"text"`
	Timestamp    json.RawMessage     `json:"timestamp"`
	Metadata     *types.FileMetadata `json:"metadata"`
	Sequence     json.RawMessage     `json:"sequence"`
	Data         *string             `json:"data"`
	IsLast       bool                `json:"isLast"`
	Verification *string             `json:"verification"`
}

// EncodeHello builds a hello frame.
func EncodeHello(text string, at time.Time) ([]byte, error) {
	return marshal(helloFrame{Type: TypeHello, Text: text, Timestamp: at.UnixMilli()})
}

// EncodeMetadata builds a metadata frame.
func EncodeMetadata(meta types.FileMetadata) ([]byte, error) {
	if err := meta.Validate(); err != nil {
		return nil, errdefs.Codec("encode metadata", err)
	}
	return marshal(metadataFrame{Type: TypeMetadata, Metadata: &meta})
}

// Frame builds a file_chunk frame with a hex payload.
func Frame(c Chunk) ([]byte, error) {
	if c.Sequence < 0 {
		return nil, errdefs.Codec("frame chunk", fmt.Errorf("negative sequence %d", c.Sequence))
	}
	if c.Verification != "" && !c.IsLast {
		return nil, errdefs.Codec("frame chunk", fmt.Errorf("verification token on non-last chunk %d", c.Sequence))
	}
	return marshal(chunkFrame{
		Type:         TypeFileChunk,
		Sequence:     c.Sequence,
		Data:         hex.EncodeToString(c.Data),
		IsLast:       c.IsLast,
		Verification: c.Verification,
	})
}

// EncodeChunkReceived builds the per-chunk acknowledgement frame.
func EncodeChunkReceived(sequence int) ([]byte, error) {
	return marshal(ackFrame{Type: TypeChunkReceived, Sequence: sequence})
}

// FrameOverhead is an upper bound on the bytes a file_chunk frame adds
// around its hex payload.
const FrameOverhead = 256

// MaxFrameSize bounds the encoded size of a chunk frame for chunkSize bytes.
func MaxFrameSize(chunkSize int) int {
	return 2*chunkSize + FrameOverhead
}

// Decode parses a frame. Any malformed input yields a CodecError.
func Decode(data []byte) (Message, error) {
	var in inbound
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&in); err != nil {
		return Message{}, errdefs.Codec("decode frame", err)
	}

	switch in.Type {
	case TypeHello:
		msg := Message{Type: TypeHello, Hello: Hello{Text: in.Text}}
		if len(in.Timestamp) > 0 {
			ms, err := parseInt(in.Timestamp)
			if err != nil {
				return Message{}, errdefs.Codec("decode hello", fmt.Errorf("timestamp: %w", err))
			}
			msg.Hello.Timestamp = time.UnixMilli(ms)
		}
		return msg, nil

	case TypeMetadata:
		if in.Metadata == nil {
			return Message{}, errdefs.Codec("decode metadata", errors.New("missing metadata object"))
		}
		if err := in.Metadata.Validate(); err != nil {
			return Message{}, errdefs.Codec("decode metadata", err)
		}
		return Message{Type: TypeMetadata, Metadata: *in.Metadata}, nil

	case TypeFileChunk:
		seq, err := parseSequence(in.Sequence)
		if err != nil {
			return Message{}, errdefs.Codec("decode chunk", err)
		}
		if in.Data == nil {
			return Message{}, errdefs.Codec("decode chunk", fmt.Errorf("chunk %d has no data", seq))
		}
		payload, err := hex.DecodeString(*in.Data)
		if err != nil {
			return Message{}, errdefs.Codec("decode chunk", fmt.Errorf("chunk %d payload: %w", seq, err))
		}
		c := Chunk{Sequence: seq, Data: payload, IsLast: in.IsLast}
		if in.Verification != nil {
			if !in.IsLast {
				return Message{}, errdefs.Codec("decode chunk", fmt.Errorf("verification token on non-last chunk %d", seq))
			}
			c.Verification = *in.Verification
		}
		return Message{Type: TypeFileChunk, Chunk: c}, nil

	case TypeChunkReceived:
		seq, err := parseSequence(in.Sequence)
		if err != nil {
			return Message{}, errdefs.Codec("decode ack", err)
		}
		return Message{Type: TypeChunkReceived, Sequence: seq}, nil

	default:
		return Message{}, errdefs.Codec("decode frame", fmt.Errorf("unknown frame type %q", in.Type))
	}
}

func parseSequence(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing sequence")
	}
	n, err := parseInt(raw)
	if err != nil {
		return 0, fmt.Errorf("sequence: %w", err)
	}
	if n < 0 || n > int64(^uint32(0)>>1) {
		return 0, fmt.Errorf("sequence %d out of range", n)
	}
	return int(n), nil
}

// parseInt accepts only a bare JSON integer literal.
func parseInt(raw json.RawMessage) (int64, error) {
	return strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errdefs.Codec("encode frame", err)
	}
	return data, nil
}
