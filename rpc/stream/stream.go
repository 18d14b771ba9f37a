// Package stream defines the messages exchanged over a session connection.
// Control messages are JSON objects tagged with a "type" field; live frames
// travel as binary messages.
package stream

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/pyropy/carlens/core/model"
)

var (
	ErrProtocol = errors.New("protocol error")
)

type MessageType string

const (
	TypeUploadChunk     MessageType = "UPLOAD_CHUNK"
	TypeReceivedChunk   MessageType = "RECEIVED_CHUNK"
	TypeUploadCompleted MessageType = "UPLOAD_COMPLETED"
	TypeVideoMetadata   MessageType = "VIDEO_METADATA"
	TypePredictions     MessageType = "PREDICTIONS"
	TypeError           MessageType = "ERROR"
	TypeStop            MessageType = "STOP"
)

// Message is one of the types below. The set is closed.
type Message interface {
	Type() MessageType
}

type UploadChunk struct {
	Filename string
	Offset   int64
	Chunk    []byte
}

type ReceivedChunk struct {
	Offset int64
}

type UploadCompleted struct {
	Filename string
}

type VideoMetadata struct {
	model.VideoMetadata
}

type Predictions struct {
	Predictions []string
}

type Error struct {
	Message string
}

type Stop struct{}

func (UploadChunk) Type() MessageType     { return TypeUploadChunk }
func (ReceivedChunk) Type() MessageType   { return TypeReceivedChunk }
func (UploadCompleted) Type() MessageType { return TypeUploadCompleted }
func (VideoMetadata) Type() MessageType   { return TypeVideoMetadata }
func (Predictions) Type() MessageType     { return TypePredictions }
func (Error) Type() MessageType           { return TypeError }
func (Stop) Type() MessageType            { return TypeStop }

// envelope is the wire form of every message. Pointer fields tell a missing
// field apart from a zero value.
type envelope struct {
	Type        MessageType `json:"type"`
	Filename    *string     `json:"filename,omitempty"`
	Offset      *int64      `json:"offset,omitempty"`
	Chunk       *[]byte     `json:"chunk,omitempty"`
	Width       *int        `json:"width,omitempty"`
	Height      *int        `json:"height,omitempty"`
	FPS         *float64    `json:"fps,omitempty"`
	FrameCount  *int        `json:"frame_count,omitempty"`
	Predictions *[]string   `json:"predictions,omitempty"`
	Message     *string     `json:"message,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type()}

	switch msg := m.(type) {
	case UploadChunk:
		env.Filename, env.Offset, env.Chunk = &msg.Filename, &msg.Offset, &msg.Chunk
	case ReceivedChunk:
		env.Offset = &msg.Offset
	case UploadCompleted:
		env.Filename = &msg.Filename
	case VideoMetadata:
		env.Width, env.Height = &msg.Width, &msg.Height
		env.FPS, env.FrameCount = &msg.FPS, &msg.FrameCount
	case Predictions:
		predictions := msg.Predictions
		if predictions == nil {
			predictions = []string{}
		}
		env.Predictions = &predictions
	case Error:
		env.Message = &msg.Message
	case Stop:
	default:
		return nil, errors.Errorf("unknown message %T", m)
	}

	return json.Marshal(env)
}

// Decode parses one text message. Malformed input and messages missing a
// required field fail with ErrProtocol.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}

	switch env.Type {
	case TypeUploadChunk:
		if env.Filename == nil || *env.Filename == "" {
			return nil, errors.Wrap(ErrProtocol, "UPLOAD_CHUNK: missing filename")
		}
		if env.Offset == nil || *env.Offset < 0 {
			return nil, errors.Wrap(ErrProtocol, "UPLOAD_CHUNK: missing or negative offset")
		}
		if env.Chunk == nil {
			return nil, errors.Wrap(ErrProtocol, "UPLOAD_CHUNK: missing chunk")
		}
		return UploadChunk{Filename: *env.Filename, Offset: *env.Offset, Chunk: *env.Chunk}, nil
	case TypeReceivedChunk:
		if env.Offset == nil {
			return nil, errors.Wrap(ErrProtocol, "RECEIVED_CHUNK: missing offset")
		}
		return ReceivedChunk{Offset: *env.Offset}, nil
	case TypeUploadCompleted:
		if env.Filename == nil || *env.Filename == "" {
			return nil, errors.Wrap(ErrProtocol, "UPLOAD_COMPLETED: missing filename")
		}
		return UploadCompleted{Filename: *env.Filename}, nil
	case TypeVideoMetadata:
		if env.Width == nil || env.Height == nil || env.FPS == nil {
			return nil, errors.Wrap(ErrProtocol, "VIDEO_METADATA: missing dimensions")
		}
		md := model.VideoMetadata{Width: *env.Width, Height: *env.Height, FPS: *env.FPS}
		if env.FrameCount != nil {
			md.FrameCount = *env.FrameCount
		}
		return VideoMetadata{md}, nil
	case TypePredictions:
		if env.Predictions == nil {
			return nil, errors.Wrap(ErrProtocol, "PREDICTIONS: missing predictions")
		}
		return Predictions{Predictions: *env.Predictions}, nil
	case TypeError:
		msg := ""
		if env.Message != nil {
			msg = *env.Message
		}
		return Error{Message: msg}, nil
	case TypeStop:
		return Stop{}, nil
	case "":
		return nil, errors.Wrap(ErrProtocol, "missing type")
	}

	return nil, errors.Wrapf(ErrProtocol, "unknown type %q", env.Type)
}

const frameIndexSize = 8

// EncodeFrame builds a live frame message. With indexed set the JPEG is
// prefixed by the frame index as a big-endian uint64.
func EncodeFrame(index int, jpeg []byte, indexed bool) []byte {
	if !indexed {
		return jpeg
	}

	out := make([]byte, frameIndexSize+len(jpeg))
	binary.BigEndian.PutUint64(out, uint64(index))
	copy(out[frameIndexSize:], jpeg)

	return out
}

// DecodeFrame splits a live frame message. The index is -1 when indexed is
// false.
func DecodeFrame(data []byte, indexed bool) (int, []byte, error) {
	if !indexed {
		return -1, data, nil
	}
	if len(data) < frameIndexSize {
		return 0, nil, errors.Wrapf(ErrProtocol, "frame message of %d bytes", len(data))
	}

	return int(binary.BigEndian.Uint64(data)), data[frameIndexSize:], nil
}
