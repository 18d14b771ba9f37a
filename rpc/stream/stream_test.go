package stream

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/pyropy/carlens/core/model"
)

func TestDecodeUploadChunk(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"UPLOAD_CHUNK","filename":"car.mp4","offset":0,"chunk":"aGVsbG8="}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msg, test.ShouldResemble, UploadChunk{Filename: "car.mp4", Offset: 0, Chunk: []byte("hello")})
}

func TestDecodeProtocolErrors(t *testing.T) {
	for _, raw := range []string{
		`{"type":"UPLOAD_CHUNK","offset":0,"chunk":"aGVsbG8="}`,
		`{"type":"UPLOAD_CHUNK","filename":"car.mp4","chunk":"aGVsbG8="}`,
		`{"type":"UPLOAD_CHUNK","filename":"car.mp4","offset":0}`,
		`{"type":"UPLOAD_CHUNK","filename":"car.mp4","offset":-4,"chunk":"aGVsbG8="}`,
		`{"type":"UPLOAD_CHUNK","filename":"car.mp4","offset":0,"chunk":"not base64!"}`,
		`{"type":"UPLOAD_COMPLETED"}`,
		`{"type":"DANCE"}`,
		`{"filename":"car.mp4"}`,
		`[1,2,3]`,
		`garbage`,
	} {
		_, err := Decode([]byte(raw))
		test.That(t, errors.Is(err, ErrProtocol), test.ShouldBeTrue)
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, msg := range []Message{
		UploadChunk{Filename: "car.mp4", Offset: 262144, Chunk: []byte{0, 1, 2}},
		ReceivedChunk{Offset: 0},
		UploadCompleted{Filename: "car.mp4"},
		VideoMetadata{model.VideoMetadata{Width: 1280, Height: 720, FPS: 29.97, FrameCount: 300}},
		Predictions{Predictions: []string{"1ABC23"}},
		Predictions{Predictions: []string{}},
		Error{Message: "unknown stream"},
		Stop{},
	} {
		data, err := Encode(msg)
		test.That(t, err, test.ShouldBeNil)

		decoded, err := Decode(data)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, decoded, test.ShouldResemble, msg)
	}
}

func TestEncodeWireFormat(t *testing.T) {
	data, err := Encode(ReceivedChunk{Offset: 0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, `{"type":"RECEIVED_CHUNK","offset":0}`)

	data, err = Encode(Predictions{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, `{"type":"PREDICTIONS","predictions":[]}`)

	data, err = Encode(VideoMetadata{model.VideoMetadata{Width: 2, Height: 1, FPS: 25, FrameCount: 10}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, `{"type":"VIDEO_METADATA","width":2,"height":1,"fps":25,"frame_count":10}`)
}

func TestFrameEncoding(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xd9}

	data := EncodeFrame(258, jpeg, true)
	test.That(t, data[:8], test.ShouldResemble, []byte{0, 0, 0, 0, 0, 0, 1, 2})

	index, body, err := DecodeFrame(data, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, index, test.ShouldEqual, 258)
	test.That(t, body, test.ShouldResemble, jpeg)

	index, body, err = DecodeFrame(EncodeFrame(3, jpeg, false), false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, index, test.ShouldEqual, -1)
	test.That(t, body, test.ShouldResemble, jpeg)

	_, _, err = DecodeFrame([]byte{1, 2}, true)
	test.That(t, errors.Is(err, ErrProtocol), test.ShouldBeTrue)
}
