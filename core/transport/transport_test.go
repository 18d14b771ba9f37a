package transport

import (
	"context"
	"image"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/pyropy/carlens/core/assembler"
	"github.com/pyropy/carlens/core/framesource"
	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/core/recognition"
	"github.com/pyropy/carlens/core/session"
	"github.com/pyropy/carlens/core/store"
	"github.com/pyropy/carlens/lib/utils"
	"github.com/pyropy/carlens/rpc/stream"
)

type fakeDecoder struct {
	frames int
	read   int
	onOpen func(path string)
}

func (d *fakeDecoder) Open(_ context.Context, path string) (model.VideoMetadata, error) {
	d.onOpen(path)
	return model.VideoMetadata{Width: 8, Height: 8, FPS: 10, FrameCount: d.frames}, nil
}

func (d *fakeDecoder) ReadFrame() (image.Image, error) {
	if d.read >= d.frames {
		return nil, io.EOF
	}
	d.read++
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (d *fakeDecoder) Close() error { return nil }

type plateRecognizer map[int]string

func (r plateRecognizer) Recognize(ctx context.Context, frame *model.Frame) (recognition.Result, error) {
	res := recognition.Result{Annotated: frame.Image}
	if plate, ok := r[frame.Index]; ok {
		res.Candidates = []string{plate}
	}
	return res, nil
}

type harness struct {
	dir     string
	asm     *assembler.Reassembler
	store   *store.LevelDBStore
	handler *Handler
	server  *httptest.Server

	mu     sync.Mutex
	opened []string
}

func newHarness(t *testing.T, frames int) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	dir := t.TempDir()
	asm, err := assembler.NewReassembler(dir, log)
	test.That(t, err, test.ShouldBeNil)

	st, err := store.NewLevelDBStore(t.TempDir())
	test.That(t, err, test.ShouldBeNil)

	h := &harness{dir: dir, asm: asm, store: st}
	onOpen := func(path string) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.opened = append(h.opened, path)
	}

	pipeline := session.NewPipeline(session.Options{Workers: 3, Buffer: 4},
		func() framesource.Decoder { return &fakeDecoder{frames: frames, onOpen: onOpen} },
		plateRecognizer{2: "1ABC23", 5: "1ABC23", 8: "1ABC23"}, st, nil, log)

	h.handler = NewHandler(asm, pipeline, Options{IndexFrames: true}, log)
	h.server = httptest.NewServer(h.handler)
	t.Cleanup(func() {
		h.handler.Close()
		h.server.Close()
		st.Close()
	})

	return h
}

// waitOpened waits until n sessions have opened their file.
func (h *harness) waitOpened(t *testing.T, n int) []string {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		opened := append([]string(nil), h.opened...)
		h.mu.Unlock()
		if len(opened) >= n {
			return opened
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("expected %d sessions to open their file", n)
	return nil
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { ws.Close() })

	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg stream.Message) {
	t.Helper()

	data, err := stream.Encode(msg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ws.WriteMessage(websocket.TextMessage, data), test.ShouldBeNil)
}

func receive(t *testing.T, ws *websocket.Conn) (stream.Message, []byte) {
	t.Helper()

	test.That(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	kind, data, err := ws.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	if kind == websocket.BinaryMessage {
		return nil, data
	}

	msg, err := stream.Decode(data)
	test.That(t, err, test.ShouldBeNil)
	return msg, nil
}

func TestUploadAndProcess(t *testing.T) {
	h := newHarness(t, 10)
	ws := h.dial(t)

	chunks := []stream.UploadChunk{
		{Filename: "car.mp4", Offset: 8, Chunk: []byte("89abcdef")},
		{Filename: "car.mp4", Offset: 0, Chunk: []byte("01234567")},
		{Filename: "car.mp4", Offset: 16, Chunk: []byte("XY")},
	}
	for _, c := range chunks {
		send(t, ws, c)
		msg, _ := receive(t, ws)
		test.That(t, msg, test.ShouldResemble, stream.ReceivedChunk{Offset: c.Offset})
	}

	send(t, ws, stream.UploadCompleted{Filename: "car.mp4"})

	msg, _ := receive(t, ws)
	test.That(t, msg, test.ShouldResemble, stream.UploadCompleted{Filename: "car.mp4"})

	msg, _ = receive(t, ws)
	test.That(t, msg, test.ShouldResemble, stream.VideoMetadata{VideoMetadata: model.VideoMetadata{Width: 8, Height: 8, FPS: 10, FrameCount: 10}})

	seen := map[int]bool{}
	for i := 0; i < 10; i++ {
		msg, data := receive(t, ws)
		test.That(t, msg, test.ShouldBeNil)

		index, jpeg, err := stream.DecodeFrame(data, true)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, jpeg[:2], test.ShouldResemble, []byte{0xff, 0xd8})
		seen[index] = true
	}
	test.That(t, seen, test.ShouldHaveLength, 10)

	msg, _ = receive(t, ws)
	test.That(t, msg, test.ShouldResemble, stream.Predictions{Predictions: []string{"1ABC23"}})
}

func TestProtocolErrorKeepsConnection(t *testing.T) {
	h := newHarness(t, 1)
	ws := h.dial(t)

	test.That(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"UPLOAD_CHUNK","offset":0}`)), test.ShouldBeNil)
	test.That(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)), test.ShouldBeNil)

	send(t, ws, stream.UploadChunk{Filename: "car.mp4", Offset: 4, Chunk: []byte("data")})
	msg, _ := receive(t, ws)
	test.That(t, msg, test.ShouldResemble, stream.ReceivedChunk{Offset: 4})
}

func TestUnknownStreamReportsError(t *testing.T) {
	h := newHarness(t, 1)
	ws := h.dial(t)

	send(t, ws, stream.UploadCompleted{Filename: "never-sent.mp4"})
	msg, _ := receive(t, ws)
	errMsg, ok := msg.(stream.Error)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, errMsg.Message, test.ShouldContainSubstring, "unknown stream")

	// the connection is still usable
	send(t, ws, stream.UploadChunk{Filename: "car.mp4", Offset: 0, Chunk: []byte("data")})
	msg, _ = receive(t, ws)
	test.That(t, msg, test.ShouldResemble, stream.ReceivedChunk{Offset: 0})
}

func TestDisconnectDiscardsUploads(t *testing.T) {
	h := newHarness(t, 1)
	ws := h.dial(t)

	send(t, ws, stream.UploadChunk{Filename: "partial.mp4", Offset: 0, Chunk: []byte("data")})
	receive(t, ws)
	test.That(t, h.asm.Pending(), test.ShouldEqual, 1)
	test.That(t, h.handler.Connections(), test.ShouldEqual, 1)

	ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for h.asm.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	test.That(t, h.asm.Pending(), test.ShouldEqual, 0)
}

func TestStopCancelsSession(t *testing.T) {
	h := newHarness(t, 100000)
	ws := h.dial(t)

	send(t, ws, stream.UploadChunk{Filename: "long.mp4", Offset: 0, Chunk: []byte("data")})
	receive(t, ws)
	send(t, ws, stream.UploadCompleted{Filename: "long.mp4"})
	receive(t, ws)
	receive(t, ws) // metadata

	send(t, ws, stream.Stop{})

	// frames stop and no predictions arrive
	for {
		test.That(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)), test.ShouldBeNil)
		kind, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if kind == websocket.TextMessage {
			msg, err := stream.Decode(data)
			test.That(t, err, test.ShouldBeNil)
			_, isPredictions := msg.(stream.Predictions)
			test.That(t, isPredictions, test.ShouldBeFalse)
		}
	}
}

func TestSameFilenameOnTwoConnections(t *testing.T) {
	h := newHarness(t, 1)
	a, b := h.dial(t), h.dial(t)

	send(t, a, stream.UploadChunk{Filename: "clip.mp4", Offset: 0, Chunk: []byte("AAAA")})
	msg, _ := receive(t, a)
	test.That(t, msg, test.ShouldResemble, stream.ReceivedChunk{Offset: 0})

	send(t, b, stream.UploadChunk{Filename: "clip.mp4", Offset: 4, Chunk: []byte("BBBBBBBB")})
	msg, _ = receive(t, b)
	test.That(t, msg, test.ShouldResemble, stream.ReceivedChunk{Offset: 4})
	test.That(t, h.asm.Pending(), test.ShouldEqual, 2)

	send(t, a, stream.UploadCompleted{Filename: "clip.mp4"})
	msg, _ = receive(t, a)
	test.That(t, msg, test.ShouldResemble, stream.UploadCompleted{Filename: "clip.mp4"})
	first := h.waitOpened(t, 1)[0]

	send(t, b, stream.UploadChunk{Filename: "clip.mp4", Offset: 0, Chunk: []byte("CCCC")})
	msg, _ = receive(t, b)
	test.That(t, msg, test.ShouldResemble, stream.ReceivedChunk{Offset: 0})

	send(t, b, stream.UploadCompleted{Filename: "clip.mp4"})
	msg, _ = receive(t, b)
	test.That(t, msg, test.ShouldResemble, stream.UploadCompleted{Filename: "clip.mp4"})
	second := h.waitOpened(t, 2)[1]

	test.That(t, second, test.ShouldNotEqual, first)

	data, err := os.ReadFile(first)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "AAAA")

	data, err = os.ReadFile(second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "CCCCBBBBBBBB")
}

func TestFilenameCannotLeaveConnectionScope(t *testing.T) {
	h := newHarness(t, 1)
	ws := h.dial(t)

	send(t, ws, stream.UploadChunk{Filename: "../../clip.mp4", Offset: 0, Chunk: []byte("data")})
	receive(t, ws)
	send(t, ws, stream.UploadCompleted{Filename: "../../clip.mp4"})
	msg, _ := receive(t, ws)
	test.That(t, msg, test.ShouldResemble, stream.UploadCompleted{Filename: "../../clip.mp4"})

	// assembled under the connection's own directory
	path := h.waitOpened(t, 1)[0]
	test.That(t, filepath.Dir(filepath.Dir(path)), test.ShouldEqual, h.dir)
	test.That(t, filepath.Base(path), test.ShouldEqual, "clip.mp4")

	send(t, ws, stream.UploadCompleted{Filename: "/"})
	for {
		msg, _ = receive(t, ws)
		if errMsg, ok := msg.(stream.Error); ok {
			test.That(t, errMsg.Message, test.ShouldContainSubstring, "invalid chunk")
			break
		}
	}
}

func TestCloseWaitsForSessionRecords(t *testing.T) {
	h := newHarness(t, 100000)
	ws := h.dial(t)

	send(t, ws, stream.UploadChunk{Filename: "long.mp4", Offset: 0, Chunk: []byte("data")})
	receive(t, ws)
	send(t, ws, stream.UploadCompleted{Filename: "long.mp4"})
	receive(t, ws)
	receive(t, ws) // metadata

	h.handler.Close()
	test.That(t, h.handler.Connections(), test.ShouldEqual, 0)

	records, err := h.store.All(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records, test.ShouldHaveLength, 1)
	test.That(t, records[0].Status, test.ShouldEqual, model.SessionCancelled)
	test.That(t, records[0].Filename, test.ShouldEqual, "long.mp4")
}

func TestLiveFrameIsJPEG(t *testing.T) {
	jpeg, err := utils.EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 2, 2)), 80)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, jpeg[:2], test.ShouldResemble, []byte{0xff, 0xd8})
}
