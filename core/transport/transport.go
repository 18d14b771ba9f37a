// Package transport serves upload sessions over websocket connections.
package transport

import (
	"context"
	"fmt"
	"net/http"
	fp "path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pyropy/carlens/core/assembler"
	"github.com/pyropy/carlens/core/constants"
	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/core/session"
	"github.com/pyropy/carlens/lib/cmap"
	"github.com/pyropy/carlens/lib/utils"
	"github.com/pyropy/carlens/rpc/stream"
)

type Options struct {
	// IndexFrames prefixes every live frame with its index.
	IndexFrames bool
	JPEGQuality int
}

type Handler struct {
	assembler *assembler.Reassembler
	pipeline  *session.Pipeline
	opts      Options
	log       *zap.SugaredLogger
	upgrader  websocket.Upgrader
	conns     *cmap.Map[*connection, struct{}]
	serving   sync.WaitGroup
}

func NewHandler(asm *assembler.Reassembler, pipeline *session.Pipeline, opts Options, log *zap.SugaredLogger) *Handler {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = constants.DEFAULT_JPEG_QUALITY
	}

	return &Handler{
		assembler: asm,
		pipeline:  pipeline,
		opts:      opts,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: cmap.NewMap[*connection, struct{}](),
	}
}

// Connections returns the number of open websocket connections.
func (h *Handler) Connections() int {
	return h.conns.Len()
}

// Close closes every open connection and waits until their sessions have
// finished and been recorded. Pending uploads are discarded.
func (h *Handler) Close() {
	h.conns.Range(func(c *connection, _ struct{}) bool {
		c.ws.Close()
		return true
	})
	h.serving.Wait()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.serving.Add(1)
	defer h.serving.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("ws", "event", "Upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.New()
	c := &connection{
		id:      id,
		handler: h,
		ws:      ws,
		log:     h.log.With("remote", r.RemoteAddr, "conn", id),
		streams: map[string]struct{}{},
	}

	h.conns.Set(c, struct{}{})
	defer h.conns.Delete(c)

	c.serve(context.Background())
}

// connection owns one websocket. Only the read loop touches streams;
// writes from the session are serialized by writeMu.
type connection struct {
	id      uuid.UUID
	handler *Handler
	ws      *websocket.Conn
	log     *zap.SugaredLogger

	writeMu sync.Mutex

	// streams holds every stream id this connection used, pending or completed
	streams map[string]struct{}

	sessionMu     sync.Mutex
	cancelSession context.CancelFunc
	sessions      sync.WaitGroup
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.log.Infow("ws", "event", "Connected")
	c.ws.SetReadLimit(constants.MAX_MESSAGE_SIZE_BYTES)

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Infow("ws", "event", "Disconnected", "error", err)
			}
			break
		}
		if kind != websocket.TextMessage {
			c.log.Warnw("ws", "event", "UnexpectedBinary", "size", len(data))
			continue
		}

		msg, err := stream.Decode(data)
		if err != nil {
			c.log.Warnw("ws", "event", "Decode", "error", err)
			continue
		}

		c.handle(ctx, msg)
	}

	c.stopSession()
	c.sessions.Wait()

	for id := range c.streams {
		c.handler.assembler.Discard(id)
	}

	c.ws.Close()
	c.log.Infow("ws", "event", "Closed")
}

func (c *connection) handle(ctx context.Context, msg stream.Message) {
	switch m := msg.(type) {
	case stream.UploadChunk:
		id := c.streamID(m.Filename)
		if err := c.handler.assembler.Accept(id, m.Offset, m.Chunk); err != nil {
			c.log.Warnw("ws", "event", "UploadChunk", "filename", m.Filename, "offset", m.Offset, "error", err)
			return
		}
		c.streams[id] = struct{}{}
		c.write(stream.ReceivedChunk{Offset: m.Offset})

	case stream.UploadCompleted:
		file, err := c.handler.assembler.Complete(c.streamID(m.Filename))
		if err != nil {
			c.log.Warnw("ws", "event", "UploadCompleted", "filename", m.Filename, "error", err)
			c.write(stream.Error{Message: fmt.Sprintf("%s: %v", m.Filename, errors.Cause(err))})
			return
		}
		c.write(stream.UploadCompleted{Filename: m.Filename})
		c.startSession(ctx, file)

	case stream.Stop:
		c.log.Infow("ws", "event", "Stop")
		c.stopSession()

	default:
		c.log.Warnw("ws", "event", "UnexpectedMessage", "type", msg.Type())
	}
}

// streamID scopes filename to this connection, so equal names sent over
// different connections are assembled separately. An empty result is
// rejected by the assembler.
func (c *connection) streamID(filename string) string {
	name := fp.Clean("/" + filename)
	if name == "/" {
		return ""
	}

	return c.id.String() + name
}

// startSession runs the pipeline for file in the background, replacing any
// session still running on this connection.
func (c *connection) startSession(ctx context.Context, file *model.AssembledFile) {
	c.stopSession()
	c.sessions.Wait()

	sctx, cancel := context.WithCancel(ctx)
	c.sessionMu.Lock()
	c.cancelSession = cancel
	c.sessionMu.Unlock()

	c.sessions.Add(1)
	go func() {
		defer c.sessions.Done()
		defer cancel()

		record, err := c.handler.pipeline.Run(sctx, file, c)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warnw("ws", "event", "Session", "filename", file.Filename, "error", err)
			return
		}
		c.log.Infow("ws", "event", "Session", "filename", file.Filename, "session", record.ID, "status", record.Status, "plate", record.Plate)
	}()
}

func (c *connection) stopSession() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
	}
}

func (c *connection) write(msg stream.Message) {
	if err := c.writeMessage(msg); err != nil {
		c.log.Warnw("ws", "event", "Write", "type", msg.Type(), "error", err)
	}
}

func (c *connection) writeMessage(msg stream.Message) error {
	data, err := stream.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) SendMetadata(metadata model.VideoMetadata) error {
	return c.writeMessage(stream.VideoMetadata{VideoMetadata: metadata})
}

func (c *connection) SendFrame(frame *model.Frame) error {
	jpeg, err := utils.EncodeJPEG(frame.Image, c.handler.opts.JPEGQuality)
	if err != nil {
		return errors.Wrapf(err, "encode frame %d", frame.Index)
	}

	data := stream.EncodeFrame(frame.Index, jpeg, c.handler.opts.IndexFrames)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *connection) SendPredictions(predictions []string) error {
	return c.writeMessage(stream.Predictions{Predictions: predictions})
}

func (c *connection) SendError(err error) error {
	return c.writeMessage(stream.Error{Message: err.Error()})
}
