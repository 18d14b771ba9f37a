// Package client talks to a carlens server: it uploads videos over the
// session websocket and reads the stored history.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	fp "path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/carlens/core/constants"
	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/lib/logger"
	"github.com/pyropy/carlens/lib/utils"
	"github.com/pyropy/carlens/rpc/stream"
)

var log, _ = logger.New("client")

var (
	ErrServer = errors.New("server error")
)

type Client struct {
	addr string
	http *http.Client
}

// NewClient returns a client for the server at addr (host:port).
func NewClient(addr string) *Client {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "ws://")

	return &Client{
		addr: strings.TrimSuffix(addr, "/"),
		http: http.DefaultClient,
	}
}

type UploadOptions struct {
	ChunkSize int
	// Shuffle sends chunks in random order.
	Shuffle bool
	// IndexedFrames must match the server's PIPELINE_INDEX_FRAMES.
	IndexedFrames bool
}

type UploadResult struct {
	Metadata    model.VideoMetadata
	ChunksAcked int
	Frames      int
	Predictions []string
}

// FrameHandler is called for every live frame, in arrival order.
type FrameHandler func(index int, jpeg []byte) error

// Upload sends the file at path and waits for the session result. When ctx
// is cancelled the server is told to stop and ctx.Err() is returned.
func (c *Client) Upload(ctx context.Context, path string, opts UploadOptions, onFrame FrameHandler) (*UploadResult, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = constants.UPLOAD_CHUNK_SIZE_BYTES
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	name := fp.Base(path)
	chunks := split(name, data, opts.ChunkSize)
	if opts.Shuffle {
		chunks = utils.Shuffled(chunks)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, fmt.Sprintf("ws://%s/ws", c.addr), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.addr)
	}
	defer ws.Close()

	log.Infow("upload", "event", "Start", "file", name, "size", len(data), "chunks", len(chunks))

	result := &UploadResult{}
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	// the writer is the only goroutine writing to ws
	g.Go(func() error {
		for _, chunk := range chunks {
			if err := gctx.Err(); err != nil {
				break
			}
			if err := send(ws, chunk); err != nil {
				ws.Close()
				return err
			}
		}
		if gctx.Err() == nil {
			if err := send(ws, stream.UploadCompleted{Filename: name}); err != nil {
				ws.Close()
				return err
			}
		}

		select {
		case <-done:
			return nil
		case <-gctx.Done():
			_ = send(ws, stream.Stop{})
			ws.Close()
			return nil
		}
	})

	g.Go(func() error {
		defer close(done)
		return readResults(ws, opts, onFrame, result)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if err != nil {
		return result, err
	}

	log.Infow("upload", "event", "Done", "file", name, "acked", result.ChunksAcked, "frames", result.Frames, "predictions", result.Predictions)

	return result, nil
}

func readResults(ws *websocket.Conn, opts UploadOptions, onFrame FrameHandler, result *UploadResult) error {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}

		if kind == websocket.BinaryMessage {
			index, jpeg, err := stream.DecodeFrame(data, opts.IndexedFrames)
			if err != nil {
				log.Warnw("upload", "event", "Frame", "error", err)
				continue
			}
			if index < 0 {
				index = result.Frames
			}
			result.Frames++
			if onFrame != nil {
				if err := onFrame(index, jpeg); err != nil {
					return err
				}
			}
			continue
		}

		msg, err := stream.Decode(data)
		if err != nil {
			log.Warnw("upload", "event", "Decode", "error", err)
			continue
		}

		switch m := msg.(type) {
		case stream.ReceivedChunk:
			result.ChunksAcked++
		case stream.UploadCompleted:
			log.Infow("upload", "event", "UploadCompleted", "file", m.Filename)
		case stream.VideoMetadata:
			result.Metadata = m.VideoMetadata
		case stream.Predictions:
			result.Predictions = m.Predictions
			return nil
		case stream.Error:
			return errors.Wrap(ErrServer, m.Message)
		}
	}
}

func send(ws *websocket.Conn, msg stream.Message) error {
	data, err := stream.Encode(msg)
	if err != nil {
		return err
	}

	return ws.WriteMessage(websocket.TextMessage, data)
}

func split(name string, data []byte, size int) []stream.Message {
	chunks := make([]stream.Message, 0, len(data)/size+1)
	for offset := 0; offset < len(data); offset += size {
		end := offset + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, stream.UploadChunk{
			Filename: name,
			Offset:   int64(offset),
			Chunk:    data[offset:end],
		})
	}

	return chunks
}

// History returns the sessions stored on the server.
func (c *Client) History(ctx context.Context) ([]*model.SessionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/sessions", c.addr), nil)
	if err != nil {
		return nil, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrServer, "GET /sessions: %s", res.Status)
	}

	var records []*model.SessionRecord
	if err := json.NewDecoder(res.Body).Decode(&records); err != nil {
		return nil, err
	}

	return records, nil
}
