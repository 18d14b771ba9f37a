// Package framesource turns a video file into a lazy, ordered sequence of
// frames decoded ahead of time into a bounded buffer.
package framesource

import (
	"context"
	"image"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pyropy/carlens/core/model"
)

var (
	ErrUnreadableSource = errors.New("unreadable source")
	ErrEndOfStream      = errors.New("end of stream")
)

// Decoder is the only thing that touches the underlying video decoder.
type Decoder interface {
	Open(ctx context.Context, path string) (model.VideoMetadata, error)
	// ReadFrame returns io.EOF once the video is exhausted.
	ReadFrame() (image.Image, error)
	Close() error
}

type Options struct {
	// Buffer is the number of decoded frames that may wait for the consumer.
	Buffer int
}

type Stats struct {
	Decoded  int64
	Buffered int
}

// Source runs the decoder on its own goroutine. The producer blocks when the
// buffer is full, so decode never runs more than Buffer frames ahead.
type Source struct {
	log      *zap.SugaredLogger
	decoder  Decoder
	metadata model.VideoMetadata

	frames  chan *model.Frame
	decoded *atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error

	eos atomic.Bool
}

// Open starts decoding path in the background. Decoding failures before the
// first frame are reported as ErrUnreadableSource.
func Open(ctx context.Context, decoder Decoder, path string, opts Options, log *zap.SugaredLogger) (*Source, error) {
	if opts.Buffer < 1 {
		opts.Buffer = 1
	}

	metadata, err := decoder.Open(ctx, path)
	if err != nil {
		if errors.Is(err, ErrUnreadableSource) {
			return nil, err
		}
		return nil, errors.Wrap(ErrUnreadableSource, err.Error())
	}

	s := &Source{
		log:      log,
		decoder:  decoder,
		metadata: metadata,
		frames:   make(chan *model.Frame, opts.Buffer),
		decoded:  atomic.NewInt64(0),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.produce()

	log.Infow("framesource", "event", "Open", "path", path, "width", metadata.Width, "height", metadata.Height, "fps", metadata.FPS, "frames", metadata.FrameCount)

	return s, nil
}

func (s *Source) Metadata() model.VideoMetadata {
	return s.metadata
}

func (s *Source) produce() {
	defer s.wg.Done()
	defer close(s.frames)
	defer func() {
		if err := s.decoder.Close(); err != nil {
			s.log.Warnw("framesource", "event", "Close", "error", err)
		}
	}()

	for index := 0; ; index++ {
		img, err := s.decoder.ReadFrame()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.setErr(err)
			s.log.Errorw("framesource", "event", "ReadFrame", "index", index, "error", err)
			return
		}

		frame := &model.Frame{
			Index:     index,
			Image:     img,
			Timestamp: model.FrameTimestamp(index, s.metadata.FPS),
		}

		select {
		case s.frames <- frame:
			s.decoded.Inc()
		case <-s.ctx.Done():
			return
		}
	}
}

// Next returns the next frame in index order, or ErrEndOfStream once the
// video is exhausted or the source was stopped.
func (s *Source) Next(ctx context.Context) (*model.Frame, error) {
	if s.eos.Load() {
		return nil, ErrEndOfStream
	}

	select {
	case frame, ok := <-s.frames:
		if !ok || s.ctx.Err() != nil {
			s.eos.Store(true)
			return nil, ErrEndOfStream
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop ends production and waits for the producer to exit. Buffered frames
// are dropped.
func (s *Source) Stop() {
	s.cancel()
	s.eos.Store(true)
	s.wg.Wait()
}

// Err reports a decode failure that ended the stream early.
func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

func (s *Source) Stats() Stats {
	return Stats{
		Decoded:  s.decoded.Load(),
		Buffered: len(s.frames),
	}
}

func (s *Source) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}
