// Package session runs one video through the recognition pipeline and
// reports what it finds.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/carlens/core/framesource"
	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/core/publisher"
	"github.com/pyropy/carlens/core/recognition"
	"github.com/pyropy/carlens/core/scheduler"
	"github.com/pyropy/carlens/core/store"
	"github.com/pyropy/carlens/core/vote"
)

// Emitter delivers session output to whoever asked for it. SendFrame may be
// called concurrently.
type Emitter interface {
	scheduler.FrameSink
	SendMetadata(metadata model.VideoMetadata) error
	SendPredictions(predictions []string) error
	SendError(err error) error
}

type DecoderFactory func() framesource.Decoder

type Options struct {
	Workers        int
	Buffer         int
	RecognizeEvery int
	Format         vote.Format
	Placeholder    byte
}

type Pipeline struct {
	opts       Options
	newDecoder DecoderFactory
	recognizer recognition.Recognizer
	store      store.Store
	publisher  publisher.Publisher
	log        *zap.SugaredLogger

	active *atomic.Int64
}

// NewPipeline builds a pipeline. store and publisher may be nil.
func NewPipeline(opts Options, newDecoder DecoderFactory, recognizer recognition.Recognizer, st store.Store, pub publisher.Publisher, log *zap.SugaredLogger) *Pipeline {
	if len(opts.Format) == 0 {
		opts.Format = vote.DefaultFormat()
	}
	if opts.Placeholder == 0 {
		opts.Placeholder = '?'
	}
	if pub == nil {
		pub = publisher.Nop{}
	}

	return &Pipeline{
		opts:       opts,
		newDecoder: newDecoder,
		recognizer: recognizer,
		store:      st,
		publisher:  pub,
		log:        log,
		active:     atomic.NewInt64(0),
	}
}

// Active returns the number of sessions currently running.
func (p *Pipeline) Active() int64 {
	return p.active.Load()
}

// Run processes file and reports through emitter. On cancellation the
// source is stopped, in-flight recognitions finish, no predictions are sent
// and ctx.Err() is returned. The record is stored in every case.
func (p *Pipeline) Run(ctx context.Context, file *model.AssembledFile, emitter Emitter) (*model.SessionRecord, error) {
	p.active.Inc()
	defer p.active.Dec()

	record := model.NewSessionRecord(file.Filename)
	record.Checksum = file.Checksum
	log := p.log.With("session", record.ID, "filename", file.Filename, "stream", file.StreamID)

	src, err := framesource.Open(ctx, p.newDecoder(), file.Path, framesource.Options{Buffer: p.opts.Buffer}, log)
	if err != nil {
		log.Errorw("session", "event", "Open", "error", err)
		p.finish(ctx, &record, model.SessionFailed, err)
		if sendErr := emitter.SendError(err); sendErr != nil {
			log.Warnw("session", "event", "SendError", "error", sendErr)
		}
		return &record, err
	}
	defer src.Stop()

	record.Metadata = src.Metadata()
	if err := emitter.SendMetadata(record.Metadata); err != nil {
		log.Warnw("session", "event", "SendMetadata", "error", err)
	}

	agg := vote.NewAggregator(p.opts.Format, p.opts.Placeholder)
	sched := scheduler.New(scheduler.Options{
		Workers:        p.opts.Workers,
		RecognizeEvery: p.opts.RecognizeEvery,
	}, log)

	stats, runErr := sched.Run(ctx, src, p.recognizer, emitter, agg)
	record.FramesForwarded = stats.Forwarded
	record.FramesRecognized = stats.Recognized
	record.RecognitionFailures = stats.Failed
	record.Candidates = agg.Count()

	if runErr != nil {
		log.Infow("session", "event", "Cancelled", "forwarded", stats.Forwarded, "candidates", record.Candidates)
		p.finish(ctx, &record, model.SessionCancelled, nil)
		return &record, runErr
	}

	if err := src.Err(); err != nil {
		// a truncated video still produces a result from what was decoded
		record.Error = err.Error()
	}

	plate, err := agg.Finalize()
	switch {
	case errors.Is(err, vote.ErrNoConsensus):
		log.Infow("session", "event", "Finalize", "plate", nil, "rejected", agg.Rejected())
	case err != nil:
		return &record, err
	default:
		record.Plate = plate
		log.Infow("session", "event", "Finalize", "plate", plate, "candidates", record.Candidates, "rejected", agg.Rejected())
	}

	if err := emitter.SendPredictions(record.Predictions()); err != nil {
		log.Warnw("session", "event", "SendPredictions", "error", err)
	}

	p.finish(ctx, &record, model.SessionCompleted, nil)

	return &record, nil
}

// finish stamps the record and hands it to the store and the publisher.
// Neither failure affects the session outcome.
func (p *Pipeline) finish(ctx context.Context, record *model.SessionRecord, status model.SessionStatus, cause error) {
	record.Status = status
	record.FinishedAt = time.Now().UTC()
	if cause != nil {
		record.Error = cause.Error()
	}

	// a cancelled session is still recorded
	ctx = context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if p.store != nil {
		g.Go(func() error {
			return errors.Wrap(p.store.Put(gctx, *record), "store")
		})
	}
	if status == model.SessionCompleted {
		g.Go(func() error {
			return errors.Wrap(p.publisher.Publish(gctx, *record), "publish")
		})
	}

	if err := g.Wait(); err != nil {
		p.log.Warnw("session", "event", "Finish", "session", record.ID, "error", err)
	}
}
