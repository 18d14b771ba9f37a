// Package scheduler fans a sequential frame source out to a bounded number
// of concurrent recognitions.
package scheduler

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pyropy/carlens/core/framesource"
	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/core/recognition"
)

// FrameSource is satisfied by *framesource.Source.
type FrameSource interface {
	Next(ctx context.Context) (*model.Frame, error)
	Stop()
}

// FrameSink receives every frame once, annotated or not. Calls may be
// concurrent and arrive out of index order.
type FrameSink interface {
	SendFrame(frame *model.Frame) error
}

// CandidateSink receives every plate string a recognition produced.
type CandidateSink interface {
	Add(candidate string) bool
}

type Options struct {
	Workers int
	// RecognizeEvery selects which frames go through recognition; the
	// others are forwarded untouched.
	RecognizeEvery int
}

type Stats struct {
	Dispatched  int64
	Recognized  int64
	Failed      int64
	Forwarded   int64
	Candidates  int64
	MaxInFlight int64
}

type WorkItem struct {
	Frame *model.Frame
	Slot  int
}

type Scheduler struct {
	opts Options
	log  *zap.SugaredLogger

	dispatched  *atomic.Int64
	recognized  *atomic.Int64
	failed      *atomic.Int64
	forwarded   *atomic.Int64
	candidates  *atomic.Int64
	maxInFlight *atomic.Int64
}

func New(opts Options, log *zap.SugaredLogger) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RecognizeEvery < 1 {
		opts.RecognizeEvery = 1
	}

	return &Scheduler{
		opts:        opts,
		log:         log,
		dispatched:  atomic.NewInt64(0),
		recognized:  atomic.NewInt64(0),
		failed:      atomic.NewInt64(0),
		forwarded:   atomic.NewInt64(0),
		candidates:  atomic.NewInt64(0),
		maxInFlight: atomic.NewInt64(0),
	}
}

// Run pulls frames from source in index order and keeps at most Workers of
// them in recognition at once. It returns when the source is exhausted and
// every dispatched item has completed, or with ctx.Err() after cancellation.
// Recognitions already running when ctx is cancelled are allowed to finish.
func (s *Scheduler) Run(ctx context.Context, source FrameSource, recognizer recognition.Recognizer, sink FrameSink, candidates CandidateSink) (Stats, error) {
	var (
		inflight = make(map[int]WorkItem, s.opts.Workers)
		done     = make(chan int, s.opts.Workers)
		free     = make([]int, 0, s.opts.Workers)
		wg       sync.WaitGroup
		eos      bool
	)
	for slot := s.opts.Workers - 1; slot >= 0; slot-- {
		free = append(free, slot)
	}

	// items run detached from ctx so cancellation never interrupts a recognition
	itemCtx := context.WithoutCancel(ctx)

	release := func(slot int) {
		delete(inflight, slot)
		free = append(free, slot)
	}

	for {
		if !eos && len(inflight) < s.opts.Workers && ctx.Err() == nil {
			frame, err := source.Next(ctx)
			switch {
			case errors.Is(err, framesource.ErrEndOfStream):
				eos = true
			case err != nil && ctx.Err() != nil:
				// cancelled while waiting for a frame
				continue
			case err != nil:
				s.log.Warnw("scheduler", "event", "Next", "error", err)
				eos = true
			default:
				slot := free[len(free)-1]
				free = free[:len(free)-1]

				item := WorkItem{Frame: frame, Slot: slot}
				inflight[slot] = item
				s.dispatched.Inc()
				if n := int64(len(inflight)); n > s.maxInFlight.Load() {
					s.maxInFlight.Store(n)
				}

				wg.Add(1)
				go func() {
					defer wg.Done()
					s.process(itemCtx, item, recognizer, sink, candidates)
					done <- item.Slot
				}()
			}
			continue
		}

		if len(inflight) == 0 {
			if ctx.Err() != nil {
				break
			}
			if eos {
				break
			}
		}

		select {
		case slot := <-done:
			release(slot)
		case <-ctx.Done():
			if len(inflight) == 0 {
				continue
			}
			source.Stop()
			for len(inflight) > 0 {
				release(<-done)
			}
		}
	}

	wg.Wait()

	stats := s.Stats()
	if err := ctx.Err(); err != nil {
		source.Stop()
		s.log.Infow("scheduler", "event", "Cancelled", "dispatched", stats.Dispatched, "forwarded", stats.Forwarded)
		return stats, err
	}

	s.log.Infow("scheduler", "event", "Done", "dispatched", stats.Dispatched, "recognized", stats.Recognized, "failed", stats.Failed, "candidates", stats.Candidates, "max_in_flight", stats.MaxInFlight)

	return stats, nil
}

func (s *Scheduler) process(ctx context.Context, item WorkItem, recognizer recognition.Recognizer, sink FrameSink, candidates CandidateSink) {
	frame := item.Frame

	if frame.Index%s.opts.RecognizeEvery == 0 {
		res, err := recognizer.Recognize(ctx, frame)
		if err != nil {
			s.failed.Inc()
			s.log.Warnw("scheduler", "event", "Recognize", "frame", frame.Index, "slot", item.Slot, "error", err)
		} else {
			s.recognized.Inc()
			for _, c := range res.Candidates {
				candidates.Add(c)
				s.candidates.Inc()
			}
			if res.Annotated != nil {
				frame = &model.Frame{Index: frame.Index, Image: res.Annotated, Timestamp: frame.Timestamp}
			}
		}
	}

	if err := sink.SendFrame(frame); err != nil {
		s.log.Warnw("scheduler", "event", "SendFrame", "frame", frame.Index, "error", err)
		return
	}
	s.forwarded.Inc()
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Dispatched:  s.dispatched.Load(),
		Recognized:  s.recognized.Load(),
		Failed:      s.failed.Load(),
		Forwarded:   s.forwarded.Load(),
		Candidates:  s.candidates.Load(),
		MaxInFlight: s.maxInFlight.Load(),
	}
}
