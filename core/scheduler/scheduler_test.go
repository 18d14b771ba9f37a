package scheduler

import (
	"context"
	"image"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/pyropy/carlens/core/framesource"
	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/core/recognition"
	"github.com/pyropy/carlens/core/vote"
)

type sliceSource struct {
	mu      sync.Mutex
	frames  int
	next    int
	served  []int
	stopped atomic.Bool
}

func (s *sliceSource) Next(ctx context.Context) (*model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.stopped.Load() {
		return nil, framesource.ErrEndOfStream
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.frames {
		return nil, framesource.ErrEndOfStream
	}
	frame := &model.Frame{Index: s.next, Image: image.NewRGBA(image.Rect(0, 0, 2, 2))}
	s.served = append(s.served, s.next)
	s.next++

	return frame, nil
}

func (s *sliceSource) Stop() {
	s.stopped.Store(true)
}

type recordingSink struct {
	mu      sync.Mutex
	indices []int
}

func (s *recordingSink) SendFrame(frame *model.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.indices = append(s.indices, frame.Index)
	return nil
}

func (s *recordingSink) sorted() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]int(nil), s.indices...)
	sort.Ints(out)
	return out
}

// countingRecognizer tracks how many recognitions run at the same time.
type countingRecognizer struct {
	delay   time.Duration
	current atomic.Int64
	max     atomic.Int64
	plates  map[int]string
	fail    func(index int) bool
}

func (r *countingRecognizer) Recognize(ctx context.Context, frame *model.Frame) (recognition.Result, error) {
	n := r.current.Inc()
	defer r.current.Dec()
	for {
		m := r.max.Load()
		if n <= m || r.max.CompareAndSwap(m, n) {
			break
		}
	}

	time.Sleep(r.delay)

	if r.fail != nil && r.fail(frame.Index) {
		return recognition.Result{}, recognition.ErrRecognition
	}

	res := recognition.Result{Annotated: frame.Image}
	if plate, ok := r.plates[frame.Index]; ok {
		res.Candidates = []string{plate}
	}
	return res, nil
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestBoundedConcurrency(t *testing.T) {
	rec := &countingRecognizer{delay: 5 * time.Millisecond}
	sink := &recordingSink{}
	sched := New(Options{Workers: 3}, zaptest.NewLogger(t).Sugar())

	stats, err := sched.Run(context.Background(), &sliceSource{frames: 30}, rec, sink, vote.NewAggregator(vote.DefaultFormat(), '?'))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.max.Load(), test.ShouldBeLessThanOrEqualTo, int64(3))
	test.That(t, stats.MaxInFlight, test.ShouldBeLessThanOrEqualTo, int64(3))
	test.That(t, stats.MaxInFlight, test.ShouldBeGreaterThan, int64(1))
	test.That(t, stats.Dispatched, test.ShouldEqual, int64(30))
	test.That(t, stats.Forwarded, test.ShouldEqual, int64(30))
	test.That(t, sink.sorted(), test.ShouldResemble, indices(30))
}

func TestSingleWorkerKeepsIndexOrder(t *testing.T) {
	sink := &recordingSink{}
	sched := New(Options{Workers: 1}, zaptest.NewLogger(t).Sugar())

	_, err := sched.Run(context.Background(), &sliceSource{frames: 12}, recognition.Passthrough{}, sink, vote.NewAggregator(vote.DefaultFormat(), '?'))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sink.indices, test.ShouldResemble, indices(12))
}

// gatedRecognizer holds frame 0 until frame 4 is being recognized.
type gatedRecognizer struct {
	release chan struct{}
}

func (r *gatedRecognizer) Recognize(ctx context.Context, frame *model.Frame) (recognition.Result, error) {
	switch frame.Index {
	case 0:
		<-r.release
	case 4:
		close(r.release)
	}
	return recognition.Result{Annotated: frame.Image}, nil
}

func TestDispatchInIndexOrderWithWorkers(t *testing.T) {
	src := &sliceSource{frames: 20}
	sink := &recordingSink{}
	sched := New(Options{Workers: 3}, zaptest.NewLogger(t).Sugar())

	stats, err := sched.Run(context.Background(), src, &gatedRecognizer{release: make(chan struct{})}, sink, vote.NewAggregator(vote.DefaultFormat(), '?'))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Dispatched, test.ShouldEqual, int64(20))

	// frames are taken from the source strictly in index order
	test.That(t, src.served, test.ShouldResemble, indices(20))

	// while completions arrive out of order
	test.That(t, sink.indices, test.ShouldHaveLength, 20)
	test.That(t, sink.indices[0], test.ShouldNotEqual, 0)
	test.That(t, sink.indices, test.ShouldNotResemble, indices(20))
	test.That(t, sink.sorted(), test.ShouldResemble, indices(20))
}

func TestFailuresAreRecovered(t *testing.T) {
	rec := &countingRecognizer{
		plates: map[int]string{0: "1ABC23", 2: "1ABC23"},
		fail:   func(index int) bool { return index%2 == 1 },
	}
	sink := &recordingSink{}
	agg := vote.NewAggregator(vote.DefaultFormat(), '?')
	sched := New(Options{Workers: 4}, zaptest.NewLogger(t).Sugar())

	stats, err := sched.Run(context.Background(), &sliceSource{frames: 10}, rec, sink, agg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Failed, test.ShouldEqual, int64(5))
	test.That(t, stats.Recognized, test.ShouldEqual, int64(5))
	test.That(t, stats.Candidates, test.ShouldEqual, int64(2))
	test.That(t, sink.sorted(), test.ShouldResemble, indices(10))
	test.That(t, agg.Count(), test.ShouldEqual, 2)
}

func TestRecognizeEvery(t *testing.T) {
	rec := &countingRecognizer{}
	sink := &recordingSink{}
	sched := New(Options{Workers: 2, RecognizeEvery: 3}, zaptest.NewLogger(t).Sugar())

	stats, err := sched.Run(context.Background(), &sliceSource{frames: 10}, rec, sink, vote.NewAggregator(vote.DefaultFormat(), '?'))
	test.That(t, err, test.ShouldBeNil)
	// frames 0, 3, 6, 9
	test.That(t, stats.Recognized, test.ShouldEqual, int64(4))
	test.That(t, stats.Forwarded, test.ShouldEqual, int64(10))
}

type blockingRecognizer struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (r *blockingRecognizer) Recognize(ctx context.Context, frame *model.Frame) (recognition.Result, error) {
	r.calls.Inc()
	r.started <- struct{}{}
	<-r.release
	if err := ctx.Err(); err != nil {
		return recognition.Result{}, err
	}
	return recognition.Result{Annotated: frame.Image, Candidates: []string{"1ABC23"}}, nil
}

func TestCancellationLetsInFlightFinish(t *testing.T) {
	rec := &blockingRecognizer{started: make(chan struct{}, 2), release: make(chan struct{})}
	src := &sliceSource{frames: 100}
	sink := &recordingSink{}
	agg := vote.NewAggregator(vote.DefaultFormat(), '?')
	sched := New(Options{Workers: 2}, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		stats Stats
		err   error
	}
	out := make(chan result, 1)
	go func() {
		stats, err := sched.Run(ctx, src, rec, sink, agg)
		out <- result{stats, err}
	}()

	<-rec.started
	<-rec.started
	cancel()
	// give Run a moment to observe the cancellation before releasing
	time.Sleep(10 * time.Millisecond)
	close(rec.release)

	res := <-out
	test.That(t, errors.Is(res.err, context.Canceled), test.ShouldBeTrue)
	test.That(t, src.stopped.Load(), test.ShouldBeTrue)
	test.That(t, res.stats.Dispatched, test.ShouldEqual, int64(2))
	test.That(t, rec.calls.Load(), test.ShouldEqual, int64(2))
	// both in-flight recognitions completed with results
	test.That(t, res.stats.Recognized, test.ShouldEqual, int64(2))
	test.That(t, agg.Count(), test.ShouldEqual, 2)
	test.That(t, sink.sorted(), test.ShouldResemble, []int{0, 1})
}
