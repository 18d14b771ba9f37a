// Package assembler rebuilds uploaded files from chunks that may arrive in
// any order.
package assembler

import (
	"os"
	fp "path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/lib/checksum"
	"github.com/pyropy/carlens/lib/cmap"
)

var (
	ErrUnknownStream    = errors.New("unknown stream")
	ErrAlreadyCompleted = errors.New("stream already completed")
	ErrInvalidChunk     = errors.New("invalid chunk")
)

// streamAssembly is the in-memory bookkeeping of one upload. Chunks are
// keyed by offset, so a chunk re-sent at the same offset replaces the
// previous payload.
type streamAssembly struct {
	mu         sync.Mutex
	chunks     map[int64][]byte
	totalBytes int64
	done       bool
}

// Reassembler collects chunks per stream id and writes them out in offset
// order once the stream is completed.
type Reassembler struct {
	dir       string
	log       *zap.SugaredLogger
	streams   *cmap.Map[string, *streamAssembly]
	completed *cmap.Map[string, struct{}]
}

func NewReassembler(dir string, log *zap.SugaredLogger) (*Reassembler, error) {
	err := os.MkdirAll(dir, 0750)
	if err != nil && !os.IsExist(err) {
		return nil, err
	}

	return &Reassembler{
		dir:       dir,
		log:       log,
		streams:   cmap.NewMap[string, *streamAssembly](),
		completed: cmap.NewMap[string, struct{}](),
	}, nil
}

// Accept registers a chunk for streamID. It never touches the disk.
func (r *Reassembler) Accept(streamID string, offset int64, payload []byte) error {
	if _, err := sanitize(streamID); err != nil {
		return err
	}
	if offset < 0 {
		return errors.Wrapf(ErrInvalidChunk, "negative offset %d", offset)
	}

	for {
		sa, loaded := r.streams.GetOrSet(streamID, &streamAssembly{chunks: map[int64][]byte{}})
		if !loaded {
			// a new upload under a previously completed name starts over
			r.completed.Delete(streamID)
		}

		sa.mu.Lock()
		if sa.done {
			// lost a race with Complete; retry against a fresh assembly
			sa.mu.Unlock()
			continue
		}

		if prev, exists := sa.chunks[offset]; exists {
			sa.totalBytes -= int64(len(prev))
		}
		sa.chunks[offset] = payload
		sa.totalBytes += int64(len(payload))
		sa.mu.Unlock()

		return nil
	}
}

// Complete writes all chunks of streamID to disk in increasing offset order
// and releases the stream's bookkeeping.
func (r *Reassembler) Complete(streamID string) (*model.AssembledFile, error) {
	rel, err := sanitize(streamID)
	if err != nil {
		return nil, err
	}

	sa, exists := r.streams.Get(streamID)
	if !exists {
		if _, done := r.completed.Get(streamID); done {
			return nil, errors.Wrap(ErrAlreadyCompleted, streamID)
		}
		return nil, errors.Wrap(ErrUnknownStream, streamID)
	}

	sa.mu.Lock()
	if sa.done {
		sa.mu.Unlock()
		return nil, errors.Wrap(ErrAlreadyCompleted, streamID)
	}
	sa.done = true
	chunks := sa.sorted()
	total := sa.totalBytes
	sa.chunks = nil
	sa.mu.Unlock()

	r.streams.Delete(streamID)
	r.completed.Set(streamID, struct{}{})

	path := fp.Join(r.dir, rel)
	size, err := writeChunks(path, chunks)
	if err != nil {
		return nil, errors.Wrapf(err, "assembling %s", streamID)
	}

	sum, err := checksum.File(path)
	if err != nil {
		return nil, errors.Wrapf(err, "checksum %s", streamID)
	}

	r.log.Infow("assembler", "event", "Complete", "stream", streamID, "chunks", len(chunks), "received", total, "size", size, "path", path)

	return &model.AssembledFile{
		StreamID: streamID,
		Filename: fp.Base(rel),
		Path:     path,
		Size:     size,
		Checksum: sum,
	}, nil
}

// Discard drops the bookkeeping of streamID, finished or not. It is a no-op
// for unknown ids.
func (r *Reassembler) Discard(streamID string) {
	r.completed.Delete(streamID)

	sa, exists := r.streams.Pop(streamID)
	if !exists {
		return
	}

	sa.mu.Lock()
	sa.done = true
	sa.chunks = nil
	sa.mu.Unlock()

	r.log.Infow("assembler", "event", "Discard", "stream", streamID)
}

// Pending returns the number of streams still being uploaded.
func (r *Reassembler) Pending() int {
	return r.streams.Len()
}

func (sa *streamAssembly) sorted() []model.Chunk {
	chunks := make([]model.Chunk, 0, len(sa.chunks))
	for offset, payload := range sa.chunks {
		chunks = append(chunks, model.Chunk{Offset: offset, Payload: payload})
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Offset < chunks[j].Offset
	})

	return chunks
}

// writeChunks writes into a temporary file renamed over path, so a reader
// still holding a previous file at path keeps its content.
func writeChunks(path string, chunks []model.Chunk) (size int64, err error) {
	dir := fp.Dir(path)
	if err = os.MkdirAll(dir, 0750); err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(dir, "."+fp.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
		if err == nil {
			err = os.Rename(f.Name(), path)
		}
		if err != nil {
			os.Remove(f.Name())
			size = 0
		}
	}()

	if err = f.Chmod(0644); err != nil {
		return 0, err
	}

	for _, c := range chunks {
		if _, err = f.WriteAt(c.Payload, c.Offset); err != nil {
			return 0, err
		}
		if end := c.Offset + int64(len(c.Payload)); end > size {
			size = end
		}
	}

	return size, nil
}

// sanitize maps streamID to a path relative to the upload dir that cannot
// leave it. Distinct ids keep distinct paths.
func sanitize(streamID string) (string, error) {
	rel := fp.Clean("/" + streamID)
	name := fp.Base(rel)
	if streamID == "" || name == "/" || name == "." || name == ".." {
		return "", errors.Wrapf(ErrInvalidChunk, "bad stream id %q", streamID)
	}

	return rel[1:], nil
}
