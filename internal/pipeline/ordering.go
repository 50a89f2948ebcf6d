package pipeline

import (
	"context"
	"sync"

	"github.com/scrypster/anchorflow/pkg/types"
)

// job is one queued pipeline event with its position in its stream.
type job struct {
	event *types.PipelineEvent
	seq   uint64
}

// streamTurns serialises processing per stream id. Submit issues
// increasing sequence numbers per stream; a worker holding sequence n
// waits until n-1 has been released. The queue is FIFO, so every lower
// sequence of the stream is already held by some worker while it waits.
type streamTurns struct {
	mu      sync.Mutex
	streams map[string]*turn
}

type turn struct {
	issued uint64
	done   uint64
	wake   chan struct{}
}

func newStreamTurns() *streamTurns {
	return &streamTurns{streams: make(map[string]*turn)}
}

// issue returns the next sequence number for stream.
func (s *streamTurns) issue(stream string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.streams[stream]
	if !ok {
		t = &turn{wake: make(chan struct{})}
		s.streams[stream] = t
	}
	t.issued++
	return t.issued
}

// revoke takes back the most recent sequence of stream when its event
// never made it into the queue.
func (s *streamTurns) revoke(stream string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.streams[stream]
	if !ok || t.issued != seq {
		return
	}
	t.issued--
	if t.issued == t.done {
		delete(s.streams, stream)
	}
}

// wait blocks until seq is the next sequence to run for stream.
func (s *streamTurns) wait(ctx context.Context, stream string, seq uint64) error {
	for {
		s.mu.Lock()
		t, ok := s.streams[stream]
		if !ok || t.done+1 >= seq {
			s.mu.Unlock()
			return nil
		}
		wake := t.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release marks seq finished and wakes waiters on stream.
func (s *streamTurns) release(stream string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.streams[stream]
	if !ok {
		return
	}
	if seq > t.done {
		t.done = seq
	}
	close(t.wake)
	t.wake = make(chan struct{})
	if t.done >= t.issued {
		delete(s.streams, stream)
	}
}
