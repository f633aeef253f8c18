package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidCapacity is returned by NewRelay for a capacity below 1.
	ErrInvalidCapacity = errors.New("relay capacity must be >= 1")
	// ErrEmptyTimeout reports that no chunk arrived within the wait bound.
	// It is a re-check signal, not a failure.
	ErrEmptyTimeout = errors.New("relay empty after timeout")
	// ErrDrained reports that the producer finished and every chunk was read.
	ErrDrained = errors.New("relay drained")
	// ErrRelayFinished is returned by Put after Finish.
	ErrRelayFinished = errors.New("relay already finished")
	// ErrRelayAborted is returned by Put once the relay is aborted.
	ErrRelayAborted = errors.New("relay aborted")
)

// Relay is a bounded FIFO of chunks between one producer and one consumer.
//
// Put and Finish are meant for the producing goroutine. Finish runs after
// the last insert, so a consumer always receives every buffered chunk before
// it observes ErrDrained. The chunk channel is never closed, so a stray Put
// racing Finish gets ErrRelayFinished or lands in the buffer; it cannot panic.
type Relay struct {
	ch       chan Chunk
	done     chan struct{}
	aborted  chan struct{}
	finished atomic.Bool

	finishOnce sync.Once
	abortOnce  sync.Once
}

func NewRelay(capacity int) (*Relay, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Relay{
		ch:      make(chan Chunk, capacity),
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
	}, nil
}

// Put inserts c at the tail, blocking while the relay is full.
func (r *Relay) Put(ctx context.Context, c Chunk) error {
	if r.finished.Load() {
		return ErrRelayFinished
	}

	select {
	case <-r.aborted:
		return ErrRelayAborted
	default:
	}

	select {
	case r.ch <- c:
		return nil
	case <-r.done:
		return ErrRelayFinished
	case <-r.aborted:
		return ErrRelayAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the head chunk, waiting at most timeout for one to arrive.
func (r *Relay) Get(ctx context.Context, timeout time.Duration) (Chunk, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-r.ch:
		return c, nil
	case <-r.done:
		// Every Put happened before Finish, so what is buffered now is all
		// that is left.
		select {
		case c := <-r.ch:
			return c, nil
		default:
			return Chunk{}, ErrDrained
		}
	case <-timer.C:
		return Chunk{}, ErrEmptyTimeout
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Finish sets the terminal latch. Later calls are no-ops.
func (r *Relay) Finish() {
	r.finishOnce.Do(func() {
		r.finished.Store(true)
		close(r.done)
	})
}

// Abort releases a producer blocked in Put. Buffered chunks stay readable.
func (r *Relay) Abort() {
	r.abortOnce.Do(func() { close(r.aborted) })
}

// Finished reports whether the terminal latch is set.
func (r *Relay) Finished() bool { return r.finished.Load() }

// Len is the current occupancy.
func (r *Relay) Len() int { return len(r.ch) }

// Cap is the relay capacity.
func (r *Relay) Cap() int { return cap(r.ch) }
