// Package stream implements the per-stream writer: a state machine that
// consumes timestamped samples from one device handle through a bounded
// queue and persists them to a sink plus a timestamp index. A slow disk
// never backpressures the hardware callback: when the queue is full the
// incoming sample is dropped and counted.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visionlabs/vedcap/internal/config"
	"github.com/visionlabs/vedcap/internal/device"
)

// State is the per-stream runtime state. Only the owning writer mutates it;
// the session and status consumers only read.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// ErrStartupTimeout marks a device that delivered no sample within the
// startup deadline.
var ErrStartupTimeout = errors.New("no sample within startup timeout")

// Event is emitted by a writer on its significant transitions: reaching
// Running and reaching a terminal state.
type Event struct {
	Stream string
	State  State
	Err    error
}

const defaultQueueSize = 64

// Options tune a writer. Zero values select the defaults.
type Options struct {
	QueueSize      int
	StartupTimeout time.Duration
}

// Writer owns the capture-to-disk path of one stream.
type Writer struct {
	name string
	kind config.Kind

	handle device.Handle
	sink   Sink
	index  *Index

	queue          chan device.Sample
	startupTimeout time.Duration

	received atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.RWMutex
	state   State
	reason  error
	firstTS time.Time
	lastTS  time.Time

	events   chan<- Event
	errc     chan error
	pumpDone chan struct{}
	done     chan struct{}
}

// New creates a writer in the Idle state. The sink, index and handle are
// owned by the writer from here on and closed when it reaches a terminal
// state.
func New(cfg config.StreamConfig, handle device.Handle, sink Sink, index *Index, opts Options) *Writer {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	startupTimeout := opts.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = 5 * time.Second
	}

	return &Writer{
		name:           cfg.Name,
		kind:           cfg.Kind,
		handle:         handle,
		sink:           sink,
		index:          index,
		queue:          make(chan device.Sample, queueSize),
		startupTimeout: startupTimeout,
		state:          StateIdle,
		errc:           make(chan error, 1),
		pumpDone:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (w *Writer) Name() string      { return w.name }
func (w *Writer) Kind() config.Kind { return w.kind }

// State returns the current state and, for Failed, the reason.
func (w *Writer) State() (State, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state, w.reason
}

// Received is the number of samples delivered by the hardware.
func (w *Writer) Received() uint64 { return w.received.Load() }

// Dropped is the number of samples discarded because the queue was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Indexed is the number of samples durably written and indexed.
func (w *Writer) Indexed() uint64 { return w.index.Count() }

// Timestamps returns the capture timestamps of the first and last retained
// sample.
func (w *Writer) Timestamps() (first, last time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.firstTS, w.lastTS
}

// Done is closed when the writer reaches Stopped or Failed on its own.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Start moves the writer to Starting and launches its capture and persist
// workers. Cancelling ctx is the cooperative stop signal. Events are sent on
// the provided channel, which must have capacity for them.
func (w *Writer) Start(ctx context.Context, events chan<- Event) error {
	w.mu.Lock()
	if w.state != StateIdle {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("stream '%s': cannot start from state %s", w.name, state)
	}
	w.state = StateStarting
	w.events = events
	w.mu.Unlock()

	go w.pump(ctx)
	go w.run(ctx)
	return nil
}

// pump moves samples from the hardware into the bounded queue. The push is
// non-blocking: on a full queue the incoming sample is dropped and counted,
// favoring continuity of what is already buffered.
func (w *Writer) pump(ctx context.Context) {
	defer close(w.pumpDone)
	for {
		sample, err := w.handle.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case w.errc <- fmt.Errorf("stream '%s': device error: %w", w.name, err):
			default:
			}
			return
		}

		w.received.Add(1)
		select {
		case w.queue <- sample:
		default:
			w.dropped.Add(1)
		}
	}
}

// run drives the state machine: Starting until the first sample (bounded by
// the startup timeout), then Running until stop or failure, then Stopping
// while buffered samples are flushed.
func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	startup := time.NewTimer(w.startupTimeout)
	defer startup.Stop()

	select {
	case sample := <-w.queue:
		if err := w.persist(sample); err != nil {
			w.fail(err)
			w.teardown()
			return
		}
		w.setState(StateRunning)
	case err := <-w.errc:
		w.fail(err)
		w.teardown()
		return
	case <-startup.C:
		w.fail(fmt.Errorf("stream '%s': %w (%s)", w.name, ErrStartupTimeout, w.startupTimeout))
		w.teardown()
		return
	case <-ctx.Done():
		w.stop()
		return
	}

	for {
		select {
		case sample := <-w.queue:
			if err := w.persist(sample); err != nil {
				w.fail(err)
				w.teardown()
				return
			}
		case err := <-w.errc:
			w.fail(err)
			w.teardown()
			return
		case <-ctx.Done():
			w.stop()
			return
		}
	}
}

// stop flushes buffered samples and closes the outputs. It waits for the
// pump to exit first so no sample arrives behind the flush; the pump returns
// promptly because the context is already cancelled.
func (w *Writer) stop() {
	w.setState(StateStopping)
	<-w.pumpDone

	for {
		select {
		case sample := <-w.queue:
			if err := w.persist(sample); err != nil {
				w.fail(err)
				w.teardown()
				return
			}
		default:
			w.teardown()
			w.setState(StateStopped)
			return
		}
	}
}

// persist writes one sample to the sink and records it in the index.
// Disk errors are never retried: partial frames are worse than a clean stop.
func (w *Writer) persist(sample device.Sample) error {
	offset, err := w.sink.Append(sample)
	if err != nil {
		return fmt.Errorf("stream '%s': %w", w.name, err)
	}
	if err := w.index.Append(sample.Seq, sample.Timestamp, offset); err != nil {
		return fmt.Errorf("stream '%s': %w", w.name, err)
	}

	w.mu.Lock()
	if w.firstTS.IsZero() {
		w.firstTS = sample.Timestamp
	}
	w.lastTS = sample.Timestamp
	w.mu.Unlock()
	return nil
}

func (w *Writer) teardown() {
	if err := w.index.Close(); err != nil {
		slog.Warn("Failed to close index", "stream", w.name, "error", err)
	}
	if err := w.sink.Close(); err != nil {
		slog.Warn("Failed to close sink", "stream", w.name, "error", err)
	}
	if err := w.handle.Close(); err != nil {
		slog.Warn("Failed to close device", "stream", w.name, "error", err)
	}
}

func (w *Writer) setState(state State) {
	w.mu.Lock()
	if w.state == StateFailed {
		// Failed is terminal, an Abandon may have raced the transition.
		w.mu.Unlock()
		return
	}
	w.state = state
	w.mu.Unlock()

	if state == StateRunning || state == StateStopped {
		w.emit(Event{Stream: w.name, State: state})
	}
}

func (w *Writer) fail(reason error) {
	w.mu.Lock()
	if w.state == StateFailed || w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = StateFailed
	w.reason = reason
	w.mu.Unlock()

	slog.Error("Stream failed", "stream", w.name, "error", reason)
	w.emit(Event{Stream: w.name, State: StateFailed, Err: reason})
}

// Discard releases the outputs and device of a writer that was never
// started. It is a no-op once Start has been called.
func (w *Writer) Discard() {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return
	}
	w.state = StateFailed
	w.reason = errors.New("discarded before start")
	w.mu.Unlock()
	w.teardown()
	close(w.done)
}

// Abandon forcibly marks a writer that missed the shutdown deadline as
// Failed. Its goroutines are left to finish on their own; the session stops
// waiting for them.
func (w *Writer) Abandon(reason error) {
	w.fail(reason)
}

func (w *Writer) emit(event Event) {
	if w.events == nil {
		return
	}
	select {
	case w.events <- event:
	default:
		slog.Warn("Dropped writer event", "stream", event.Stream, "state", event.State)
	}
}
