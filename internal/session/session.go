// Package session implements the recording orchestrator: it owns the
// session lifecycle state machine, starts and stops all per-stream writers
// together, enforces the duration limit and aggregates per-stream outcomes
// into the session manifest.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/visionlabs/vedcap/internal/artifacts"
	"github.com/visionlabs/vedcap/internal/config"
	"github.com/visionlabs/vedcap/internal/device"
	"github.com/visionlabs/vedcap/internal/folder"
	"github.com/visionlabs/vedcap/internal/metadata"
	"github.com/visionlabs/vedcap/internal/stream"
)

// State is the orchestrator state. Failed is reachable from every
// non-terminal state.
type State string

const (
	StateConfiguring State = "configuring"
	StateAllocating  State = "allocating"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// ErrShutdownTimeout marks a writer that was forcibly abandoned because it
// missed the shutdown deadline.
var ErrShutdownTimeout = errors.New("writer missed shutdown deadline")

const (
	DefaultStartupTimeout  = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Options configure one recording session.
type Options struct {
	Config   *config.RootConfig
	Registry *device.Registry

	// Profile overrides the automatic selection from metadata.
	Profile string
	// Folder overrides the configured folder template.
	Folder string
	// Policy overrides the configured folder policy.
	Policy folder.Policy
	// Duration overrides the configured duration limit. Zero keeps the
	// configured value; a configured zero means no limit.
	Duration time.Duration

	// MetadataIn/MetadataOut are the interactive metadata source and prompt
	// destination. They default to stdin/stdout.
	MetadataIn  io.Reader
	MetadataOut io.Writer

	QueueSize       int
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Session is one recording run from metadata collection through artifact
// finalization.
type Session struct {
	id   uuid.UUID
	opts Options

	mu       sync.RWMutex
	state    State
	reason   error
	folder   string
	profile  string
	meta     metadata.Metadata
	started  time.Time
	stopped  time.Time
	writers  []*stream.Writer
	files    map[string]string
	uids     map[string]string
	manifest *Manifest

	events   chan stream.Event
	cancel   context.CancelFunc
	stopc    chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Start runs a session through metadata collection, folder allocation and
// the all-or-nothing stream start. It returns once every stream is Running;
// the session then supervises itself in the background until an explicit
// Stop, the duration limit or a stream failure. Cancelling ctx requests a
// coordinated stop, same as Stop.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("session: config is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("session: device registry is required")
	}
	if opts.MetadataIn == nil {
		opts.MetadataIn = os.Stdin
	}
	if opts.MetadataOut == nil {
		opts.MetadataOut = os.Stdout
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Session{
		id:    uuid.New(),
		opts:  opts,
		state: StateConfiguring,
		files: make(map[string]string),
		uids:  make(map[string]string),
		stopc: make(chan struct{}),
		done:  make(chan struct{}),
	}

	configs, err := s.configure()
	if err != nil {
		s.abort(err)
		return nil, err
	}

	if err := s.allocate(); err != nil {
		s.abort(err)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.startStreams(runCtx, configs); err != nil {
		s.abort(err)
		return nil, err
	}

	duration := s.opts.Duration
	if duration == 0 {
		duration = s.opts.Config.Commands.Record.Duration
	}
	go s.supervise(runCtx, duration)

	return s, nil
}

// configure collects metadata and resolves the effective stream configs.
func (s *Session) configure() ([]config.StreamConfig, error) {
	record := s.opts.Config.Commands.Record

	meta, err := metadata.Collect(record.Metadata, s.opts.MetadataIn, s.opts.MetadataOut)
	if err != nil {
		return nil, err
	}

	profile := s.opts.Profile
	if profile == "" {
		profile = metadata.SelectProfile(meta, record.ProfileSelector)
	}
	if _, ok := s.opts.Config.Profiles[profile]; ok {
		meta = meta.Set("profile", profile)
		slog.Info("Applying stream profile", "profile", profile)
	} else if profile != "" {
		slog.Debug("No matching stream profile, using base config", "selector_value", profile)
	}

	streams, err := config.ResolveProfile(s.opts.Config.Streams, profile, s.opts.Config.Profiles)
	if err != nil {
		return nil, err
	}

	configs, err := s.opts.Config.RecordingStreams(streams)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no streams configured for recording")
	}

	s.mu.Lock()
	s.meta = meta
	s.profile = profile
	s.mu.Unlock()

	return configs, nil
}

// allocate resolves the session folder and writes the config snapshot and
// metadata files into it. Failure here aborts before any hardware is
// touched.
func (s *Session) allocate() error {
	s.setState(StateAllocating)

	record := s.opts.Config.Commands.Record
	template := s.opts.Folder
	if template == "" {
		template = record.Folder
	}
	policy := s.opts.Policy
	if policy == "" {
		policy = folder.Policy(record.Policy)
	}

	sessionFolder, err := folder.Allocate(template, policy, s.folderContext())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.folder = sessionFolder
	meta := s.meta
	s.mu.Unlock()
	slog.Info("Recording to folder", "folder", sessionFolder, "policy", policy)

	checkDiskSpace(sessionFolder)

	if err := saveConfigSnapshot(sessionFolder, s.opts.Config); err != nil {
		return err
	}
	if len(meta) > 0 {
		if err := metadata.Save(sessionFolder, meta); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) folderContext() folder.Context {
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}
	s.mu.RLock()
	meta := s.meta.Map()
	s.mu.RUnlock()
	return folder.Context{
		Now:       time.Now(),
		WorkDir:   workDir,
		ConfigDir: s.opts.Config.Dir,
		Metadata:  meta,
	}
}

// startStreams constructs every device handle and writer and waits for all
// of them to reach Running. The start is all-or-nothing: a recording with a
// silently missing stream is worse than no recording, so a single failure
// stops whichever streams did start.
func (s *Session) startStreams(ctx context.Context, configs []config.StreamConfig) error {
	s.setState(StateStarting)

	handles := make([]device.Handle, len(configs))
	var g errgroup.Group
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			handle, err := s.opts.Registry.Construct(cfg)
			if err != nil {
				return err
			}
			handles[i] = handle
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, handle := range handles {
			if handle != nil {
				handle.Close()
			}
		}
		return err
	}

	s.events = make(chan stream.Event, 4*len(configs))

	writers := make([]*stream.Writer, 0, len(configs))
	for i, cfg := range configs {
		writer, err := s.newWriter(cfg, handles[i])
		if err != nil {
			// A writer owns its handle, sink and index only once stream.New
			// has returned. On error newWriter closed its partial outputs;
			// the handles not yet handed over are closed here.
			for _, w := range writers {
				w.Discard()
			}
			for j := i; j < len(handles); j++ {
				handles[j].Close()
			}
			return err
		}
		writers = append(writers, writer)
		s.uids[cfg.Name] = handles[i].UID()
	}

	s.mu.Lock()
	s.writers = writers
	s.mu.Unlock()

	for _, w := range writers {
		if err := w.Start(ctx, s.events); err != nil {
			s.cancel()
			s.awaitWriters(writers)
			return err
		}
	}

	// Wait for every writer to reach Running. Each writer enforces its own
	// startup timeout, so this loop always makes progress.
	pending := len(writers)
	for pending > 0 {
		select {
		case event := <-s.events:
			switch event.State {
			case stream.StateRunning:
				pending--
			case stream.StateFailed:
				s.cancel()
				s.awaitWriters(writers)
				return fmt.Errorf("stream start aborted: %w", event.Err)
			case stream.StateStopped:
				s.cancel()
				s.awaitWriters(writers)
				return fmt.Errorf("stream '%s' stopped during start", event.Stream)
			}
		case <-ctx.Done():
			s.awaitWriters(writers)
			return fmt.Errorf("session cancelled during start: %w", ctx.Err())
		}
	}

	s.mu.Lock()
	s.state = StateRunning
	s.started = time.Now()
	s.mu.Unlock()
	slog.Info("All streams running", "session", s.id, "streams", len(writers))

	return nil
}

func (s *Session) newWriter(cfg config.StreamConfig, handle device.Handle) (*stream.Writer, error) {
	var sink *stream.FileSink
	var err error
	if cfg.Kind == config.KindVideo {
		sink, err = stream.NewVideoSink(s.folder, cfg)
	} else {
		sink, err = stream.NewMotionSink(s.folder, cfg)
	}
	if err != nil {
		return nil, err
	}

	index, err := stream.NewIndex(s.folder, cfg.Name)
	if err != nil {
		sink.Close()
		return nil, err
	}

	s.files[cfg.Name] = sink.Filename()
	return stream.New(cfg, handle, sink, index, stream.Options{
		QueueSize:      s.opts.QueueSize,
		StartupTimeout: s.opts.StartupTimeout,
	}), nil
}

// supervise waits for a stop condition: explicit stop request, elapsed
// duration, context cancellation or any writer failing. A single stream's
// failure stops the whole session so the manifest reflects an incomplete
// recording instead of a silently partial one.
func (s *Session) supervise(ctx context.Context, duration time.Duration) {
	var durc <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		durc = timer.C
	}

	var failure error
loop:
	for {
		select {
		case <-durc:
			slog.Info("Recording duration elapsed", "duration", duration)
			break loop
		case <-s.stopc:
			slog.Info("Stop requested")
			break loop
		case <-ctx.Done():
			slog.Info("Session context cancelled")
			break loop
		case event := <-s.events:
			if event.State == stream.StateFailed {
				failure = event.Err
				slog.Error("Stream failed, stopping session", "stream", event.Stream, "error", event.Err)
				break loop
			}
		}
	}

	s.setState(StateStopping)
	s.cancel()

	s.mu.RLock()
	writers := s.writers
	s.mu.RUnlock()
	s.awaitWriters(writers)

	s.mu.Lock()
	s.stopped = time.Now()
	s.reason = failure
	s.mu.Unlock()

	s.finalize()
}

// awaitWriters waits for every writer to reach a terminal state, bounded by
// the shutdown timeout. Writers that miss the deadline are forcibly
// abandoned and marked failed rather than blocking the session.
func (s *Session) awaitWriters(writers []*stream.Writer) {
	deadline := time.After(s.opts.ShutdownTimeout)
	for _, w := range writers {
		select {
		case <-w.Done():
		case <-deadline:
			w.Abandon(fmt.Errorf("stream '%s': %w", w.Name(), ErrShutdownTimeout))
		}
	}
}

// finalize copies calibration artifacts and writes the session manifest.
// Artifact failures are reported but non-fatal: the raw data already exists.
func (s *Session) finalize() {
	s.setState(StateFinalizing)
	s.copyArtifacts()

	final := StateDone
	s.mu.RLock()
	reason := s.reason
	writers := s.writers
	s.mu.RUnlock()
	if reason != nil {
		final = StateFailed
	}
	for _, w := range writers {
		if state, _ := w.State(); state != stream.StateStopped {
			final = StateFailed
		}
	}

	s.mu.Lock()
	s.state = final
	s.manifest = s.buildManifest(final)
	manifest := s.manifest
	sessionFolder := s.folder
	s.mu.Unlock()

	if err := writeManifest(sessionFolder, manifest); err != nil {
		slog.Error("Failed to write manifest", "error", err)
	}

	slog.Info("Session finished", "session", s.id, "state", final, "folder", sessionFolder)
	close(s.done)
}

func (s *Session) copyArtifacts() {
	record := s.opts.Config.Commands.Record
	if len(record.Intrinsics) == 0 && len(record.Extrinsics) == 0 {
		return
	}

	srcFolder, err := folder.Expand(s.opts.Config.Commands.EstimateCamParams.Folder, s.folderContext())
	if err != nil {
		slog.Warn("Cannot resolve camera parameter folder", "error", err)
		return
	}

	copyAll := func(names []string, ext string) {
		for _, name := range names {
			uid, ok := s.uids[name]
			if !ok {
				continue
			}
			if err := artifacts.Copy(name, uid, srcFolder, s.folder, ext); err != nil {
				slog.Warn("Could not copy camera parameters", "stream", name, "kind", ext, "error", err)
			} else {
				slog.Debug("Copied camera parameters", "stream", name, "kind", ext)
			}
		}
	}
	copyAll(record.Intrinsics, "intrinsics")
	copyAll(record.Extrinsics, "extrinsics")
}

// abort records a failure during startup. If the session folder was already
// allocated a manifest is still written there so the outcome is definite.
func (s *Session) abort(reason error) {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	s.state = StateFailed
	s.reason = reason
	s.stopped = time.Now()
	s.manifest = s.buildManifest(StateFailed)
	manifest := s.manifest
	sessionFolder := s.folder
	s.mu.Unlock()

	if sessionFolder != "" {
		if err := writeManifest(sessionFolder, manifest); err != nil {
			slog.Error("Failed to write manifest", "error", err)
		}
	}
	close(s.done)
}

// Stop requests a coordinated stop of every stream. It is safe to call more
// than once and returns immediately; use Wait for completion.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopc) })
}

// Wait blocks until the session reaches Done or Failed and returns the
// manifest.
func (s *Session) Wait() *Manifest {
	<-s.done
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest
}

// ID returns the session identity.
func (s *Session) ID() uuid.UUID { return s.id }

// Folder returns the allocated session folder.
func (s *Session) Folder() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.folder
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	slog.Debug("Session state", "session", s.id, "state", state)
}

// StreamStatus is a read-only snapshot of one writer.
type StreamStatus struct {
	Name     string
	State    stream.State
	Err      error
	Received uint64
	Dropped  uint64
	Indexed  uint64
}

// Status is a read-only snapshot of the session.
type Status struct {
	ID      uuid.UUID
	State   State
	Folder  string
	Profile string
	Started time.Time
	Elapsed time.Duration
	Streams []StreamStatus
}

// Status reports the current session and per-stream states. It only reads
// writer state, never mutates it.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		ID:      s.id,
		State:   s.state,
		Folder:  s.folder,
		Profile: s.profile,
		Started: s.started,
	}
	if !s.started.IsZero() {
		end := s.stopped
		if end.IsZero() {
			end = time.Now()
		}
		status.Elapsed = end.Sub(s.started)
	}
	for _, w := range s.writers {
		state, reason := w.State()
		status.Streams = append(status.Streams, StreamStatus{
			Name:     w.Name(),
			State:    state,
			Err:      reason,
			Received: w.Received(),
			Dropped:  w.Dropped(),
			Indexed:  w.Indexed(),
		})
	}
	return status
}
