package stream_test

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionlabs/vedcap/internal/config"
	"github.com/visionlabs/vedcap/internal/device"
	"github.com/visionlabs/vedcap/internal/stream"
)

// fakeHandle delivers a fixed budget of samples as fast as the writer pulls
// them, then blocks until the context is cancelled. A non-nil failAfter error
// is returned once the budget is exhausted instead of blocking.
type fakeHandle struct {
	budget    int
	failAfter error
	payload   []byte

	seq uint64
}

func (h *fakeHandle) UID() string { return "fake" }

func (h *fakeHandle) ApplyControl(name string, value any) error { return nil }

func (h *fakeHandle) Next(ctx context.Context) (device.Sample, error) {
	if h.budget == 0 {
		if h.failAfter != nil {
			return device.Sample{}, h.failAfter
		}
		<-ctx.Done()
		return device.Sample{}, ctx.Err()
	}
	h.budget--

	sample := device.Sample{Seq: h.seq, Timestamp: time.Now(), Data: h.payload}
	h.seq++
	return sample, nil
}

func (h *fakeHandle) Close() error { return nil }

// slowSink delays every append, forcing the queue to back up.
type slowSink struct {
	delay  time.Duration
	offset int64
}

func (s *slowSink) Append(sample device.Sample) (int64, error) {
	time.Sleep(s.delay)
	offset := s.offset
	s.offset += int64(len(sample.Data))
	return offset, nil
}

func (s *slowSink) Close() error { return nil }

// errorSink fails on the first append.
type errorSink struct{}

func (errorSink) Append(device.Sample) (int64, error) {
	return 0, errors.New("disk full")
}

func (errorSink) Close() error { return nil }

func motionConfig(name string) config.StreamConfig {
	return config.StreamConfig{
		Name:       name,
		Kind:       config.KindMotion,
		DeviceType: config.DeviceOdometry,
		FPS:        200,
	}
}

func newTestIndex(t *testing.T, dir, name string) *stream.Index {
	t.Helper()
	ix, err := stream.NewIndex(dir, name)
	require.NoError(t, err)
	return ix
}

func waitDone(t *testing.T, w *stream.Writer) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not reach a terminal state")
	}
}

func TestWriter_RecordsAndStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	handle := &fakeHandle{budget: 10, payload: []byte("abcd")}
	sink, err := stream.NewMotionSink(dir, motionConfig("odometry"))
	require.NoError(t, err)
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(motionConfig("odometry"), handle, sink, ix, stream.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan stream.Event, 8)
	require.NoError(t, w.Start(ctx, events))

	event := <-events
	assert.Equal(t, stream.StateRunning, event.State)

	require.Eventually(t, func() bool { return w.Received() == 10 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, w)

	state, reason := w.State()
	require.Equal(t, stream.StateStopped, state)
	require.NoError(t, reason)
	assert.Equal(t, uint64(10), w.Received())
	assert.Equal(t, uint64(0), w.Dropped())
	assert.Equal(t, uint64(10), w.Indexed())

	first, last := w.Timestamps()
	assert.False(t, first.IsZero())
	assert.False(t, last.Before(first))

	event = <-events
	assert.Equal(t, stream.StateStopped, event.State)
}

func TestWriter_MotionLogAndIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	handle := &fakeHandle{budget: 3, payload: payload}
	cfg := motionConfig("odometry")
	sink, err := stream.NewMotionSink(dir, cfg)
	require.NoError(t, err)
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(cfg, handle, sink, ix, stream.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan stream.Event, 8)
	require.NoError(t, w.Start(ctx, events))
	require.Eventually(t, func() bool { return w.Received() == 3 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	waitDone(t, w)

	// Each record is a 20 byte header (seq, timestamp, length) plus payload.
	raw, err := os.ReadFile(filepath.Join(dir, "odometry.mlog"))
	require.NoError(t, err)
	recordSize := 20 + len(payload)
	require.Len(t, raw, 3*recordSize)
	for i := 0; i < 3; i++ {
		record := raw[i*recordSize:]
		assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(record[0:8]))
		assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(record[16:20]))
		assert.Equal(t, payload, record[20:recordSize])
	}

	f, err := os.Open(filepath.Join(dir, "odometry.index"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"seq", "timestamp_ns", "offset"}, rows[0])
	for i := 1; i < 4; i++ {
		assert.Equal(t, fmt.Sprint(i-1), rows[i][0])
		assert.Equal(t, fmt.Sprint((i-1)*recordSize), rows[i][2])
	}
}

func TestWriter_DropsNewestWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	const total = 64
	handle := &fakeHandle{budget: total, payload: []byte("abcd")}
	sink := &slowSink{delay: 3 * time.Millisecond}
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(motionConfig("odometry"), handle, sink, ix, stream.Options{QueueSize: 4})
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan stream.Event, 8)
	require.NoError(t, w.Start(ctx, events))

	require.Eventually(t, func() bool { return w.Received() == total },
		2*time.Second, time.Millisecond)
	cancel()
	waitDone(t, w)

	state, _ := w.State()
	require.Equal(t, stream.StateStopped, state)
	assert.NotZero(t, w.Dropped(), "a slow sink with a small queue must shed samples")
	assert.Equal(t, uint64(total), w.Indexed()+w.Dropped(),
		"every received sample is either retained or counted as dropped")
}

func TestWriter_CountersReadableDuringCapture(t *testing.T) {
	dir := t.TempDir()
	handle := &fakeHandle{budget: 200, payload: []byte("abcd")}
	sink := &slowSink{delay: time.Millisecond}
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(motionConfig("odometry"), handle, sink, ix, stream.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan stream.Event, 8)
	require.NoError(t, w.Start(ctx, events))

	// poll the live counters the way a status consumer does
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-w.Done():
				return
			default:
				_ = w.Indexed()
				_ = w.Received()
				_ = w.Dropped()
			}
		}
	}()

	require.Eventually(t, func() bool { return w.Indexed() >= 20 },
		5*time.Second, time.Millisecond)
	cancel()
	waitDone(t, w)
	<-readerDone

	state, _ := w.State()
	require.Equal(t, stream.StateStopped, state)
	assert.Equal(t, w.Received(), w.Indexed()+w.Dropped())
}

func TestWriter_StartupTimeout(t *testing.T) {
	dir := t.TempDir()
	handle := &fakeHandle{budget: 0} // never delivers
	sink := &slowSink{}
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(motionConfig("odometry"), handle, sink, ix,
		stream.Options{StartupTimeout: 50 * time.Millisecond})
	events := make(chan stream.Event, 8)
	require.NoError(t, w.Start(context.Background(), events))
	waitDone(t, w)

	state, reason := w.State()
	require.Equal(t, stream.StateFailed, state)
	require.ErrorIs(t, reason, stream.ErrStartupTimeout)

	event := <-events
	assert.Equal(t, stream.StateFailed, event.State)
	assert.ErrorIs(t, event.Err, stream.ErrStartupTimeout)
}

func TestWriter_DeviceErrorFails(t *testing.T) {
	dir := t.TempDir()
	deviceErr := errors.New("device unplugged")
	handle := &fakeHandle{budget: 2, payload: []byte("ab"), failAfter: deviceErr}
	sink := &slowSink{}
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(motionConfig("odometry"), handle, sink, ix, stream.Options{})
	events := make(chan stream.Event, 8)
	require.NoError(t, w.Start(context.Background(), events))
	waitDone(t, w)

	state, reason := w.State()
	require.Equal(t, stream.StateFailed, state)
	assert.ErrorIs(t, reason, deviceErr)
}

func TestWriter_SinkErrorFails(t *testing.T) {
	dir := t.TempDir()
	handle := &fakeHandle{budget: 5, payload: []byte("ab")}
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(motionConfig("odometry"), handle, errorSink{}, ix, stream.Options{})
	events := make(chan stream.Event, 8)
	require.NoError(t, w.Start(context.Background(), events))
	waitDone(t, w)

	state, reason := w.State()
	require.Equal(t, stream.StateFailed, state)
	assert.Contains(t, reason.Error(), "disk full")
}

func TestWriter_StartTwice(t *testing.T) {
	dir := t.TempDir()
	handle := &fakeHandle{budget: 1, payload: []byte("ab")}
	sink := &slowSink{}
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(motionConfig("odometry"), handle, sink, ix, stream.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan stream.Event, 8)
	require.NoError(t, w.Start(ctx, events))
	require.Error(t, w.Start(ctx, events))
}

func TestWriter_Discard(t *testing.T) {
	dir := t.TempDir()
	handle := &fakeHandle{budget: 1, payload: []byte("ab")}
	sink := &slowSink{}
	ix := newTestIndex(t, dir, "odometry")

	w := stream.New(motionConfig("odometry"), handle, sink, ix, stream.Options{})
	w.Discard()
	waitDone(t, w)

	state, reason := w.State()
	assert.Equal(t, stream.StateFailed, state)
	assert.Error(t, reason)

	// a discarded writer can no longer be started
	require.Error(t, w.Start(context.Background(), make(chan stream.Event, 1)))
}

func TestVideoSink_RawAppend(t *testing.T) {
	dir := t.TempDir()
	cfg := config.StreamConfig{
		Name:       "world",
		Kind:       config.KindVideo,
		DeviceType: config.DeviceFLIR,
		Codec:      "mjpeg",
	}
	sink, err := stream.NewVideoSink(dir, cfg)
	require.NoError(t, err)
	assert.Equal(t, "world.mjpeg", sink.Filename())

	frames := [][]byte{[]byte("frame-one"), []byte("frame-two!")}
	var offsets []int64
	for i, frame := range frames {
		offset, err := sink.Append(device.Sample{Seq: uint64(i), Timestamp: time.Now(), Data: frame})
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.NoError(t, sink.Close())

	// frames are written back to back, offsets delimit them
	raw, err := os.ReadFile(filepath.Join(dir, "world.mjpeg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("frame-oneframe-two!"), raw)
	assert.Equal(t, []int64{0, 9}, offsets)
}
