// Package sim provides a simulated device factory. It stands in for real
// hardware bindings behind the same Factory/Handle interface: the devices
// deliver synthetic samples at the configured rate, and can be programmed to
// go silent or disconnect to exercise failure paths.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/visionlabs/vedcap/internal/config"
	"github.com/visionlabs/vedcap/internal/device"
)

// ErrDisconnected is returned by Next once a programmed fault fires.
var ErrDisconnected = errors.New("simulated device disconnected")

// Fault programs a failure mode into a simulated device.
type Fault struct {
	// Silent suppresses all samples; the device opens but never delivers.
	Silent bool
	// DisconnectAfter makes Next fail once this many samples were delivered.
	// Zero means never.
	DisconnectAfter uint64
	// WedgeAfter makes Next block forever, ignoring cancellation, once this
	// many samples were delivered. Zero means never. Simulates firmware that
	// stops responding.
	WedgeAfter uint64
	// RejectControls lists control names the device refuses to apply.
	RejectControls []string
}

// Factory simulates the attached devices of one device type.
type Factory struct {
	deviceType config.DeviceType

	mu     sync.Mutex
	uids   []string
	faults map[string]Fault
}

// NewFactory creates a simulated factory with the given attached devices.
func NewFactory(deviceType config.DeviceType, uids ...string) *Factory {
	return &Factory{
		deviceType: deviceType,
		uids:       append([]string(nil), uids...),
		faults:     make(map[string]Fault),
	}
}

// SetFault programs the failure mode of one attached device.
func (f *Factory) SetFault(uid string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[uid] = fault
}

// Enumerate lists the simulated attached devices.
func (f *Factory) Enumerate() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uids...), nil
}

// Open opens a simulated device delivering samples at cfg.FPS.
func (f *Factory) Open(uid string, cfg config.StreamConfig) (device.Handle, error) {
	f.mu.Lock()
	fault := f.faults[uid]
	f.mu.Unlock()

	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("sample rate must be > 0, got %.2f", cfg.FPS)
	}

	return &handle{
		uid:      uid,
		interval: time.Duration(float64(time.Second) / cfg.FPS),
		payload:  payloadSize(cfg),
		fault:    fault,
	}, nil
}

// payloadSize picks a synthetic sample size: a token payload standing in for
// an encoded frame or a motion record, deliberately small.
func payloadSize(cfg config.StreamConfig) int {
	if cfg.Kind == config.KindMotion {
		return 32
	}
	return 256
}

type handle struct {
	uid      string
	interval time.Duration
	payload  int
	fault    Fault
	seq      uint64
}

func (h *handle) UID() string { return h.uid }

func (h *handle) ApplyControl(name string, value any) error {
	for _, rejected := range h.fault.RejectControls {
		if name == rejected {
			return fmt.Errorf("control '%s' not supported by firmware", name)
		}
	}
	return nil
}

func (h *handle) Next(ctx context.Context) (device.Sample, error) {
	if h.fault.Silent {
		<-ctx.Done()
		return device.Sample{}, ctx.Err()
	}

	timer := time.NewTimer(h.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return device.Sample{}, ctx.Err()
	case <-timer.C:
	}

	if h.fault.DisconnectAfter > 0 && h.seq >= h.fault.DisconnectAfter {
		return device.Sample{}, fmt.Errorf("device '%s': %w", h.uid, ErrDisconnected)
	}

	if h.fault.WedgeAfter > 0 && h.seq >= h.fault.WedgeAfter {
		select {}
	}

	sample := device.Sample{
		Seq:       h.seq,
		Timestamp: time.Now(),
		Data:      make([]byte, h.payload),
	}
	h.seq++
	return sample, nil
}

func (h *handle) Close() error { return nil }
