package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/visionlabs/vedcap/internal/config"
)

// Sentinel errors for device resolution. Both are fatal to session start.
var (
	ErrNotFound  = errors.New("device not found")
	ErrAmbiguous = errors.New("more than one matching device attached")
)

// Registry maps device types to their factories. Factories are injected so
// tests can substitute a fake device inventory.
type Registry struct {
	factories map[config.DeviceType]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[config.DeviceType]Factory)}
}

// Register installs the factory for a device type, replacing any previous
// registration.
func (r *Registry) Register(deviceType config.DeviceType, factory Factory) {
	r.factories[deviceType] = factory
}

// Types returns the registered device types in stable order.
func (r *Registry) Types() []config.DeviceType {
	types := make([]config.DeviceType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Enumerate lists the attached device UIDs for one device type.
func (r *Registry) Enumerate(deviceType config.DeviceType) ([]string, error) {
	factory, ok := r.factories[deviceType]
	if !ok {
		return nil, fmt.Errorf("no factory registered for device type '%s'", deviceType)
	}
	return factory.Enumerate()
}

// Construct resolves the device identity for cfg, opens the device and
// applies the configured control mapping. A configured device_uid must match
// an attached device; an empty device_uid auto-detects exactly one attached
// device of the stream's type.
func (r *Registry) Construct(cfg config.StreamConfig) (Handle, error) {
	factory, ok := r.factories[cfg.DeviceType]
	if !ok {
		return nil, fmt.Errorf("stream '%s': no factory registered for device type '%s'", cfg.Name, cfg.DeviceType)
	}

	attached, err := factory.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("stream '%s': device enumeration failed: %w", cfg.Name, err)
	}

	uid := cfg.DeviceUID
	if uid == "" {
		switch len(attached) {
		case 0:
			return nil, fmt.Errorf("stream '%s': no '%s' device attached: %w", cfg.Name, cfg.DeviceType, ErrNotFound)
		case 1:
			uid = attached[0]
		default:
			return nil, fmt.Errorf("stream '%s': %d '%s' devices attached, set device_uid: %w",
				cfg.Name, len(attached), cfg.DeviceType, ErrAmbiguous)
		}
	} else if !contains(attached, uid) {
		return nil, fmt.Errorf("stream '%s': device '%s' not attached: %w", cfg.Name, uid, ErrNotFound)
	}

	handle, err := factory.Open(uid, cfg)
	if err != nil {
		return nil, fmt.Errorf("stream '%s': failed to open device '%s': %w", cfg.Name, uid, err)
	}

	// Controls are best-effort: a control the device rejects is a warning,
	// never a fatal error.
	for _, name := range sortedControlKeys(cfg.Controls) {
		if err := handle.ApplyControl(name, cfg.Controls[name]); err != nil {
			slog.Warn("Device rejected control", "stream", cfg.Name, "device", uid, "control", name, "error", err)
		}
	}

	return handle, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func sortedControlKeys(controls map[string]any) []string {
	keys := make([]string, 0, len(controls))
	for k := range controls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
