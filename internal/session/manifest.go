package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/visionlabs/vedcap/internal/config"
)

// StreamResult is the per-stream outcome recorded in the manifest.
type StreamResult struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	DeviceUID   string `yaml:"device_uid,omitempty"`
	File        string `yaml:"file,omitempty"`
	IndexFile   string `yaml:"index,omitempty"`
	State       string `yaml:"state"`
	Reason      string `yaml:"reason,omitempty"`
	Received    uint64 `yaml:"received"`
	Dropped     uint64 `yaml:"dropped"`
	Indexed     uint64 `yaml:"indexed"`
	FirstSample int64  `yaml:"first_sample_ns,omitempty"`
	LastSample  int64  `yaml:"last_sample_ns,omitempty"`
}

// Manifest is the session-level summary written at the end of every
// session. It always records a definite outcome, done or failed, with the
// specific reason per stream.
type Manifest struct {
	SessionID string            `yaml:"session_id"`
	State     string            `yaml:"state"`
	Reason    string            `yaml:"reason,omitempty"`
	Profile   string            `yaml:"profile,omitempty"`
	StartedAt string            `yaml:"started_at,omitempty"`
	StoppedAt string            `yaml:"stopped_at,omitempty"`
	Elapsed   float64           `yaml:"elapsed_seconds"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
	Streams   []StreamResult    `yaml:"streams"`
}

// buildManifest snapshots the session under s.mu (callers hold the lock).
func (s *Session) buildManifest(final State) *Manifest {
	m := &Manifest{
		SessionID: s.id.String(),
		State:     string(final),
		Profile:   s.profile,
		Metadata:  s.meta.Map(),
	}
	if s.reason != nil {
		m.Reason = s.reason.Error()
	}
	if !s.started.IsZero() {
		m.StartedAt = s.started.Format(time.RFC3339Nano)
		end := s.stopped
		if end.IsZero() {
			end = time.Now()
		}
		m.StoppedAt = end.Format(time.RFC3339Nano)
		m.Elapsed = end.Sub(s.started).Seconds()
	}

	for _, w := range s.writers {
		state, reason := w.State()
		result := StreamResult{
			Name:      w.Name(),
			Kind:      string(w.Kind()),
			DeviceUID: s.uids[w.Name()],
			File:      s.files[w.Name()],
			IndexFile: w.Name() + ".index",
			State:     string(state),
			Received:  w.Received(),
			Dropped:   w.Dropped(),
			Indexed:   w.Indexed(),
		}
		if reason != nil {
			result.Reason = reason.Error()
		}
		first, last := w.Timestamps()
		if !first.IsZero() {
			result.FirstSample = first.UnixNano()
			result.LastSample = last.UnixNano()
		}
		m.Streams = append(m.Streams, result)
	}

	return m
}

func writeManifest(sessionFolder string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	path := filepath.Join(sessionFolder, "manifest")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// saveConfigSnapshot writes the effective configuration into the session
// folder so a recording is self-describing.
func saveConfigSnapshot(sessionFolder string, root *config.RootConfig) error {
	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	path := filepath.Join(sessionFolder, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config snapshot: %w", err)
	}
	return nil
}

// IsTerminal reports whether the session can no longer change state.
func IsTerminal(state State) bool {
	return state == StateDone || state == StateFailed
}
