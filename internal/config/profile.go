package config

import (
	"fmt"
	"sort"
)

// StreamOverride is a partial StreamConfig: nil fields are left at the base
// value, the Controls and EncoderArgs maps are unioned key by key with the
// override winning on conflicts.
type StreamOverride struct {
	DeviceType  *DeviceType       `mapstructure:"device_type" yaml:"device_type,omitempty"`
	DeviceUID   *string           `mapstructure:"device_uid" yaml:"device_uid,omitempty"`
	Resolution  *string           `mapstructure:"resolution" yaml:"resolution,omitempty"`
	FPS         *float64          `mapstructure:"fps" yaml:"fps,omitempty"`
	ColorFormat *string           `mapstructure:"color_format" yaml:"color_format,omitempty"`
	Controls    map[string]any    `mapstructure:"controls" yaml:"controls,omitempty"`
	Codec       *string           `mapstructure:"codec" yaml:"codec,omitempty"`
	EncoderArgs map[string]string `mapstructure:"encoder_kwargs" yaml:"encoder_kwargs,omitempty"`
}

// Profile is a named set of partial stream overrides, typically selected
// automatically from session metadata (e.g. a lighting condition).
type Profile struct {
	Video  map[string]StreamOverride `mapstructure:"video" yaml:"video,omitempty"`
	Motion map[string]StreamOverride `mapstructure:"motion" yaml:"motion,omitempty"`
}

// ResolveProfile merges the named profile into the base stream registry.
// An empty or unknown profile name returns the base unchanged; that is the
// normal case, not an error. A profile referencing a stream name absent from
// the base is a configuration error.
func ResolveProfile(base Streams, profileName string, profiles map[string]Profile) (Streams, error) {
	if profileName == "" {
		return base, nil
	}
	profile, ok := profiles[profileName]
	if !ok {
		return base, nil
	}

	resolved := Streams{
		Video:  make(map[string]StreamConfig, len(base.Video)),
		Motion: make(map[string]StreamConfig, len(base.Motion)),
	}
	for name, sc := range base.Video {
		resolved.Video[name] = sc
	}
	for name, sc := range base.Motion {
		resolved.Motion[name] = sc
	}

	for name, ov := range profile.Video {
		sc, ok := resolved.Video[name]
		if !ok {
			return Streams{}, fmt.Errorf("profile '%s' overrides unknown video stream '%s'", profileName, name)
		}
		resolved.Video[name] = mergeStream(sc, ov)
	}
	for name, ov := range profile.Motion {
		sc, ok := resolved.Motion[name]
		if !ok {
			return Streams{}, fmt.Errorf("profile '%s' overrides unknown motion stream '%s'", profileName, name)
		}
		resolved.Motion[name] = mergeStream(sc, ov)
	}

	return resolved, nil
}

// mergeStream applies a partial override leaf by leaf: set scalars win,
// mapping leaves are unioned with override values winning per key.
func mergeStream(base StreamConfig, ov StreamOverride) StreamConfig {
	merged := base

	if ov.DeviceType != nil {
		merged.DeviceType = *ov.DeviceType
	}
	if ov.DeviceUID != nil {
		merged.DeviceUID = *ov.DeviceUID
	}
	if ov.Resolution != nil {
		merged.Resolution = *ov.Resolution
	}
	if ov.FPS != nil {
		merged.FPS = *ov.FPS
	}
	if ov.ColorFormat != nil {
		merged.ColorFormat = *ov.ColorFormat
	}
	if ov.Codec != nil {
		merged.Codec = *ov.Codec
	}

	if len(ov.Controls) > 0 {
		controls := make(map[string]any, len(base.Controls)+len(ov.Controls))
		for k, v := range base.Controls {
			controls[k] = v
		}
		for k, v := range ov.Controls {
			controls[k] = v
		}
		merged.Controls = controls
	}
	if len(ov.EncoderArgs) > 0 {
		merged.EncoderArgs = mergeStringMap(base.EncoderArgs, ov.EncoderArgs)
	}

	return merged
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
