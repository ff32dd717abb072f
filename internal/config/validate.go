package config

import (
	"fmt"
)

// Validate checks the layered configuration before any hardware is touched.
// A session never starts on a config that fails validation.
func Validate(root *RootConfig) error {
	if err := validateStreams(root.Streams); err != nil {
		return err
	}
	if err := validateRecordCommand(root); err != nil {
		return err
	}
	if err := validateProfiles(root); err != nil {
		return err
	}
	return nil
}

func validateStreams(streams Streams) error {
	seen := make(map[string]bool)

	for _, name := range sortedKeys(streams.Video) {
		if seen[name] {
			return fmt.Errorf("streams.video.%s: duplicate stream name", name)
		}
		seen[name] = true
		if err := validateStream(streams.Video[name], KindVideo, "streams.video."+name); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(streams.Motion) {
		if seen[name] {
			return fmt.Errorf("streams.motion.%s: duplicate stream name", name)
		}
		seen[name] = true
		if err := validateStream(streams.Motion[name], KindMotion, "streams.motion."+name); err != nil {
			return err
		}
	}

	return nil
}

func validateStream(sc StreamConfig, kind Kind, prefix string) error {
	switch sc.DeviceType {
	case DeviceUVC, DeviceFLIR:
		if kind != KindVideo {
			return fmt.Errorf("%s: device_type '%s' requires a video stream", prefix, sc.DeviceType)
		}
	case DeviceOdometry:
		if kind != KindMotion {
			return fmt.Errorf("%s: device_type '%s' requires a motion stream", prefix, sc.DeviceType)
		}
	case "":
		return fmt.Errorf("%s: 'device_type' is required", prefix)
	default:
		return fmt.Errorf("%s: device_type must be 'uvc', 'flir' or 'odometry', got: %s", prefix, sc.DeviceType)
	}

	if kind == KindVideo {
		if sc.Resolution == "" {
			return fmt.Errorf("%s: 'resolution' is required for video streams", prefix)
		}
		if _, _, err := sc.Resolution2D(); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}

	if sc.FPS <= 0 {
		return fmt.Errorf("%s: 'fps' must be > 0, got: %.2f", prefix, sc.FPS)
	}

	return nil
}

func validateRecordCommand(root *RootConfig) error {
	rec := root.Commands.Record

	switch rec.Policy {
	case "", "here", "overwrite", "new_folder":
	default:
		return fmt.Errorf("commands.record.policy must be 'here', 'overwrite' or 'new_folder', got: %s", rec.Policy)
	}

	if rec.Duration < 0 {
		return fmt.Errorf("commands.record.duration must be >= 0, got: %s", rec.Duration)
	}

	for _, name := range sortedKeys(rec.Video) {
		if _, ok := root.Streams.Video[name]; !ok {
			return fmt.Errorf("commands.record.video references undefined stream '%s'", name)
		}
	}
	for _, name := range sortedKeys(rec.Motion) {
		if _, ok := root.Streams.Motion[name]; !ok {
			return fmt.Errorf("commands.record.motion references undefined stream '%s'", name)
		}
	}
	for _, name := range rec.Intrinsics {
		if _, ok := root.Streams.Video[name]; !ok {
			return fmt.Errorf("commands.record.intrinsics references undefined video stream '%s'", name)
		}
	}
	for _, name := range rec.Extrinsics {
		if _, ok := root.Streams.Video[name]; !ok {
			return fmt.Errorf("commands.record.extrinsics references undefined video stream '%s'", name)
		}
	}

	seenFields := make(map[string]bool)
	for i, field := range rec.Metadata {
		if field.Field == "" {
			return fmt.Errorf("commands.record.metadata[%d]: 'field' is required", i)
		}
		if seenFields[field.Field] {
			return fmt.Errorf("commands.record.metadata[%d]: duplicate field '%s'", i, field.Field)
		}
		seenFields[field.Field] = true
	}

	if rec.ProfileSelector != "" && !seenFields[rec.ProfileSelector] {
		return fmt.Errorf("commands.record.profile_selector '%s' is not a metadata field", rec.ProfileSelector)
	}

	return nil
}

func validateProfiles(root *RootConfig) error {
	for _, name := range sortedKeys(root.Profiles) {
		profile := root.Profiles[name]
		for stream := range profile.Video {
			if _, ok := root.Streams.Video[stream]; !ok {
				return fmt.Errorf("profiles.%s.video references undefined stream '%s'", name, stream)
			}
		}
		for stream := range profile.Motion {
			if _, ok := root.Streams.Motion[stream]; !ok {
				return fmt.Errorf("profiles.%s.motion references undefined stream '%s'", name, stream)
			}
		}
	}
	return nil
}
