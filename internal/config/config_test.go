package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testConfig = `
version: "1.0"

commands:
  record:
    folder: "{cwd}/recordings/{subject_id}"
    policy: new_folder
    duration: 5m
    metadata:
      - field: subject_id
      - field: lighting
        default: indoor
    profile_selector: lighting
    video:
      world:
        codec: h264
        encoder_kwargs:
          crf: "18"
      eye0: {}
    motion:
      odometry: {}
    intrinsics: [world]
    extrinsics: [world]

  estimate_cam_params:
    folder: "{cfgd}/cam_params"

streams:
  video:
    world:
      device_type: flir
      device_uid: "19238576"
      resolution: 2048x1536
      fps: 30
      color_format: bayer_rggb8
      codec: mjpeg
      controls:
        GainAuto: Continuous
    eye0:
      device_type: uvc
      device_uid: "Pupil Cam2 ID0"
      resolution: 192x192
      fps: 120
  motion:
    odometry:
      device_type: odometry
      device_uid: t265
      fps: 200

profiles:
  indoor:
    video:
      world:
        fps: 15
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vedcap.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	root, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if root.Commands.Record.Policy != "new_folder" {
		t.Errorf("Expected policy new_folder, got %s", root.Commands.Record.Policy)
	}
	if root.Commands.Record.Duration != 5*time.Minute {
		t.Errorf("Expected duration 5m, got %s", root.Commands.Record.Duration)
	}
	if root.Commands.Record.ProfileSelector != "lighting" {
		t.Errorf("Expected profile_selector lighting, got %s", root.Commands.Record.ProfileSelector)
	}
	if root.Dir != filepath.Dir(path) {
		t.Errorf("Expected config dir %s, got %s", filepath.Dir(path), root.Dir)
	}

	// metadata schema keeps declaration order
	md := root.Commands.Record.Metadata
	if len(md) != 2 || md[0].Field != "subject_id" || md[1].Field != "lighting" {
		t.Fatalf("Unexpected metadata schema: %+v", md)
	}
	if md[0].Default != nil {
		t.Errorf("subject_id should have no default, got %v", *md[0].Default)
	}
	if md[1].Default == nil || *md[1].Default != "indoor" {
		t.Errorf("lighting default should be 'indoor', got %v", md[1].Default)
	}

	// names and kinds are filled in from the map keys
	world := root.Streams.Video["world"]
	if world.Name != "world" || world.Kind != KindVideo {
		t.Errorf("Stream identity not normalized: %+v", world)
	}
	if w, h, err := world.Resolution2D(); err != nil || w != 2048 || h != 1536 {
		t.Errorf("Resolution parse: %dx%d, err=%v", w, h, err)
	}

	odo := root.Streams.Motion["odometry"]
	if odo.Kind != KindMotion || odo.DeviceType != DeviceOdometry {
		t.Errorf("Motion stream not normalized: %+v", odo)
	}
}

func TestRecordingStreams(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	root, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	configs, err := root.RecordingStreams(root.Streams)
	if err != nil {
		t.Fatalf("RecordingStreams failed: %v", err)
	}
	if len(configs) != 3 {
		t.Fatalf("Expected 3 recording streams, got %d", len(configs))
	}

	// video sorted by name first, then motion
	if configs[0].Name != "eye0" || configs[1].Name != "world" || configs[2].Name != "odometry" {
		t.Errorf("Unexpected stream order: %s, %s, %s", configs[0].Name, configs[1].Name, configs[2].Name)
	}

	// recorder settings override the stream's own codec
	var world StreamConfig
	for _, c := range configs {
		if c.Name == "world" {
			world = c
		}
	}
	if world.Codec != "h264" {
		t.Errorf("Expected record command codec h264 to win, got %s", world.Codec)
	}
	if world.EncoderArgs["crf"] != "18" {
		t.Errorf("Expected encoder_kwargs merged, got %v", world.EncoderArgs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
	if _, err := Load(""); err == nil {
		t.Error("Expected error for empty config path")
	}
}
