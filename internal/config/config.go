package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Kind distinguishes the two stream families. Video streams produce frames
// encoded through a video sink, motion streams produce structured readings.
type Kind string

const (
	KindVideo  Kind = "video"
	KindMotion Kind = "motion"
)

// DeviceType identifies the hardware family behind a stream.
type DeviceType string

const (
	DeviceUVC      DeviceType = "uvc"
	DeviceFLIR     DeviceType = "flir"
	DeviceOdometry DeviceType = "odometry"
)

// StreamConfig is the effective configuration of one stream after profile
// resolution. DeviceUID empty means "auto-detect at most one matching device".
type StreamConfig struct {
	Name        string         `mapstructure:"-" yaml:"-"`
	Kind        Kind           `mapstructure:"-" yaml:"-"`
	DeviceType  DeviceType     `mapstructure:"device_type" yaml:"device_type"`
	DeviceUID   string         `mapstructure:"device_uid" yaml:"device_uid,omitempty"`
	Resolution  string         `mapstructure:"resolution" yaml:"resolution,omitempty"`
	FPS         float64        `mapstructure:"fps" yaml:"fps,omitempty"`
	ColorFormat string         `mapstructure:"color_format" yaml:"color_format,omitempty"`
	Controls    map[string]any `mapstructure:"controls" yaml:"controls,omitempty"`

	// Encoder settings, merged in from commands.record.video.<name>.
	Codec       string            `mapstructure:"codec" yaml:"codec,omitempty"`
	EncoderArgs map[string]string `mapstructure:"encoder_kwargs" yaml:"encoder_kwargs,omitempty"`
}

// Streams holds the declared stream configurations, keyed by name within
// each kind. Stream names are unique across both kinds.
type Streams struct {
	Video  map[string]StreamConfig `mapstructure:"video" yaml:"video"`
	Motion map[string]StreamConfig `mapstructure:"motion" yaml:"motion"`
}

// MetadataField is one entry of the ordered metadata schema. A nil Default
// means the field has no default and an empty answer stays empty.
type MetadataField struct {
	Field   string  `mapstructure:"field" yaml:"field"`
	Default *string `mapstructure:"default" yaml:"default,omitempty"`
}

// RecorderConfig carries the per-stream recorder settings from the record
// command section.
type RecorderConfig struct {
	Codec       string            `mapstructure:"codec" yaml:"codec,omitempty"`
	EncoderArgs map[string]string `mapstructure:"encoder_kwargs" yaml:"encoder_kwargs,omitempty"`
}

// RecordConfig configures the record command.
type RecordConfig struct {
	Folder          string                    `mapstructure:"folder" yaml:"folder"`
	Policy          string                    `mapstructure:"policy" yaml:"policy"`
	Duration        time.Duration             `mapstructure:"duration" yaml:"duration,omitempty"`
	Metadata        []MetadataField           `mapstructure:"metadata" yaml:"metadata,omitempty"`
	ProfileSelector string                    `mapstructure:"profile_selector" yaml:"profile_selector,omitempty"`
	Video           map[string]RecorderConfig `mapstructure:"video" yaml:"video"`
	Motion          map[string]RecorderConfig `mapstructure:"motion" yaml:"motion"`
	Intrinsics      []string                  `mapstructure:"intrinsics" yaml:"intrinsics,omitempty"`
	Extrinsics      []string                  `mapstructure:"extrinsics" yaml:"extrinsics,omitempty"`
}

// CamParamsConfig locates previously estimated camera parameters.
type CamParamsConfig struct {
	Folder string `mapstructure:"folder" yaml:"folder"`
}

type CommandsConfig struct {
	Record            RecordConfig    `mapstructure:"record" yaml:"record"`
	EstimateCamParams CamParamsConfig `mapstructure:"estimate_cam_params" yaml:"estimate_cam_params"`
}

// RootConfig is the top-level layered configuration: command settings, the
// base stream registry and named profiles overriding parts of it.
type RootConfig struct {
	Version  string             `mapstructure:"version" yaml:"version"`
	Commands CommandsConfig     `mapstructure:"commands" yaml:"commands"`
	Streams  Streams            `mapstructure:"streams" yaml:"streams"`
	Profiles map[string]Profile `mapstructure:"profiles" yaml:"profiles,omitempty"`

	// Directory holding the loaded config file, for {cfgd} folder templates.
	Dir string `mapstructure:"-" yaml:"-"`
}

// DefaultConfigPath returns the user config location used when no --config
// flag is given.
func DefaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/vedcap.yaml")
}

// Load reads and validates the layered configuration from configFile.
func Load(configFile string) (*RootConfig, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("VEDCAP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	abs, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("error resolving config path: %w", err)
	}
	root.Dir = filepath.Dir(abs)

	normalize(&root)

	if err := Validate(&root); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &root, nil
}

// normalize fills in stream names and kinds from the map keys and expands
// the folder templates' leading tilde.
func normalize(root *RootConfig) {
	for name, sc := range root.Streams.Video {
		sc.Name = name
		sc.Kind = KindVideo
		root.Streams.Video[name] = sc
	}
	for name, sc := range root.Streams.Motion {
		sc.Name = name
		sc.Kind = KindMotion
		root.Streams.Motion[name] = sc
	}
	root.Commands.Record.Folder = expandPath(root.Commands.Record.Folder)
	root.Commands.EstimateCamParams.Folder = expandPath(root.Commands.EstimateCamParams.Folder)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// RecordingStreams resolves the effective stream configurations for the
// record command: every stream listed under commands.record.video/motion,
// looked up in streams, with the recorder settings folded in. Order is the
// listing order of the command section (video first, then motion), sorted by
// name within each kind so runs are deterministic.
func (root *RootConfig) RecordingStreams(streams Streams) ([]StreamConfig, error) {
	var configs []StreamConfig

	for _, name := range sortedKeys(root.Commands.Record.Video) {
		sc, ok := streams.Video[name]
		if !ok {
			return nil, fmt.Errorf("commands.record.video: stream '%s' not defined in streams.video", name)
		}
		rec := root.Commands.Record.Video[name]
		if rec.Codec != "" {
			sc.Codec = rec.Codec
		}
		if len(rec.EncoderArgs) > 0 {
			sc.EncoderArgs = mergeStringMap(sc.EncoderArgs, rec.EncoderArgs)
		}
		configs = append(configs, sc)
	}

	for _, name := range sortedKeys(root.Commands.Record.Motion) {
		sc, ok := streams.Motion[name]
		if !ok {
			return nil, fmt.Errorf("commands.record.motion: stream '%s' not defined in streams.motion", name)
		}
		configs = append(configs, sc)
	}

	return configs, nil
}

// Resolution2D parses the stream's "WIDTHxHEIGHT" resolution setting.
func (c StreamConfig) Resolution2D() (width, height int, err error) {
	parts := strings.SplitN(c.Resolution, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution must be WIDTHxHEIGHT, got: %s", c.Resolution)
	}
	width, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution width: %s", parts[0])
	}
	height, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution height: %s", parts[1])
	}
	return width, height, nil
}

func mergeStringMap(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
