package stream

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/visionlabs/vedcap/internal/config"
	"github.com/visionlabs/vedcap/internal/device"
)

// Sink persists samples for one stream and reports the byte offset of every
// retained record, so the timestamp index can point back into the file.
type Sink interface {
	Append(sample device.Sample) (offset int64, err error)
	Close() error
}

// FileSink appends sample payloads to a single output file. Video streams
// write frames back to back (the index delimits them); motion streams write
// length-prefixed records so the log can be parsed on its own.
type FileSink struct {
	file     *os.File
	filename string
	offset   int64
	framed   bool
}

// NewVideoSink opens the media file for a video stream. The file extension
// is the configured codec name.
func NewVideoSink(folder string, cfg config.StreamConfig) (*FileSink, error) {
	codec := cfg.Codec
	if codec == "" {
		codec = "raw"
	}
	return newFileSink(folder, cfg.Name+"."+codec, false)
}

// NewMotionSink opens the time-series log for a motion stream.
func NewMotionSink(folder string, cfg config.StreamConfig) (*FileSink, error) {
	return newFileSink(folder, cfg.Name+".mlog", true)
}

func newFileSink(folder, filename string, framed bool) (*FileSink, error) {
	path := filepath.Join(folder, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file %s: %w", path, err)
	}
	return &FileSink{file: f, filename: filename, framed: framed}, nil
}

// Filename returns the output file name relative to the session folder.
func (s *FileSink) Filename() string { return s.filename }

func (s *FileSink) Append(sample device.Sample) (int64, error) {
	offset := s.offset

	if s.framed {
		var header [20]byte
		binary.LittleEndian.PutUint64(header[0:], sample.Seq)
		binary.LittleEndian.PutUint64(header[8:], uint64(sample.Timestamp.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:], uint32(len(sample.Data)))
		n, err := s.file.Write(header[:])
		s.offset += int64(n)
		if err != nil {
			return 0, fmt.Errorf("write failed at offset %d: %w", offset, err)
		}
	}

	n, err := s.file.Write(sample.Data)
	s.offset += int64(n)
	if err != nil {
		return 0, fmt.Errorf("write failed at offset %d: %w", offset, err)
	}

	return offset, nil
}

func (s *FileSink) Close() error {
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to sync %s: %w", s.filename, err)
	}
	return s.file.Close()
}
