// Package artifacts copies previously estimated camera parameter files
// (intrinsics/extrinsics) into a finished recording folder, keyed by device
// identity and renamed to the stream they belong to.
package artifacts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrMissing means no parameter file for the device exists in the source
// folder. Non-fatal at the session level: the raw data already exists.
var ErrMissing = errors.New("no camera parameters found for device")

// Copy looks up <device_uid>.<ext> in srcFolder (spaces in the uid mapped
// to underscores) and copies it to dstFolder as <stream_name>.<ext>.
func Copy(streamName, deviceUID, srcFolder, dstFolder, ext string) error {
	srcName := strings.ReplaceAll(deviceUID, " ", "_") + "." + ext
	srcPath := filepath.Join(srcFolder, srcName)

	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: '%s' in %s", ErrMissing, deviceUID, srcFolder)
		}
		return fmt.Errorf("failed to read %s: %w", srcPath, err)
	}
	defer src.Close()

	dstPath := filepath.Join(dstFolder, streamName+"."+ext)
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dstPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", srcPath, dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dstPath, err)
	}

	return nil
}
