package session

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// minFreeGB is the free-space threshold below which a warning is logged
// before recording starts. Low disk space is not fatal; the writers surface
// the actual write error if the disk fills up.
const minFreeGB = 10.0

func checkDiskSpace(sessionFolder string) {
	var stat unix.Statfs_t
	if err := unix.Statfs(sessionFolder, &stat); err != nil {
		slog.Debug("Could not check free disk space", "folder", sessionFolder, "error", err)
		return
	}

	freeGB := float64(stat.Bavail) * float64(stat.Bsize) / (1 << 30)
	if freeGB < minFreeGB {
		slog.Warn("Low disk space for recording", "folder", sessionFolder, "free_gb", freeGB)
	} else {
		slog.Debug("Free disk space", "folder", sessionFolder, "free_gb", freeGB)
	}
}
