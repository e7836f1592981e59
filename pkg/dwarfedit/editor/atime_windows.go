//go:build windows
// +build windows

package editor

import (
	"os"
	"time"
)

// statAtime has no cheap access-time API through os.FileInfo on Windows;
// --preserve-dates falls back to the modification time there.
func statAtime(info os.FileInfo) time.Time {
	return info.ModTime()
}
