package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
)

const maxLogSize = 10 << 20

// setupLogFile sends the standard logger to debug.log in dir
// as well as stderr. Failure to open the file only warns.
func setupLogFile(dir string) {
	path := filepath.Join(dir, "debug.log")
	truncateLogFile(path, maxLogSize)
	f, err := os.OpenFile(path,
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("warning: cannot open log file: %v", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}

// truncateLogFile empties path once it exceeds limit bytes.
// Symlinks are left alone.
func truncateLogFile(path string, limit int64) {
	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return
	}
	if info.Size() > limit {
		_ = os.Truncate(path, 0)
	}
}
