package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

const defaultMaxSize = 2 * 1024 * 1024 // 2MB

// RotatingWriter appends to a log file and rotates it to path.1 ... path.N
// once it grows past maxSize.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
	backups int
}

// Setup sends the standard logger to stdout and a rotating file.
func Setup(logPath string, maxBytes, backups int) (*RotatingWriter, error) {
	rw, err := NewRotatingWriter(logPath, maxBytes, backups)
	if err != nil {
		return nil, err
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(io.MultiWriter(os.Stdout, rw))
	return rw, nil
}

func NewRotatingWriter(logPath string, maxBytes, backups int) (*RotatingWriter, error) {
	maxSize := int64(maxBytes)
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if backups < 0 {
		backups = 0
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	size := int64(0)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	rw := &RotatingWriter{
		file:    f,
		path:    logPath,
		size:    size,
		maxSize: maxSize,
		backups: backups,
	}
	if size > maxSize {
		rw.rotate()
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		w.rotate()
	}

	return n, err
}

func (w *RotatingWriter) rotate() {
	w.file.Close()

	if w.backups == 0 {
		os.Remove(w.path)
	} else {
		os.Remove(backupName(w.path, w.backups))
		for i := w.backups - 1; i >= 1; i-- {
			os.Rename(backupName(w.path, i), backupName(w.path, i+1))
		}
		os.Rename(w.path, backupName(w.path, 1))
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
