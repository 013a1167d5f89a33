package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogAppender is an output destination for encoded log entries.
// Appenders must be safe for concurrent Write calls.
type LogAppender interface {
	Write(p []byte) (int, error)
	Refresh()
}

// ConsoleAppender writes log entries to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

// NewConsoleAppender creates a stdout appender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (a *ConsoleAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return os.Stdout.Write(p)
}

// Refresh is a no-op for the console.
func (a *ConsoleAppender) Refresh() {}

// FileAppender writes log entries to a file, rotating when the file grows
// past the configured size threshold.
type FileAppender struct {
	mu       sync.Mutex
	path     string
	splitMB  int
	file     *os.File
	written  int64
	rotation int
}

// NewFileAppender creates a file appender for the configured log path.
// The directory is created on demand; open failures surface on first Write.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	return &FileAppender{
		path:    cfg.LogPath,
		splitMB: cfg.FileSplitMB,
	}
}

func (a *FileAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		if err := a.open(); err != nil {
			return 0, err
		}
	}

	if a.splitMB > 0 && a.written+int64(len(p)) > int64(a.splitMB)<<20 {
		if err := a.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := a.file.Write(p)
	a.written += int64(n)
	return n, err
}

// Refresh reopens the log file, picking up external rotation or path changes.
func (a *FileAppender) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}

func (a *FileAppender) open() error {
	if dir := filepath.Dir(a.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.written = info.Size()
	return nil
}

func (a *FileAppender) rotate() error {
	_ = a.file.Close()
	a.file = nil
	a.rotation++

	ext := filepath.Ext(a.path)
	base := a.path[:len(a.path)-len(ext)]
	_ = os.Rename(a.path, fmt.Sprintf("%s.%d%s", base, a.rotation, ext))

	a.written = 0
	return a.open()
}
