package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	activeLogName  = "audit.log"
	rotatedPattern = "audit-*.log"
	rotatedLayout  = "20060102T150405.000000000"
)

// FileLogger appends events as JSON lines to <Dir>/audit.log. When the file
// reaches MaxSize it is renamed to audit-<timestamp>.log and only the newest
// MaxFiles rotated files are kept.
type FileLogger struct {
	config FileLoggerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	Dir      string
	MaxSize  int64
	MaxFiles int
}

// DefaultFileLoggerConfig returns 64MB files with 8 rotated files kept
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		Dir:      "/var/log/plugd/audit",
		MaxSize:  64 << 20,
		MaxFiles: 8,
	}
}

// NewFileLogger opens the active log file, rotating it first if it is already full
func NewFileLogger(config FileLoggerConfig, logger *logrus.Logger) (*FileLogger, error) {
	defaults := DefaultFileLoggerConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = defaults.MaxFiles
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{config: config, logger: logger, now: time.Now}
	if err := l.open(); err != nil {
		return nil, err
	}
	if l.size >= config.MaxSize {
		if err := l.rotate(); err != nil {
			l.file.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *FileLogger) activePath() string {
	return filepath.Join(l.config.Dir, activeLogName)
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// rotate must be called with mu held
func (l *FileLogger) rotate() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	rotated := filepath.Join(l.config.Dir, fmt.Sprintf("audit-%s.log", l.now().UTC().Format(rotatedLayout)))
	if err := os.Rename(l.activePath(), rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	l.prune()
	return l.open()
}

func (l *FileLogger) prune() {
	files, err := filepath.Glob(filepath.Join(l.config.Dir, rotatedPattern))
	if err != nil || len(files) <= l.config.MaxFiles {
		return
	}
	sort.Strings(files)
	for _, f := range files[:len(files)-l.config.MaxFiles] {
		if err := os.Remove(f); err != nil {
			l.logger.Warnf("Failed to remove rotated audit log %s: %v", f, err)
		}
	}
}

// Log appends one event
func (l *FileLogger) Log(ctx context.Context, event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if l.size > 0 && l.size+int64(len(line)) > l.config.MaxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (l *FileLogger) LogAccess(ctx context.Context, eventType EventType, pluginID, capability, path string, status EventStatus, message string) error {
	return l.Log(ctx, accessEvent(ctx, eventType, pluginID, capability, path, status, message))
}

func (l *FileLogger) LogLifecycle(ctx context.Context, eventType EventType, pluginID string, status EventStatus, message string) error {
	return l.Log(ctx, lifecycleEvent(ctx, eventType, pluginID, status, message))
}

func (l *FileLogger) LogHTTPRequest(ctx context.Context, r *http.Request, statusCode int, duration time.Duration, err error) error {
	return l.Log(ctx, httpEvent(ctx, r, statusCode, duration, err))
}

// Close closes the active file. Later Log calls fail.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Tail returns up to n of the newest events in the active file, oldest first.
// Lines that are not valid events are skipped.
func (l *FileLogger) Tail(n int) ([]*AuditEvent, error) {
	f, err := os.Open(l.activePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []*AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		events = append(events, &event)
		if n > 0 && len(events) > n {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return events, nil
}
