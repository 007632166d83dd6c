package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileLogger writes audit events as JSON lines, rotating by size
type FileLogger struct {
	basePath string
	file     *os.File
	mu       sync.Mutex
	encoder  *json.Encoder
	rotate   bool
	maxSize  int64 // Max file size in bytes before rotation
	maxFiles int   // Max number of rotated files to keep
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // Directory for audit logs
	Rotate   bool   // Enable log rotation
	MaxSize  int64  // Max file size in bytes (default: 100MB)
	MaxFiles int    // Max number of rotated files to keep (default: 10)
}

// DefaultFileLoggerConfig returns default configuration
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		BasePath: "/var/log/taskforge/audit",
		Rotate:   true,
		MaxSize:  100 * 1024 * 1024,
		MaxFiles: 10,
	}
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	logger := &FileLogger{
		basePath: config.BasePath,
		rotate:   config.Rotate,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
	}

	if logger.maxSize == 0 {
		logger.maxSize = 100 * 1024 * 1024
	}
	if logger.maxFiles == 0 {
		logger.maxFiles = 10
	}

	if err := logger.openLogFile(); err != nil {
		return nil, err
	}

	return logger, nil
}

func (l *FileLogger) currentPath() string {
	return filepath.Join(l.basePath, "audit.log")
}

// openLogFile opens or creates the current log file, rotating first when
// it is already full
func (l *FileLogger) openLogFile() error {
	if l.rotate {
		if info, err := os.Stat(l.currentPath()); err == nil && info.Size() >= l.maxSize {
			if err := l.rotateFile(); err != nil {
				return fmt.Errorf("failed to rotate log file: %w", err)
			}
		}
	}

	file, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}

	l.file = file
	l.encoder = json.NewEncoder(file)

	return nil
}

// rotateFile renames the current file with a timestamp suffix
func (l *FileLogger) rotateFile() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	timestamp := time.Now().UTC().Format("2006-01-02-15-04-05.000000000")
	rotated := filepath.Join(l.basePath, fmt.Sprintf("audit-%s.log", timestamp))

	if err := os.Rename(l.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	return l.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest rotated files beyond the retention limit
func (l *FileLogger) cleanupOldFiles() error {
	files, err := filepath.Glob(filepath.Join(l.basePath, "audit-*.log"))
	if err != nil {
		return err
	}
	if len(files) <= l.maxFiles {
		return nil
	}

	// the timestamp suffix sorts chronologically
	sort.Strings(files)
	for _, file := range files[:len(files)-l.maxFiles] {
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove old audit log %s: %w", file, err)
		}
	}
	return nil
}

// Log appends an audit event to the current file
func (l *FileLogger) Log(ctx context.Context, event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log file is closed")
	}

	if l.rotate {
		if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
			if err := l.openLogFile(); err != nil {
				return fmt.Errorf("failed to rotate log file: %w", err)
			}
		}
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	return nil
}

// ReadLogs reads up to count events from the current file; count <= 0 reads all
func (l *FileLogger) ReadLogs(count int) ([]*AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.currentPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var events []*AuditEvent
	decoder := json.NewDecoder(file)

	for count <= 0 || len(events) < count {
		var event AuditEvent
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, &event)
	}

	return events, nil
}

// Close closes the current file
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
