package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditLog appends policy events to a JSON Lines file
type AuditLog struct {
	file *os.File
	mu   sync.Mutex
	now  func() time.Time
}

// NewAuditLog creates a new audit log
func NewAuditLog(path string) (*AuditLog, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	// Open log file in append mode
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &AuditLog{
		file: file,
		now:  time.Now,
	}, nil
}

// Log writes an event, filling in ID and Timestamp when unset
func (a *AuditLog) Log(event PolicyEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Write as JSON Lines format (one JSON object per line)
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return a.file.Sync()
}

// Close closes the audit log file
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}

	return nil
}

// ReadAuditLog reads events from an audit log file, optionally only those
// for one container
func ReadAuditLog(path, containerID string) ([]PolicyEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer file.Close()

	var events []PolicyEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}

		var event PolicyEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// Skip invalid lines
			continue
		}
		if containerID != "" && event.ContainerID != containerID {
			continue
		}
		events = append(events, event)
	}

	return events, scanner.Err()
}
