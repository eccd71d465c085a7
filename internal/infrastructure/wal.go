package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WALEntry is one spilled record in the write-ahead log.
type WALEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
}

// WAL is an append-only local spill file. Batches land here when the
// downstream queue is unreachable and are drained later by the replay
// command.
type WAL struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
}

// NewWAL opens (or creates) the write-ahead log at path.
func NewWAL(path string) (*WAL, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	return &WAL{
		path:         path,
		file:         file,
		currentSize:  stat.Size(),
		rotationSize: 100 * 1024 * 1024, // 100MB
	}, nil
}

// Append durably records a payload under a subject. The write is synced
// before returning so an accepted batch survives a crash.
func (w *WAL) Append(subject string, data interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL payload: %w", err)
	}

	entry := WALEntry{
		ID:        generateID(),
		Timestamp: time.Now(),
		Subject:   subject,
		Data:      raw,
	}
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.file.Write(entryBytes); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if _, err := w.file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline to WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.currentSize += int64(len(entryBytes) + 1)
	if w.currentSize > w.rotationSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	return nil
}

// ReadAll returns every entry currently in the log. Corrupted lines (torn
// writes from a crash) are skipped.
func (w *WAL) ReadAll() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var entries []WALEntry
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAL: %w", err)
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of WAL: %w", err)
	}
	return entries, nil
}

// Truncate discards all entries. Called after a successful replay.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAL: %w", err)
	}
	w.currentSize = 0
	return nil
}

// rotate archives the current file and starts a fresh one.
func (w *WAL) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}

	archivePath := fmt.Sprintf("%s.%d", w.path, time.Now().Unix())
	if err := os.Rename(w.path, archivePath); err != nil {
		return fmt.Errorf("failed to archive WAL file: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create new WAL file: %w", err)
	}

	w.file = file
	w.currentSize = 0
	return nil
}

// Close syncs and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL before closing: %w", err)
		}
		return w.file.Close()
	}
	return nil
}

// Stats returns WAL statistics for the health endpoint.
func (w *WAL) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"path":          w.path,
		"size":          w.currentSize,
		"rotation_size": w.rotationSize,
	}
}

func generateID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
}
