package simflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileTaskLogger is an implementation of TaskLogger that logs to a file.
// A file is created per run. The file is formatted as newline-delimited JSON.
type FileTaskLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileTaskLogger(directory string) *FileTaskLogger {
	return &FileTaskLogger{directory: directory}
}

func (l *FileTaskLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileTaskLogger) GetTaskHistory(ctx context.Context, runID string) ([]*TaskLogEntry, error) {
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		return nil, err
	}
	var entries []*TaskLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry TaskLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// LogTask appends the entry to the run's file. Parallel batches log
// concurrently, so appends are serialized.
func (l *FileTaskLogger) LogTask(ctx context.Context, entry *TaskLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	filePath := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
