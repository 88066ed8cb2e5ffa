package simflow

import "context"

// NullTaskLogger is a no-op implementation of TaskLogger.
type NullTaskLogger struct{}

func NewNullTaskLogger() *NullTaskLogger {
	return &NullTaskLogger{}
}

func (l *NullTaskLogger) LogTask(ctx context.Context, entry *TaskLogEntry) error {
	return nil
}

func (l *NullTaskLogger) GetTaskHistory(ctx context.Context, runID string) ([]*TaskLogEntry, error) {
	return nil, nil
}
