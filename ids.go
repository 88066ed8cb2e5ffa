package simflow

import "go.jetify.com/typeid"

// NewRunID returns a new identifier for one pipeline run
func NewRunID() string {
	return newID("run")
}

// NewExecutionID returns a new identifier for one stage invocation
func NewExecutionID() string {
	return newID("exec")
}

// NewTaskID returns a new identifier for one task runner invocation
func NewTaskID() string {
	return newID("task")
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
