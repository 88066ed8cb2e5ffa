package script

import (
	"context"
)

// Value is the result of evaluating an expression
type Value interface {
	// Value returns the Go form of the result
	Value() any

	// String returns the result formatted for messages
	String() string

	// IsTruthy reports whether the result counts as a passing check
	IsTruthy() bool
}

// Script is a compiled expression
type Script interface {
	Source() string
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles expression source into a Script
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
