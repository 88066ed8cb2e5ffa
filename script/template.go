package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is a string with embedded ${...} expressions, used to render
// rule messages
type Template struct {
	raw      string
	literals []string
	scripts  []Script
}

// NewTemplate compiles every ${...} expression in raw
func NewTemplate(ctx context.Context, compiler Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in %q", raw)
	}
	t := &Template{raw: raw}
	last := 0
	for _, match := range templateExpr.FindAllStringSubmatchIndex(raw, -1) {
		t.literals = append(t.literals, raw[last:match[0]])
		script, err := compiler.Compile(ctx, raw[match[2]:match[3]])
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression: %w", err)
		}
		t.scripts = append(t.scripts, script)
		last = match[1]
	}
	t.literals = append(t.literals, raw[last:])
	return t, nil
}

// Render evaluates the embedded expressions and joins the result
func (t *Template) Render(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.scripts) == 0 {
		return t.raw, nil
	}
	var sb strings.Builder
	for i, script := range t.scripts {
		sb.WriteString(t.literals[i])
		value, err := script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to render template: %w", err)
		}
		sb.WriteString(value.String())
	}
	sb.WriteString(t.literals[len(t.literals)-1])
	return sb.String(), nil
}
