package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/simflow"
)

// CommandProcessor implements simflow.AcceleratedProcessor with an external
// command. The request is written to the command's stdin as JSON and the
// command prints {"superseded": [...]} naming the tasks it produced.
type CommandProcessor struct {
	command string
	args    []string
	dir     string
	logger  *slog.Logger
}

var _ simflow.AcceleratedProcessor = (*CommandProcessor)(nil)

type processorOutput struct {
	Superseded []string `json:"superseded"`
}

func NewCommandProcessor(command string, args []string, dir string, logger *slog.Logger) *CommandProcessor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CommandProcessor{command: command, args: args, dir: dir, logger: logger}
}

func (p *CommandProcessor) Process(ctx context.Context, req simflow.AcceleratedRequest) ([]string, error) {
	if p.command == "" {
		return nil, fmt.Errorf("accelerated command is not configured")
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode accelerated request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Dir = p.dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with code %d: %s",
				p.command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("failed to execute %s: %w", p.command, err)
	}

	var out processorOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("invalid output from %s: %w", p.command, err)
	}
	for _, task := range out.Superseded {
		if !slices.Contains(req.Tasks, task) {
			return nil, fmt.Errorf("%s reported unknown task %q", p.command, task)
		}
	}
	p.logger.Debug("accelerated processor finished", "year", req.Year, "superseded", out.Superseded)
	return out.Superseded, nil
}
