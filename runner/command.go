// Package runner executes simulation tasks through an external command line
// tool such as dbt.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/simflow"
)

// CommandRunnerOptions configures a CommandRunner
type CommandRunnerOptions struct {
	// Command is the executable, "dbt" by default
	Command string

	// Args are placed before the generated run arguments
	Args []string

	// ProjectDir is the working directory of the command
	ProjectDir string

	Environment map[string]string

	// Timeout bounds a single invocation. Zero means no timeout.
	Timeout time.Duration

	// Stdout and Stderr receive streamed output. They default to the
	// process's own streams.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// CommandRunner implements simflow.TaskRunner by invoking a command as
//
//	<command> <args> run --select <tasks> --vars <json> --threads <n> [--full-refresh]
type CommandRunner struct {
	command    string
	args       []string
	projectDir string
	env        map[string]string
	timeout    time.Duration
	stdout     io.Writer
	stderr     io.Writer
	logger     *slog.Logger
}

var _ simflow.TaskRunner = (*CommandRunner)(nil)

func NewCommandRunner(opts CommandRunnerOptions) *CommandRunner {
	if opts.Command == "" {
		opts.Command = simflow.DefaultRunnerCommand
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &CommandRunner{
		command:    opts.Command,
		args:       opts.Args,
		projectDir: opts.ProjectDir,
		env:        opts.Environment,
		timeout:    opts.Timeout,
		stdout:     opts.Stdout,
		stderr:     opts.Stderr,
		logger:     opts.Logger,
	}
}

// BuildArgs returns the full argument list for a request
func (r *CommandRunner) BuildArgs(req simflow.TaskRequest) ([]string, error) {
	if len(req.Selector) == 0 {
		return nil, fmt.Errorf("task selector cannot be empty")
	}
	vars, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task parameters: %w", err)
	}
	threads := req.Threads
	if threads < 1 {
		threads = 1
	}
	args := append([]string{}, r.args...)
	args = append(args, "run", "--select")
	args = append(args, req.Selector...)
	args = append(args, "--vars", string(vars), "--threads", strconv.Itoa(threads))
	if req.FullRefresh {
		args = append(args, "--full-refresh")
	}
	return args, nil
}

func (r *CommandRunner) Execute(ctx context.Context, req simflow.TaskRequest) (*simflow.TaskResult, error) {
	args, err := r.BuildArgs(req)
	if err != nil {
		return nil, err
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = r.projectDir
	cmd.Env = r.environment(req)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.StreamOutput {
		cmd.Stdout = io.MultiWriter(&stdout, r.stdout)
		cmd.Stderr = io.MultiWriter(&stderr, r.stderr)
	}

	r.logger.Debug("running task command",
		"command", r.command,
		"selector", strings.Join(req.Selector, " "),
		"year", req.Year,
		"threads", req.Threads,
		"full_refresh", req.FullRefresh)

	start := time.Now()
	err = cmd.Run()
	result := &simflow.TaskResult{
		Success:  err == nil,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("failed to execute %s: %w", r.command, err)
}

func (r *CommandRunner) environment(req simflow.TaskRequest) []string {
	env := os.Environ()
	for key, value := range r.env {
		env = append(env, key+"="+value)
	}
	env = append(env,
		"SIMFLOW_YEAR="+strconv.Itoa(req.Year),
		"SIMFLOW_STAGE="+req.Context.StageName,
		"SIMFLOW_EXECUTION_ID="+req.Context.ExecutionID,
	)
	return env
}
