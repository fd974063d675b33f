package detach

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Invoker hands the encoded run payload to whatever executes the
// detached build: a queue submitter, a cloud function trigger, or a
// local runner process.
type Invoker interface {
	Invoke(ctx context.Context, payload []byte) error
}

// CommandInvoker pipes the payload to a configured command's stdin.
// It covers both local runs (command is the runner binary itself) and
// bridged setups where the command forwards the payload elsewhere.
type CommandInvoker struct {
	command string
	args    []string

	// Stdout and Stderr receive the invoked command's output. They
	// default to the parent process streams so a locally invoked
	// runner stays visible.
	Stdout io.Writer
	Stderr io.Writer
}

func NewCommandInvoker(command string, args []string) (*CommandInvoker, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("invoke command is required")
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("invoke command not found: %w", err)
	}
	return &CommandInvoker{command: command, args: args}, nil
}

func (ci *CommandInvoker) Invoke(ctx context.Context, payload []byte) error {
	cmd := exec.CommandContext(ctx, ci.command, ci.args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = ci.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = ci.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("invoke %s failed: %w", ci.command, err)
	}
	return nil
}
