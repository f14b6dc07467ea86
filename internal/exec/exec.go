package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const waitDelay = time.Second

// ErrLaunch is returned when the executable could not be started at all,
// e.g. it is not installed or not in $PATH.
var ErrLaunch = errors.New("unable to launch command")

// CommandError is returned when the command ran and exited with a non-zero status.
type CommandError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, e.Stderr)
}

// Command runs name with args and returns its stdout without the trailing newline.
// The process is killed if ctx expires before it exits.
func Command(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// children may keep stdout open after the kill
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var stout bytes.Buffer
	cmd.Stdout = &stout

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%s: %w", name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &CommandError{
				Name:     name,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return "", fmt.Errorf("%w %s: %v", ErrLaunch, name, err)
	}

	out := strings.TrimSuffix(stout.String(), "\n")
	return out, nil
}

// CommandPipe runs cmdString through `bash -c`, so pipes and quoting work
// as in a terminal. Errors are reported as in Command.
func CommandPipe(ctx context.Context, cmdString string) (string, error) {
	if strings.TrimSpace(cmdString) == "" {
		return "", errors.New("wrong cmd: " + cmdString)
	}
	return Command(ctx, "bash", "-c", cmdString)
}
