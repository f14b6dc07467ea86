// Package cli reads the GPU temperatures from the output of a command,
// `nvidia-smi` by default.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oblq/gpufan/internal/exec"
)

// DefaultCmd print one line per GPU with its core temperature.
const DefaultCmd = "nvidia-smi --query-gpu=temperature.gpu --format=csv,noheader"

var ErrNoReadings = errors.New("command returned no temperature")

var commandPipe = exec.CommandPipe

type Cli struct {
	cmd string
}

func New(cmd string) *Cli {
	if strings.TrimSpace(cmd) == "" {
		cmd = DefaultCmd
	}
	return &Cli{cmd: cmd}
}

func (cli *Cli) Name() string {
	return "cli"
}

func (cli *Cli) Open() error {
	return nil
}

func (cli *Cli) ShutDown() {}

// ReadAll runs the command through the shell, pipes allowed, and parses
// a temperature from every non-empty line.
func (cli *Cli) ReadAll(ctx context.Context) ([]int, error) {
	out, err := commandPipe(ctx, cli.cmd)
	if err != nil {
		return nil, fmt.Errorf("error querying GPU temperature: %w", err)
	}
	return parse(out)
}

func parse(out string) ([]int, error) {
	temps := make([]int, 0)
	for _, line := range strings.Split(out, "\n") {
		tString := strings.Trim(line, " .\r\t")
		if tString == "" {
			continue
		}
		temp, err := strconv.Atoi(tString)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GPU temperature %q: %w", line, err)
		}
		temps = append(temps, temp)
	}

	if len(temps) == 0 {
		return nil, ErrNoReadings
	}
	return temps, nil
}
