package decoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command runs an external decoder executable once per payload: the
// normalized record is written to stdin and the decoded JSON is read from
// stdout.
type Command struct {
	path    string
	args    []string
	timeout time.Duration
}

// NewCommand resolves cmdline (program followed by arguments) on PATH.
func NewCommand(cmdline string, timeout time.Duration) (*Command, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, fmt.Errorf("decoder command is empty")
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, fmt.Errorf("decoder command %q: %w", fields[0], err)
	}
	return &Command{path: path, args: fields[1:], timeout: timeout}, nil
}

// DecodeBLE implements Capability.
func (c *Command) DecodeBLE(ctx context.Context, payload []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w (stderr: %s)", c.path, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
