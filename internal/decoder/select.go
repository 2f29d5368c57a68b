package decoder

import (
	"fmt"
	"log/slog"
	"time"
)

// Backend names accepted by New.
const (
	BackendNone      = "none"
	BackendSwitchBot = "switchbot"
	BackendExec      = "exec"
)

// New returns the capability for backend, or nil for "none". An exec
// backend whose command cannot be found degrades to nil with a warning.
func New(backend, command string, timeout time.Duration) (Capability, error) {
	switch backend {
	case BackendNone:
		return nil, nil
	case BackendSwitchBot:
		return SwitchBot{}, nil
	case BackendExec:
		cmd, err := NewCommand(command, timeout)
		if err != nil {
			slog.Warn("decoder: external decoder unavailable, advertisements will not be decoded",
				"command", command,
				"error", err,
			)
			return nil, nil
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown decoder backend %q (allowed: none, switchbot, exec)", backend)
	}
}
