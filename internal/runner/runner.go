// Package runner spawns the external tool scripts. Every invocation
// gets a hard wall-clock deadline, runs from the repository root with
// the parent environment, and yields an exit code plus combined
// stdout+stderr capped at a fixed size.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// maxCapturedChars caps combined output before it is handed to the
// dispatcher and the inspectors.
const maxCapturedChars = 15000

// truncationMarker is appended when captured output is cut.
const truncationMarker = "\n...[truncated]"

// timeoutExitCode is reported when the deadline kills the child.
const timeoutExitCode = 124

// Exec runs tool scripts relative to the repository root.
type Exec struct {
	RootDir        string
	DefaultTimeout time.Duration
}

// Run executes args[0] with the remaining arguments and returns the
// exit code and trimmed combined output. A zero timeout falls back to
// DefaultTimeout. A deadline kill surfaces as exit 124 with a timeout
// note appended to whatever output was captured.
func (e *Exec) Run(args []string, timeout time.Duration) (int, string) {
	if len(args) == 0 {
		return 1, "no command given"
	}
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = e.RootDir
	cmd.Env = os.Environ()

	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if len(text) > maxCapturedChars {
		text = text[:maxCapturedChars] + truncationMarker
	}

	if ctx.Err() == context.DeadlineExceeded {
		note := fmt.Sprintf("command timed out after %s", timeout)
		if text == "" {
			return timeoutExitCode, note
		}
		return timeoutExitCode, text + "\n" + note
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), text
		}
		// Spawn failure (missing script, permission). The error text is
		// the only output there is.
		if text == "" {
			return 1, err.Error()
		}
		return 1, text + "\n" + err.Error()
	}

	return 0, text
}
