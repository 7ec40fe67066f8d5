// Package tmux drives the terminal multiplexer through its command line,
// either locally or on a remote host over ssh.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/model"
)

type RunResult struct {
	Output   string
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// CommandError carries the combined output of a failed command so callers
// can tell "no such session" apart from an unreachable host.
type CommandError struct {
	Command []string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Command, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Command, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

type Executor struct {
	cfg    config.Config
	runner Runner
	host   string
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{
		cfg:    cfg,
		runner: OSRunner{},
		host:   strings.TrimSpace(cfg.TmuxHost),
	}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

// Host is the ssh connection ref, empty for the local machine.
func (e *Executor) Host() string {
	return e.host
}

func (e *Executor) Run(ctx context.Context, command []string) (RunResult, error) {
	if len(command) == 0 {
		return RunResult{}, fmt.Errorf("empty command")
	}

	maxAttempts := 1
	if isRetryableCommand(command) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		timeout := e.cfg.CommandTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		var (
			out []byte
			err error
		)
		if e.host == "" {
			out, err = e.runner.Run(runCtx, command[0], command[1:]...)
		} else {
			args, argErr := e.buildSSHArgs(e.host, command)
			if argErr != nil {
				cancel()
				return RunResult{}, argErr
			}
			out, err = e.runner.Run(runCtx, "ssh", args...)
		}
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = &CommandError{Command: command, Output: string(out), Err: err}
		if isDefinitive(string(out)) {
			break
		}

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}

	var cmdErr *CommandError
	if errors.As(lastErr, &cmdErr) && isDefinitive(cmdErr.Output) {
		return RunResult{}, lastErr
	}
	return RunResult{}, fmt.Errorf("%w: %w", model.ErrHostUnavailable, lastErr)
}

func (e *Executor) buildSSHArgs(connectionRef string, command []string) ([]string, error) {
	if strings.TrimSpace(connectionRef) == "" {
		return nil, fmt.Errorf("ssh connection ref is required")
	}
	if strings.HasPrefix(strings.TrimSpace(connectionRef), "-") {
		return nil, fmt.Errorf("invalid ssh connection ref")
	}
	connectTimeout := int(e.cfg.ConnectTimeout.Seconds())
	if connectTimeout <= 0 {
		connectTimeout = 3
	}
	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", connectTimeout),
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=60",
		connectionRef,
	}
	// The remote shell re-splits the command line.
	for _, arg := range command {
		args = append(args, shellQuote(arg))
	}
	return args, nil
}

func BuildTmuxCommand(args ...string) []string {
	cmd := make([]string, 0, len(args)+1)
	cmd = append(cmd, "tmux")
	cmd = append(cmd, args...)
	return cmd
}

func isRetryableCommand(command []string) bool {
	if len(command) < 2 {
		return false
	}
	if command[0] != "tmux" {
		return false
	}
	switch strings.ToLower(command[1]) {
	case "list-sessions", "has-session", "display-message", "capture-pane", "show-options":
		return true
	default:
		return false
	}
}

// isDefinitive reports tmux answers that retrying cannot change.
func isDefinitive(output string) bool {
	return isMissingSession(output) || isNoServer(output) || isDuplicateSession(output)
}

func isDuplicateSession(output string) bool {
	return strings.Contains(strings.ToLower(output), "duplicate session")
}

func isMissingSession(output string) bool {
	o := strings.ToLower(output)
	return strings.Contains(o, "can't find session") ||
		strings.Contains(o, "session not found")
}

func isNoServer(output string) bool {
	o := strings.ToLower(output)
	return strings.Contains(o, "no server running") ||
		(strings.Contains(o, "error connecting to") && strings.Contains(o, "no such file or directory"))
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
