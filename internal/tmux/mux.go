package tmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/tmuxfmt"
)

// Multiplexer is the capability set the engine needs from the backend.
type Multiplexer interface {
	CreateSession(ctx context.Context, name, workingDir, command string) error
	ListSessions(ctx context.Context) ([]model.SessionInfo, error)
	KillSession(ctx context.Context, name string) error
	HasSession(ctx context.Context, name string) (bool, error)
	SendKeys(ctx context.Context, name, data string) error
	CapturePane(ctx context.Context, name string, lines int) (string, error)
	Resize(ctx context.Context, name string, cols, rows int) error
}

// ErrDuplicateSession means new-session found the name already taken.
var ErrDuplicateSession = errors.New("duplicate session")

type Client struct {
	executor *Executor
}

var _ Multiplexer = (*Client)(nil)

func NewClient(executor *Executor) *Client {
	return &Client{executor: executor}
}

func (c *Client) CreateSession(ctx context.Context, name, workingDir, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if strings.TrimSpace(workingDir) != "" {
		args = append(args, "-c", workingDir)
	}
	if strings.TrimSpace(command) != "" {
		args = append(args, command)
	}
	if _, err := c.executor.Run(ctx, BuildTmuxCommand(args...)); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isDuplicateSession(cmdErr.Output) {
			return fmt.Errorf("create session %s: %w", name, ErrDuplicateSession)
		}
		return fmt.Errorf("create session %s: %w", name, err)
	}
	return nil
}

func (c *Client) ListSessions(ctx context.Context) ([]model.SessionInfo, error) {
	res, err := c.executor.Run(ctx, BuildTmuxCommand(
		"list-sessions",
		"-F",
		tmuxfmt.Join(
			"#{session_name}",
			"#{session_created}",
			"#{session_windows}",
			"#{session_attached}",
		),
	))
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isNoServer(cmdErr.Output) {
			return []model.SessionInfo{}, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return parseListSessionsOutput(res.Output)
}

func (c *Client) KillSession(ctx context.Context, name string) error {
	if _, err := c.executor.Run(ctx, BuildTmuxCommand("kill-session", "-t", exactSession(name))); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isDefinitive(cmdErr.Output) {
			return fmt.Errorf("kill session %s: %w", name, model.ErrNotFound)
		}
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	return nil
}

func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	if _, err := c.executor.Run(ctx, BuildTmuxCommand("has-session", "-t", exactSession(name))); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isDefinitive(cmdErr.Output) {
			return false, nil
		}
		return false, fmt.Errorf("has session %s: %w", name, err)
	}
	return true, nil
}

// SendKeys types data literally into the session's active pane.
func (c *Client) SendKeys(ctx context.Context, name, data string) error {
	if _, err := c.executor.Run(ctx, BuildTmuxCommand("send-keys", "-t", exactPane(name), "-l", data)); err != nil {
		return fmt.Errorf("send keys %s: %w", name, err)
	}
	return nil
}

func (c *Client) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-e", "-t", exactPane(name)}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	res, err := c.executor.Run(ctx, BuildTmuxCommand(args...))
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", name, err)
	}
	return res.Output, nil
}

func (c *Client) Resize(ctx context.Context, name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("resize %s: invalid size %dx%d: %w", name, cols, rows, model.ErrInvalidIntent)
	}
	_, err := c.executor.Run(ctx, BuildTmuxCommand(
		"resize-window", "-t", exactPane(name),
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows),
	))
	if err != nil {
		return fmt.Errorf("resize %s: %w", name, err)
	}
	return nil
}

func exactSession(name string) string {
	return "=" + name
}

func exactPane(name string) string {
	return "=" + name + ":"
}

func parseListSessionsOutput(output string) ([]model.SessionInfo, error) {
	s := bufio.NewScanner(strings.NewReader(output))
	sessions := make([]model.SessionInfo, 0)
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := tmuxfmt.SplitLine(line, 4)
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("invalid tmux list-sessions line: %q", line)
		}
		info := model.SessionInfo{Name: name}
		if len(parts) >= 2 {
			if secs, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil && secs > 0 {
				info.CreatedAt = time.Unix(secs, 0).UTC()
			}
		}
		if len(parts) >= 3 {
			info.Windows, _ = strconv.Atoi(strings.TrimSpace(parts[2]))
		}
		if len(parts) >= 4 {
			info.Attached, _ = strconv.Atoi(strings.TrimSpace(parts[3]))
		}
		sessions = append(sessions, info)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan tmux output: %w", err)
	}
	return sessions, nil
}
