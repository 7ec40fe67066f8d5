// Package stream binds a live client to a multiplexer session: a tmux
// client is attached under a pseudo-terminal and its output is forwarded
// as opaque chunks. Closing a stream detaches the client; the session
// keeps running.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/rs/zerolog"

	"github.com/g960059/cttmux/internal/logx"
)

const (
	defaultCols = 120
	defaultRows = 40
	readBufSize = 32 * 1024
)

// OutputFunc receives a private copy of every chunk read from the binding.
type OutputFunc func(data []byte)

type Stream interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Close() error
	// Done is closed once the attached client exits for any reason.
	Done() <-chan struct{}
}

type Attacher interface {
	Attach(ctx context.Context, sessionName string, onOutput OutputFunc) (Stream, error)
}

// PTYAttacher runs `tmux attach-session` locally or through ssh.
type PTYAttacher struct {
	Host           string
	ConnectTimeout int
	Cols           int
	Rows           int
	Log            zerolog.Logger
}

func NewPTYAttacher(host string, connectTimeoutSeconds int, log zerolog.Logger) *PTYAttacher {
	return &PTYAttacher{
		Host:           strings.TrimSpace(host),
		ConnectTimeout: connectTimeoutSeconds,
		Cols:           defaultCols,
		Rows:           defaultRows,
		Log:            logx.Component(log, "stream"),
	}
}

func (a *PTYAttacher) command(ctx context.Context, sessionName string) (*exec.Cmd, error) {
	target := "=" + sessionName
	if a.Host == "" {
		return exec.CommandContext(ctx, "tmux", "attach-session", "-t", target), nil
	}
	if strings.HasPrefix(a.Host, "-") {
		return nil, fmt.Errorf("invalid ssh connection ref")
	}
	timeout := a.ConnectTimeout
	if timeout <= 0 {
		timeout = 3
	}
	return exec.CommandContext(ctx, "ssh", "-t",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout="+strconv.Itoa(timeout),
		a.Host,
		"tmux", "attach-session", "-t", "'"+target+"'",
	), nil
}

func (a *PTYAttacher) Attach(ctx context.Context, sessionName string, onOutput OutputFunc) (Stream, error) {
	if strings.TrimSpace(sessionName) == "" {
		return nil, fmt.Errorf("attach: empty session name")
	}
	// The binding outlives the request that created it.
	cmd, err := a.command(context.WithoutCancel(ctx), sessionName)
	if err != nil {
		return nil, err
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	cols, rows := a.Cols, a.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = defaultCols, defaultRows
	}
	// tmux renders nothing into a 0x0 terminal.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", sessionName, err)
	}
	s := &ptyStream{
		cmd:  cmd,
		file: ptmx,
		done: make(chan struct{}),
		log:  a.Log.With().Str("session", sessionName).Logger(),
	}
	go s.readLoop(onOutput)
	return s, nil
}

type ptyStream struct {
	cmd       *exec.Cmd
	file      *os.File
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func (s *ptyStream) readLoop(onOutput OutputFunc) {
	defer func() {
		_ = s.cmd.Wait()
		close(s.done)
	}()
	buf := make([]byte, readBufSize)
	for {
		n, err := s.file.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Debug().Err(err).Msg("pty read ended")
			}
			return
		}
	}
}

func (s *ptyStream) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *ptyStream) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return pty.Setsize(s.file, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close stops the attached tmux client only.
func (s *ptyStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err = s.file.Close()
	})
	return err
}

func (s *ptyStream) Done() <-chan struct{} {
	return s.done
}
