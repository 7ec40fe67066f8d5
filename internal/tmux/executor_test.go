package tmux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/model"
)

type fakeRunner struct {
	calls   []runnerCall
	results []runnerResult
}

type runnerCall struct {
	name string
	args []string
}

type runnerResult struct {
	out []byte
	err error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	if len(f.results) == 0 {
		return []byte("ok"), nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.out, r.err
}

func TestExecutorLocalCommandPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = nil
	r := &fakeRunner{}
	ex := NewExecutorWithRunner(cfg, r)

	result, err := ex.Run(context.Background(), []string{"tmux", "list-sessions"})
	if err != nil {
		t.Fatalf("run local command: %v", err)
	}
	if strings.TrimSpace(result.Output) != "ok" {
		t.Fatalf("unexpected output: %q", result.Output)
	}
	if len(r.calls) != 1 || r.calls[0].name != "tmux" {
		t.Fatalf("unexpected calls: %#v", r.calls)
	}
	if len(r.calls[0].args) != 1 || r.calls[0].args[0] != "list-sessions" {
		t.Fatalf("unexpected args: %#v", r.calls[0].args)
	}
}

func TestExecutorSSHCommandPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = nil
	cfg.TmuxHost = "vm1"
	r := &fakeRunner{}
	ex := NewExecutorWithRunner(cfg, r)

	_, err := ex.Run(context.Background(), []string{"tmux", "new-session", "-d", "-s", "ctt-shell-a1b2c3", "htop -d 5"})
	if err != nil {
		t.Fatalf("run ssh command: %v", err)
	}
	if len(r.calls) != 1 || r.calls[0].name != "ssh" {
		t.Fatalf("expected one ssh call, got %#v", r.calls)
	}
	joined := strings.Join(r.calls[0].args, " ")
	if !strings.Contains(joined, "vm1 tmux new-session -d -s ctt-shell-a1b2c3 'htop -d 5'") {
		t.Fatalf("expected quoted remote command, got %s", joined)
	}
}

func TestExecutorQuotesTmuxFormatsForRemoteShell(t *testing.T) {
	if got := shellQuote("#{session_name}"); got != "'#{session_name}'" {
		t.Fatalf("format must be quoted, got %s", got)
	}
	if got := shellQuote("it's"); got != `'it'"'"'s'` {
		t.Fatalf("unexpected quoting: %s", got)
	}
	if got := shellQuote(""); got != "''" {
		t.Fatalf("unexpected quoting of empty arg: %s", got)
	}
}

func TestExecutorRejectsOptionLikeSSHConnectionRef(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = nil
	cfg.TmuxHost = "-Fmalicious"
	r := &fakeRunner{}
	ex := NewExecutorWithRunner(cfg, r)

	if _, err := ex.Run(context.Background(), []string{"tmux", "list-sessions"}); err == nil {
		t.Fatalf("expected invalid ssh connection ref error")
	}
	if len(r.calls) != 0 {
		t.Fatalf("runner should not be called for invalid connection ref")
	}
}

func TestExecutorRetries(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{1 * time.Millisecond, 1 * time.Millisecond}
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("temporary")},
		{err: errors.New("temporary")},
		{out: []byte("ok"), err: nil},
	}}
	ex := NewExecutorWithRunner(cfg, r)
	if _, err := ex.Run(context.Background(), []string{"tmux", "list-sessions"}); err != nil {
		t.Fatalf("expected retry success: %v", err)
	}
	if len(r.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(r.calls))
	}
}

func TestExecutorDoesNotRetryDefinitiveAnswer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{1 * time.Millisecond, 1 * time.Millisecond}
	r := &fakeRunner{results: []runnerResult{
		{out: []byte("can't find session: ctt-x"), err: errors.New("exit status 1")},
	}}
	ex := NewExecutorWithRunner(cfg, r)
	_, err := ex.Run(context.Background(), []string{"tmux", "has-session", "-t", "=ctt-x"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, model.ErrHostUnavailable) {
		t.Fatalf("missing session must not look like an unavailable host: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("definitive answer should not retry, got %d calls", len(r.calls))
	}
}

func TestExecutorWriteCommandDoesNotRetry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{1 * time.Millisecond, 1 * time.Millisecond}
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("write failed")},
		{out: []byte("unexpected"), err: nil},
	}}
	ex := NewExecutorWithRunner(cfg, r)

	_, err := ex.Run(context.Background(), []string{"tmux", "send-keys", "hello"})
	if err == nil {
		t.Fatalf("expected write command error")
	}
	if !errors.Is(err, model.ErrHostUnavailable) {
		t.Fatalf("expected unavailable classification, got %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("write command should not retry, got %d calls", len(r.calls))
	}
}
