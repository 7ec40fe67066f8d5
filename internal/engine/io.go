package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/stream"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

type ioTarget struct {
	sessionName string
	stream      stream.Stream
	input       chan []byte
}

func (e *Engine) lookupIO(id string) (ioTarget, error) {
	if _, ok := e.pending[id]; ok {
		return ioTarget{}, fmt.Errorf("%w: %s is still spawning", model.ErrInvalidIntent, id)
	}
	l, ok := e.reg.Leaf(id)
	if !ok {
		return ioTarget{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	out := ioTarget{sessionName: l.SessionName}
	if b, ok := e.bindings[id]; ok && b.stream != nil {
		out.stream = b.stream
		out.input = b.input
	}
	return out, nil
}

// Input forwards keystrokes to a leaf. Without a live stream the bytes are
// sent with send-keys.
func (e *Engine) Input(ctx context.Context, id string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	target, err := call(ctx, e, func() (ioTarget, error) {
		return e.lookupIO(id)
	})
	if err != nil {
		return err
	}
	if target.input != nil {
		buf := append([]byte(nil), data...)
		select {
		case target.input <- buf:
			return nil
		default:
			return fmt.Errorf("%w: input backlog full for %s", model.ErrInvalidIntent, id)
		}
	}
	return e.mux.SendKeys(ctx, target.sessionName, string(data))
}

func (e *Engine) Resize(ctx context.Context, id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", model.ErrInvalidIntent, cols, rows)
	}
	target, err := call(ctx, e, func() (ioTarget, error) {
		return e.lookupIO(id)
	})
	if err != nil {
		return err
	}
	if target.stream != nil {
		return target.stream.Resize(cols, rows)
	}
	return e.mux.Resize(ctx, target.sessionName, cols, rows)
}

// Capture returns the visible contents of a leaf's pane.
func (e *Engine) Capture(ctx context.Context, id string, lines int) (string, error) {
	target, err := call(ctx, e, func() (ioTarget, error) {
		return e.lookupIO(id)
	})
	if err != nil {
		return "", err
	}
	return e.mux.CapturePane(ctx, target.sessionName, lines)
}
