package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/stream"
)

const inputBacklog = 64

// binding is one live attachment of a leaf. Without an attacher it is
// bookkeeping only and stream is nil.
type binding struct {
	terminalID  string
	agentID     string
	sessionName string
	stream      stream.Stream
	input       chan []byte
	quit        chan struct{}
	once        sync.Once
}

func newBinding(terminalID, agentID, sessionName string, st stream.Stream) *binding {
	return &binding{
		terminalID:  terminalID,
		agentID:     agentID,
		sessionName: sessionName,
		stream:      st,
		input:       make(chan []byte, inputBacklog),
		quit:        make(chan struct{}),
	}
}

// close detaches the client. The session keeps running.
func (b *binding) close() {
	b.once.Do(func() {
		close(b.quit)
		if b.stream != nil {
			_ = b.stream.Close()
		}
	})
}

func (b *binding) writeLoop(log zerolog.Logger) {
	for {
		select {
		case data := <-b.input:
			if _, err := b.stream.Write(data); err != nil {
				log.Debug().Err(err).Str("terminal_id", b.terminalID).Msg("write to binding")
			}
		case <-b.quit:
			return
		}
	}
}

func (e *Engine) outputFunc(terminalID, agentID, sessionName string) stream.OutputFunc {
	return func(data []byte) {
		e.publish(model.Event{
			Type:        model.EventOutput,
			TerminalID:  terminalID,
			AgentID:     agentID,
			SessionName: sessionName,
			Data:        data,
		})
	}
}

// bindLeaf installs a new binding for id and announces it. Actor only.
func (e *Engine) bindLeaf(id, agentID string, st stream.Stream) {
	l, ok := e.reg.Leaf(id)
	if !ok {
		if st != nil {
			_ = st.Close()
		}
		return
	}
	e.unbindLeaf(id)
	if l.AgentID != "" && l.AgentID != agentID {
		_ = e.reg.Unbind(id)
	}
	b := newBinding(id, agentID, l.SessionName, st)
	e.bindings[id] = b
	if st != nil {
		go e.watchBinding(b)
		go b.writeLoop(e.log)
	}
	e.markAvailable(id, agentID)
}

// unbindLeaf closes the live binding, if any. Actor only.
func (e *Engine) unbindLeaf(id string) {
	if b, ok := e.bindings[id]; ok {
		b.close()
		delete(e.bindings, id)
	}
}

func (e *Engine) watchBinding(b *binding) {
	select {
	case <-b.stream.Done():
		e.post(func() { e.onBindingEnded(b) })
	case <-b.quit:
	}
}

// onBindingEnded handles a client that exited on its own, usually because
// the session went away. Actor only.
func (e *Engine) onBindingEnded(b *binding) {
	if e.bindings[b.terminalID] != b {
		return
	}
	delete(e.bindings, b.terminalID)
	b.close()
	l, ok := e.reg.Leaf(b.terminalID)
	if !ok || l.AgentID != b.agentID {
		return
	}
	_ = e.reg.Unbind(b.terminalID)
	e.emitUpdated(b.terminalID)
	e.log.Info().Str("terminal_id", b.terminalID).Str("session", b.sessionName).Msg("binding ended")
	ctx := e.runCtx
	go func() {
		if _, err := e.Reconcile(ctx, TriggerPoll); err != nil {
			e.log.Debug().Err(err).Msg("reconcile after binding ended")
		}
	}()
}

// markAvailable is the single place an agentId becomes live. Repeated
// deliveries of an agentId and deliveries for a superseded binding are
// ignored. Actor only.
func (e *Engine) markAvailable(id, agentID string) bool {
	l, ok := e.reg.Leaf(id)
	if !ok || agentID == "" {
		return false
	}
	agents := e.reg.Agents()
	if agents.Seen(agentID) {
		e.log.Debug().Str("terminal_id", id).Str("agent_id", agentID).Msg("duplicate availability ignored")
		return false
	}
	if l.Status == model.StatusActive && l.AgentID != "" && l.AgentID != agentID {
		e.log.Debug().Str("terminal_id", id).Str("agent_id", agentID).Msg("stale availability ignored")
		return false
	}
	agents.Mark(agentID, id)
	_ = e.reg.MarkActive(id, agentID)
	e.emitUpdated(id)
	e.emitAvailable(id, agentID, l.SessionName)
	e.emitOwner(id)
	return true
}

// emitOwner re-announces the container that owns id, whose derived status
// may have changed.
func (e *Engine) emitOwner(id string) {
	if c, ok := e.reg.ContainerOf(id); ok {
		e.emitUpdated(c.ID)
	}
}
