package transport

import (
	"context"
	"fmt"

	"github.com/g960059/cttmux/internal/engine"
	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/wire"
)

func (c *client) handle(req wire.Envelope) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()
	if err := c.dispatch(ctx, req); err != nil {
		c.log.Debug().Err(err).Str("type", req.Type).Str("request_id", req.RequestID).Msg("request failed")
		c.fail(req, err)
	}
}

func (c *client) dispatch(ctx context.Context, req wire.Envelope) error {
	eng := c.hub.eng
	switch req.Type {
	case wire.TypeHello:
		var p wire.HelloPayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		return c.hello(ctx, req, p)

	case wire.TypeSpawn:
		var p wire.SpawnPayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		v, err := eng.Spawn(ctx, p)
		if err != nil {
			return err
		}
		c.ack(req, wire.AckPayload{Terminal: &v})

	case wire.TypeClose:
		var p wire.TerminalRef
		if err := decodeRef(req, &p); err != nil {
			return err
		}
		if err := eng.Close(ctx, p.ID); err != nil {
			return err
		}
		c.ack(req, wire.AckPayload{})

	case wire.TypeDetach:
		var p wire.TerminalRef
		if err := decodeRef(req, &p); err != nil {
			return err
		}
		v, err := eng.Detach(ctx, p.ID)
		if err != nil {
			return err
		}
		c.ack(req, wire.AckPayload{Terminal: &v})

	case wire.TypeReattach:
		var p wire.ReattachPayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		v, err := eng.Reattach(ctx, p.ID, p.AgentID)
		if err != nil {
			return err
		}
		c.ack(req, wire.AckPayload{Terminal: &v})

	case wire.TypeAttached:
		var p wire.AttachedPayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		accepted, err := eng.NotifyAvailable(ctx, p.ID, p.AgentID)
		if err != nil {
			return err
		}
		c.ack(req, wire.AckPayload{Accepted: &accepted})

	case wire.TypeMerge:
		var p wire.MergePayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		v, err := eng.Merge(ctx, p)
		if err != nil {
			return err
		}
		c.ack(req, wire.AckPayload{Terminal: &v})

	case wire.TypeReorder:
		var p wire.ReorderPayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		v, err := eng.Reorder(ctx, p.ID, p.Index)
		if err != nil {
			return err
		}
		c.ack(req, wire.AckPayload{Terminal: &v})

	case wire.TypeInput:
		var p wire.InputPayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		data, err := p.Bytes()
		if err != nil {
			return err
		}
		if err := eng.Input(ctx, p.ID, data); err != nil {
			return err
		}
		if req.RequestID != "" {
			c.ack(req, wire.AckPayload{})
		}

	case wire.TypeResize:
		var p wire.ResizePayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		if err := eng.Resize(ctx, p.ID, p.Cols, p.Rows); err != nil {
			return err
		}
		if req.RequestID != "" {
			c.ack(req, wire.AckPayload{})
		}

	case wire.TypeListOrphans:
		orphans, err := eng.ListOrphans(ctx)
		if err != nil {
			return err
		}
		c.reply(req.RequestID, wire.TypeOrphans, wire.OrphansPayload{Orphans: orphans})

	case wire.TypeKillBulk, wire.TypeReattachBulk:
		var p wire.SessionNamesPayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		var results []model.BulkResult
		if req.Type == wire.TypeKillBulk {
			results = eng.KillBulk(ctx, p.SessionNames)
		} else {
			results = eng.ReattachBulk(ctx, p.SessionNames)
		}
		c.reply(req.RequestID, wire.TypeBulkResult, wire.BulkResultPayload{
			Results: results,
			Code:    model.Code(engine.BulkError(results)),
		})

	case wire.TypeReconcile:
		var p wire.ReconcilePayload
		if err := req.DecodePayload(&p); err != nil {
			return err
		}
		trigger := engine.TriggerPoll
		if p.Trigger == string(engine.TriggerConnect) {
			trigger = engine.TriggerConnect
		}
		report, err := eng.Reconcile(ctx, trigger)
		if err != nil {
			return err
		}
		c.ack(req, wire.AckPayload{Report: report})

	default:
		return fmt.Errorf("%w: %w %q", model.ErrInvalidIntent, errUnknownType, req.Type)
	}
	return nil
}

// hello (re)starts this connection's event feed with a fresh terminal-list
// and then reconciles, as every (re)connection does.
func (c *client) hello(ctx context.Context, req wire.Envelope, p wire.HelloPayload) error {
	c.mu.Lock()
	if p.ClientID != "" {
		c.clientID = p.ClientID
	}
	prev := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if prev != nil {
		prev()
	}

	unsubscribe, err := c.hub.eng.SubscribeWithSnapshot(ctx, p.Terminals, c.deliver)
	if err != nil {
		return err
	}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		unsubscribe()
		return nil
	default:
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	if req.RequestID != "" {
		c.ack(req, wire.AckPayload{})
	}
	go func() {
		if _, err := c.hub.eng.Reconcile(c.ctx, engine.TriggerConnect); err != nil && c.ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("reconcile on connect")
		}
	}()
	return nil
}

func decodeRef(req wire.Envelope, p *wire.TerminalRef) error {
	if err := req.DecodePayload(p); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", model.ErrInvalidIntent)
	}
	return nil
}
