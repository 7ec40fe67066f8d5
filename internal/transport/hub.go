// Package transport is the router between UI clients and the engine. Each
// websocket client gets a read pump that turns messages into engine intents
// and a write pump that delivers engine events in the order they were
// produced.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/engine"
	"github.com/g960059/cttmux/internal/logx"
	"github.com/g960059/cttmux/internal/model"
)

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	requestTimeout = 30 * time.Second
)

// Engine is the set of intents the router forwards.
type Engine interface {
	SubscribeWithSnapshot(ctx context.Context, hints []model.TerminalView, sink engine.Sink) (func(), error)
	Spawn(ctx context.Context, req model.SpawnRequest) (model.TerminalView, error)
	Close(ctx context.Context, id string) error
	Detach(ctx context.Context, id string) (model.TerminalView, error)
	Reattach(ctx context.Context, id, agentID string) (model.TerminalView, error)
	NotifyAvailable(ctx context.Context, id, agentID string) (bool, error)
	Merge(ctx context.Context, req model.MergeRequest) (model.TerminalView, error)
	Reorder(ctx context.Context, id string, index int) (model.TerminalView, error)
	Input(ctx context.Context, id string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows int) error
	ListOrphans(ctx context.Context) ([]model.OrphanSession, error)
	KillBulk(ctx context.Context, names []string) []model.BulkResult
	ReattachBulk(ctx context.Context, names []string) []model.BulkResult
	Reconcile(ctx context.Context, trigger engine.Trigger) (engine.ReconcileReport, error)
}

type Hub struct {
	eng      Engine
	log      zerolog.Logger
	upgrader websocket.Upgrader
	requests *requestWindow

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func NewHub(eng Engine, cfg config.Config, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		eng: eng,
		log: logx.Component(log, "transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are local apps and CLIs; the listener itself is the
			// access boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		requests: newRequestWindow(cfg.RequestDedupCapacity),
		ctx:      ctx,
		cancel:   cancel,
		clients:  map[*client]struct{}{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newClient(h, conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	c.log.Info().Int("clients", n).Msg("client connected")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.log.Info().Int("clients", n).Msg("client disconnected")
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their pumps.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for c := range h.clients {
		c.shutdown()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func newConnID() string {
	return "conn-" + uuid.NewString()[:8]
}
