// Package daemon serves the HTTP API and the websocket client channel over a
// unix socket, plus an optional TCP listener.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/cttmux/internal/api"
	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/engine"
	"github.com/g960059/cttmux/internal/logx"
	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/transport"
)

const maxRequestBody = 1 << 20

type Server struct {
	cfg         config.Config
	eng         *engine.Engine
	hub         *transport.Hub
	log         zerolog.Logger
	httpSrv     *http.Server
	listeners   []net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, eng *engine.Engine, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		eng:     eng,
		hub:     transport.NewHub(eng, cfg, log),
		log:     logx.Component(log, "daemon"),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/terminals", s.terminalsHandler)
	mux.HandleFunc("/v1/terminals/", s.terminalByIDHandler)
	mux.HandleFunc("/v1/merge", s.mergeHandler)
	mux.HandleFunc("/v1/reconcile", s.reconcileHandler)
	mux.HandleFunc("/v1/orphans", s.orphansHandler)
	mux.HandleFunc("/v1/orphans/", s.orphansBulkHandler)
	mux.Handle("/ws", s.hub)
	return s
}

// Handler is the full route table, for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on the unix socket (and ListenAddr when set) and serves
// until ctx is done. Only one server may own a socket path at a time.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	listeners := []net.Listener{ln}
	if addr := strings.TrimSpace(s.cfg.ListenAddr); addr != "" {
		tcp, err := net.Listen("tcp", addr)
		if err != nil {
			ln.Close() //nolint:errcheck
			os.Remove(s.cfg.SocketPath) //nolint:errcheck
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		listeners = append(listeners, tcp)
	}
	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()
	for _, l := range listeners {
		s.log.Info().Str("network", l.Addr().Network()).Str("addr", l.Addr().String()).Msg("listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			if err := s.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", l.Addr().Network(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		// Hijacked websocket connections are not tracked by http.Server.
		s.hub.Close()
		s.mu.Lock()
		listeners := s.listeners
		s.listeners = nil
		s.mu.Unlock()
		for _, l := range listeners {
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	report, err := s.eng.Health(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := "ok"
	if report.Host != model.HostHealthOK {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        status,
		Host:          string(report.Host),
		LastError:     report.LastError,
		Terminals:     report.Terminals,
		Pending:       report.Pending,
		Bindings:      report.Bindings,
		Clients:       s.hub.ClientCount(),
	})
}

func (s *Server) terminalsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		terminals, err := s.eng.Snapshot(r.Context())
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.TerminalsEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Terminals:     terminals,
		})
	case http.MethodPost:
		s.spawn(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// spawn waits for the session to be confirmed unless ?wait=false.
func (s *Server) spawn(w http.ResponseWriter, r *http.Request) {
	var req api.SpawnRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	var (
		view model.TerminalView
		err  error
	)
	if r.URL.Query().Get("wait") == "false" {
		view, err = s.eng.Spawn(r.Context(), req)
	} else {
		view, err = s.eng.SpawnAndWait(r.Context(), req)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeTerminal(w, http.StatusCreated, view)
}

func (s *Server) terminalByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/terminals/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.CodeNotFound, "terminal route not found")
		return
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidIntent, "invalid terminal id encoding")
		return
	}
	id = strings.TrimSpace(id)
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		view, err := s.eng.Get(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeTerminal(w, http.StatusOK, view)
		return
	}
	if len(parts) != 2 {
		s.writeError(w, http.StatusNotFound, model.CodeNotFound, "terminal route not found")
		return
	}
	if parts[1] == "capture" {
		s.captureHandler(w, r, id)
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	switch parts[1] {
	case "close":
		if err := s.eng.Close(r.Context(), id); err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.ClosedResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			TerminalID:    id,
		})
	case "detach":
		view, err := s.eng.Detach(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeTerminal(w, http.StatusOK, view)
	case "reattach":
		var req api.ReattachRequest
		if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
			return
		}
		view, err := s.eng.Reattach(r.Context(), id, strings.TrimSpace(req.AgentID))
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeTerminal(w, http.StatusOK, view)
	default:
		s.writeError(w, http.StatusNotFound, model.CodeNotFound, "terminal route not found")
	}
}

func (s *Server) captureHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	lines := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("lines")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, model.CodeInvalidIntent, "lines must be a non-negative integer")
			return
		}
		lines = n
	}
	content, err := s.eng.Capture(r.Context(), id, lines)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CaptureResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		TerminalID:    id,
		Lines:         lines,
		Content:       content,
	})
}

func (s *Server) mergeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.MergeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	view, err := s.eng.Merge(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeTerminal(w, http.StatusOK, view)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ReconcileRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	var trigger engine.Trigger
	switch strings.TrimSpace(req.Trigger) {
	case "", string(engine.TriggerPoll):
		trigger = engine.TriggerPoll
	case string(engine.TriggerConnect):
		trigger = engine.TriggerConnect
	default:
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidIntent, "trigger must be poll or connect")
		return
	}
	report, err := s.eng.Reconcile(r.Context(), trigger)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReconcileResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Report:        report,
	})
}

func (s *Server) orphansHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	orphans, err := s.eng.ListOrphans(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.OrphansEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Orphans:       orphans,
	})
}

func (s *Server) orphansBulkHandler(w http.ResponseWriter, r *http.Request) {
	op := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/orphans/"), "/")
	if op != "kill" && op != "reattach" {
		s.writeError(w, http.StatusNotFound, model.CodeNotFound, "orphans route not found")
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.BulkRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.SessionNames) == 0 {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidIntent, "session_names is required")
		return
	}
	var results []model.BulkResult
	if op == "kill" {
		results = s.eng.KillBulk(r.Context(), req.SessionNames)
	} else {
		results = s.eng.ReattachBulk(r.Context(), req.SessionNames)
	}
	// A partial failure is still a completed request; the per-name results
	// carry the detail.
	s.writeJSON(w, http.StatusOK, api.BulkResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Results:       results,
		Code:          model.Code(engine.BulkError(results)),
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidIntent, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeTerminal(w http.ResponseWriter, status int, view model.TerminalView) {
	s.writeJSON(w, status, api.TerminalEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Terminal:      view,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := model.Code(err)
	if code == model.CodeInternal {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeError(w, statusFor(code), code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeInvalidIntent, model.CodeOutsideNamespace:
		return http.StatusBadRequest
	case model.CodeNotMergeable:
		return http.StatusConflict
	case model.CodeSpawnFailed, model.CodeReattachFailed, model.CodeSessionLost:
		return http.StatusBadGateway
	case model.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.CodeInvalidIntent, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
