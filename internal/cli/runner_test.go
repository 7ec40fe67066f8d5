package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/g960059/cttmux/internal/api"
)

func newTestRunner(t *testing.T, mux *http.ServeMux) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return NewRunnerWithClient(srv.URL, srv.Client(), out, errOut), out, errOut
}

const terminalJSON = `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","terminal":{"id":"t-1","kind":"leaf","display_name":"zsh","status":"active","session_name":"ctt-zsh-abc123","created_at":"2026-02-13T00:00:00Z"}}`

func TestListJSONCallsAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/terminals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","terminals":[{"id":"t-1","kind":"leaf","display_name":"zsh","status":"active","session_name":"ctt-zsh-abc123","created_at":"2026-02-13T00:00:00Z"}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"list", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"terminals"`) {
		t.Fatalf("expected terminals JSON output, got: %s", out.String())
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "t-1") || !strings.Contains(out.String(), "ctt-zsh-abc123") {
		t.Fatalf("expected tabular terminal output, got: %s", out.String())
	}
}

func TestSpawnSendsRequestBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/terminals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.URL.Query().Get("wait") != "false" {
			t.Fatalf("expected wait=false, got %q", r.URL.RawQuery)
		}
		var req api.SpawnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.Profile != "lazygit" || req.WorkingDir != "/repo" {
			t.Fatalf("unexpected spawn request: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, terminalJSON)
	})
	r, out, errOut := newTestRunner(t, mux)

	code := r.Run(context.Background(), []string{"spawn", "--profile", "lazygit", "--cwd", "/repo", "--no-wait"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "t-1") {
		t.Fatalf("expected spawned terminal in output, got: %s", out.String())
	}
}

func TestSpawnWithoutProfileOrCommandIsUsageError(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.NewServeMux())
	if code := r.Run(context.Background(), []string{"spawn"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "--profile or --command") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestTerminalActionsHitIDRoutes(t *testing.T) {
	var hits []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/terminals/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		hits = append(hits, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/reattach") {
			var req api.ReattachRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if req.AgentID != "agent-7" {
				t.Fatalf("expected agent id, got %+v", req)
			}
		}
		if strings.HasSuffix(r.URL.Path, "/close") {
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","terminal_id":"t-1"}`)
			return
		}
		_, _ = io.WriteString(w, terminalJSON)
	})
	r, out, errOut := newTestRunner(t, mux)

	for _, args := range [][]string{
		{"detach", "t-1"},
		{"reattach", "t-1", "--agent-id", "agent-7"},
		{"close", "t-1"},
	} {
		if code := r.Run(context.Background(), args); code != 0 {
			t.Fatalf("%v: expected exit 0, got %d stderr=%s", args, code, errOut.String())
		}
	}
	want := []string{"/v1/terminals/t-1/detach", "/v1/terminals/t-1/reattach", "/v1/terminals/t-1/close"}
	if strings.Join(hits, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected routes: %v", hits)
	}
	if !strings.Contains(out.String(), "closed t-1") {
		t.Fatalf("expected close confirmation, got: %s", out.String())
	}
}

func TestCaptureSendsLinesAndPrintsContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/terminals/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/terminals/t-1/capture" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("lines") != "50" {
			t.Fatalf("expected lines=50, got %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","terminal_id":"t-1","lines":50,"content":"$ make test\nok"}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"capture", "t-1", "--lines", "50"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if out.String() != "$ make test\nok\n" {
		t.Fatalf("unexpected capture output: %q", out.String())
	}
	if code := r.Run(context.Background(), []string{"capture", "t-1", "--lines=-1"}); code != 2 {
		t.Fatalf("negative lines should be a usage error, got %d", code)
	}
}

func TestMergeValidatesEdgeLocally(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/merge", func(w http.ResponseWriter, r *http.Request) {
		called = true
		var req api.MergeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.SourceID != "t-2" || req.TargetID != "t-1" || req.Edge != "bottom" {
			t.Fatalf("unexpected merge request: %+v", req)
		}
		_, _ = io.WriteString(w, terminalJSON)
	})
	r, _, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"merge", "t-2", "t-1", "--edge", "diagonal"}); code != 2 {
		t.Fatalf("expected exit 2 for invalid edge, got %d", code)
	}
	if called {
		t.Fatalf("invalid edge must not reach the service")
	}
	if code := r.Run(context.Background(), []string{"merge", "t-2", "t-1", "--edge", "bottom"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
}

func TestServiceErrorReturnsExitOne(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/merge", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_NOT_MERGEABLE","message":"terminal cannot be merged"}}`)
	})
	r, _, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"merge", "t-1", "t-1"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "E_NOT_MERGEABLE") {
		t.Fatalf("expected error code in stderr, got: %s", errOut.String())
	}
}

func TestOrphansKillAllListsThenKills(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/orphans", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","orphans":[{"session_name":"ctt-a-111111","created_at":"2026-02-13T00:00:00Z","windows":1,"attached":false},{"session_name":"ctt-b-222222","created_at":"2026-02-13T00:00:00Z","windows":2,"attached":true}]}`)
	})
	mux.HandleFunc("/v1/orphans/kill", func(w http.ResponseWriter, r *http.Request) {
		var req api.BulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if strings.Join(req.SessionNames, ",") != "ctt-a-111111,ctt-b-222222" {
			t.Fatalf("unexpected names: %v", req.SessionNames)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","results":[{"session_name":"ctt-a-111111","ok":true},{"session_name":"ctt-b-222222","ok":false,"code":"E_NOT_FOUND","error":"gone"}],"code":"E_PARTIAL_BULK_FAILURE"}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	code := r.Run(context.Background(), []string{"orphans", "kill", "--all"})
	if code != 1 {
		t.Fatalf("partial failure should exit 1, got %d", code)
	}
	if !strings.Contains(out.String(), "ok\tctt-a-111111") || !strings.Contains(out.String(), "failed\tctt-b-222222\tE_NOT_FOUND") {
		t.Fatalf("unexpected output: %s", out.String())
	}
	if !strings.Contains(errOut.String(), "E_PARTIAL_BULK_FAILURE") {
		t.Fatalf("expected partial failure code in stderr, got: %s", errOut.String())
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"orphans", "list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "ctt-b-222222") {
		t.Fatalf("expected orphan table, got: %s", out.String())
	}
}

func TestOrphansKillRequiresNames(t *testing.T) {
	r, _, _ := newTestRunner(t, http.NewServeMux())
	if code := r.Run(context.Background(), []string{"orphans", "kill"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestHealthPrintsSummary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"degraded","host":"down","last_error":"no server running","terminals":3,"pending":0,"bindings":1,"clients":2}`)
	})
	r, out, errOut := newTestRunner(t, mux)
	if code := r.Run(context.Background(), []string{"health"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "status=degraded host=down terminals=3") || !strings.Contains(out.String(), "last_error=no server running") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.NewServeMux())
	if code := r.Run(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}
