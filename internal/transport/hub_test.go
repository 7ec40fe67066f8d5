package transport

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/engine"
	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/testutil"
	"github.com/g960059/cttmux/internal/wire"
)

type fixture struct {
	eng *engine.Engine
	mux *testutil.FakeMux
	att *testutil.FakeAttacher
	url string
}

func newFixture(t *testing.T, sessions ...string) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RebindStagger = 0
	mux := testutil.NewFakeMux(sessions...)
	att := testutil.NewFakeAttacher()
	eng := engine.New(engine.Options{Config: cfg, Mux: mux, Attacher: att, Log: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	hub := NewHub(eng, cfg, zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		cancel()
		<-done
	})
	return &fixture{eng: eng, mux: mux, att: att, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *fixture) dial(t *testing.T) *testConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(msgType, requestID string, payload any) {
	c.t.Helper()
	env, err := wire.NewEnvelope(msgType, 0, requestID, payload)
	require.NoError(c.t, err)
	data, err := wire.Encode(env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// next reads until a message matches, skipping the rest.
func (c *testConn) next(match func(wire.Envelope) bool) wire.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		env, err := wire.Decode(data)
		require.NoError(c.t, err)
		if match(env) {
			return env
		}
	}
}

func byType(msgType string) func(wire.Envelope) bool {
	return func(env wire.Envelope) bool { return env.Type == msgType }
}

func byRequest(requestID string) func(wire.Envelope) bool {
	return func(env wire.Envelope) bool { return env.RequestID == requestID }
}

func TestHelloSendsTerminalListFirst(t *testing.T) {
	f := newFixture(t)
	v, err := f.eng.SpawnAndWait(context.Background(), model.SpawnRequest{Command: "zsh"})
	require.NoError(t, err)

	c := f.dial(t)
	c.send(wire.TypeHello, "h1", wire.HelloPayload{ClientID: "desktop"})
	first := c.next(func(wire.Envelope) bool { return true })
	require.Equal(t, wire.TypeTerminalList, first.Type)
	assert.Equal(t, uint64(1), first.Seq)

	var list wire.TerminalListPayload
	require.NoError(t, first.DecodePayload(&list))
	require.Len(t, list.Terminals, 1)
	assert.Equal(t, v.ID, list.Terminals[0].ID)

	ack := c.next(byRequest("h1"))
	assert.Equal(t, wire.TypeAck, ack.Type)
}

func TestSpawnFlowsThroughEvents(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	c.send(wire.TypeHello, "", wire.HelloPayload{ClientID: "desktop"})
	c.next(byType(wire.TypeTerminalList))

	c.send(wire.TypeSpawn, "s1", wire.SpawnPayload{Command: "htop", DisplayName: "monitor"})
	ack := c.next(byRequest("s1"))
	require.Equal(t, wire.TypeAck, ack.Type)
	var p wire.AckPayload
	require.NoError(t, ack.DecodePayload(&p))
	assert.Equal(t, wire.TypeSpawn, p.RequestType)

	avail := c.next(byType(wire.TypeTerminalAvailable))
	var ap wire.AvailablePayload
	require.NoError(t, avail.DecodePayload(&ap))
	assert.NotEmpty(t, ap.AgentID)
	assert.True(t, f.mux.Has(ap.SessionName))

	f.att.Stream(ap.SessionName).Emit("hi")
	out := c.next(byType(wire.TypeOutput))
	var op wire.OutputPayload
	require.NoError(t, out.DecodePayload(&op))
	raw, err := base64.StdEncoding.DecodeString(op.BytesBase64)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(raw))
}

func TestDuplicateRequestIsNotReexecuted(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	c.send(wire.TypeHello, "", wire.HelloPayload{ClientID: "desktop"})
	c.next(byType(wire.TypeTerminalList))

	c.send(wire.TypeSpawn, "dup-1", wire.SpawnPayload{Command: "htop"})
	c.next(byRequest("dup-1"))
	c.send(wire.TypeSpawn, "dup-1", wire.SpawnPayload{Command: "htop"})
	ack := c.next(byRequest("dup-1"))
	var p wire.AckPayload
	require.NoError(t, ack.DecodePayload(&p))
	assert.True(t, p.Duplicate)

	require.Eventually(t, func() bool { return len(f.mux.Creates()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.mux.Creates(), 1)
}

func TestErrorsCarryCodes(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	c.send(wire.TypeClose, "c1", wire.TerminalRef{ID: "t-missing"})
	env := c.next(byRequest("c1"))
	require.Equal(t, wire.TypeError, env.Type)
	var p wire.ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, model.CodeNotFound, p.Code)

	c.send("teleport", "x1", struct{}{})
	env = c.next(byRequest("x1"))
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, model.CodeInvalidIntent, p.Code)
}

func TestBulkKillReportsPerName(t *testing.T) {
	f := newFixture(t, "ctt-s2-000002", "work")
	c := f.dial(t)
	c.send(wire.TypeKillBulk, "k1", wire.SessionNamesPayload{SessionNames: []string{"ctt-s1-000001", "ctt-s2-000002", "work"}})
	env := c.next(byRequest("k1"))
	require.Equal(t, wire.TypeBulkResult, env.Type)

	var p wire.BulkResultPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, model.CodePartialBulkFailure, p.Code)
	require.Len(t, p.Results, 3)
	assert.False(t, p.Results[0].OK)
	assert.True(t, p.Results[1].OK)
	assert.Equal(t, model.CodeOutsideNamespace, p.Results[2].Code)
	assert.False(t, f.mux.Has("ctt-s2-000002"))
	assert.True(t, f.mux.Has("work"))
}

func TestListOrphans(t *testing.T) {
	f := newFixture(t, "ctt-old-abc123", "scratch")
	c := f.dial(t)
	c.send(wire.TypeListOrphans, "o1", struct{}{})
	env := c.next(byRequest("o1"))
	require.Equal(t, wire.TypeOrphans, env.Type)
	var p wire.OrphansPayload
	require.NoError(t, env.DecodePayload(&p))
	require.Len(t, p.Orphans, 1)
	assert.Equal(t, "ctt-old-abc123", p.Orphans[0].SessionName)
}

func TestReconnectReconcilesDetachedTerminals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.eng.SpawnAndWait(ctx, model.SpawnRequest{Command: "zsh"})
	require.NoError(t, err)
	_, err = f.eng.Detach(ctx, v.ID)
	require.NoError(t, err)

	c := f.dial(t)
	c.send(wire.TypeHello, "", wire.HelloPayload{ClientID: "desktop", Terminals: []model.TerminalView{{SessionName: v.SessionName}}})
	c.next(byType(wire.TypeTerminalList))
	env := c.next(byType(wire.TypeTerminalAvailable))
	var p wire.AvailablePayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, v.ID, p.ID)
}

func TestInputIsForwarded(t *testing.T) {
	f := newFixture(t)
	v, err := f.eng.SpawnAndWait(context.Background(), model.SpawnRequest{Command: "zsh"})
	require.NoError(t, err)

	c := f.dial(t)
	c.send(wire.TypeInput, "i1", wire.InputPayload{ID: v.ID, BytesBase64: base64.StdEncoding.EncodeToString([]byte("q"))})
	env := c.next(byRequest("i1"))
	require.Equal(t, wire.TypeAck, env.Type)
	st := f.att.Stream(v.SessionName)
	require.Eventually(t, func() bool { return st.Written() == "q" }, 2*time.Second, 10*time.Millisecond)
}

func TestRequestWindowForgetsOldest(t *testing.T) {
	w := newRequestWindow(2)
	assert.True(t, w.firstSeen("a"))
	assert.False(t, w.firstSeen("a"))
	assert.True(t, w.firstSeen("b"))
	assert.True(t, w.firstSeen("c"))
	assert.True(t, w.firstSeen("a"), "a fell out of the window")
	assert.False(t, w.firstSeen("c"))
}
