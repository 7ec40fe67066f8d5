package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cttmux/internal/model"
)

func TestEncodeDecode(t *testing.T) {
	env, err := NewEnvelope(TypeHello, 1, " req-1 ", HelloPayload{
		ClientID:  "desktop",
		Terminals: []model.TerminalView{{ID: "t-1", SessionName: "ctt-zsh-abc123"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", env.RequestID)

	data, err := Encode(env)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeHello, decoded.Type)

	var payload HelloPayload
	require.NoError(t, decoded.DecodePayload(&payload))
	require.Len(t, payload.Terminals, 1)
	assert.Equal(t, "ctt-zsh-abc123", payload.Terminals[0].SessionName)
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"schema_version": "tty.v2.0", "type": "hello", "payload": map[string]any{}})
	require.NoError(t, err)
	_, err = Decode(raw)
	if !errors.Is(err, ErrUnsupportedVers) {
		t.Fatalf("expected ErrUnsupportedVers, got %v", err)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"schema_version":"ctt.v1","payload":{}}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestInputPayloadBytes(t *testing.T) {
	p := InputPayload{ID: "t-1", BytesBase64: base64.StdEncoding.EncodeToString([]byte("ls\r"))}
	data, err := p.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "ls\r", string(data))

	_, err = InputPayload{BytesBase64: "%%%"}.Bytes()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestFromEventOutputIsBase64(t *testing.T) {
	env, err := FromEvent(model.Event{Type: model.EventOutput, TerminalID: "t-1", SessionName: "ctt-a-1", Data: []byte{0x1b, '[', 'H'}}, 7)
	require.NoError(t, err)
	assert.Equal(t, TypeOutput, env.Type)
	assert.Equal(t, uint64(7), env.Seq)

	var p OutputPayload
	require.NoError(t, env.DecodePayload(&p))
	raw, err := base64.StdEncoding.DecodeString(p.BytesBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1b, '[', 'H'}, raw)
}

func TestFromEventLostCarriesCode(t *testing.T) {
	env, err := FromEvent(model.Event{Type: model.EventTerminalLost, TerminalID: "t-1", SessionName: "ctt-a-1", Code: model.CodeSessionLost}, 1)
	require.NoError(t, err)
	var p LostPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, model.CodeSessionLost, p.Code)

	_, err = FromEvent(model.Event{Type: model.EventTerminalUpdated}, 2)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestErrorForMapsCodes(t *testing.T) {
	p := ErrorFor(TypeClose, model.ErrNotFound)
	assert.Equal(t, model.CodeNotFound, p.Code)
	assert.True(t, p.Recoverable)

	p = ErrorFor(TypeSpawn, errors.New("boom"))
	assert.Equal(t, model.CodeInternal, p.Code)
	assert.False(t, p.Recoverable)

	p = ErrorFor(TypeSpawn, ErrInvalidMessage)
	assert.Equal(t, model.CodeInvalidIntent, p.Code)
}
