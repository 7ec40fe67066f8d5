// Package wire is the JSON message contract between the service and its UI
// clients. Every message travels in an Envelope; the payload shape is fixed
// by the envelope type.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/cttmux/internal/model"
)

const (
	SchemaVersion     = "ctt.v1"
	DefaultMaxMessage = 1 << 20 // 1 MiB
)

var (
	ErrInvalidMessage  = errors.New("wire: invalid message")
	ErrUnsupportedVers = errors.New("wire: unsupported schema version")
)

// client → service
const (
	TypeHello        = "hello"
	TypeSpawn        = "spawn"
	TypeClose        = "close"
	TypeDetach       = "detach"
	TypeReattach     = "reattach"
	TypeMerge        = "merge"
	TypeReorder      = "reorder"
	TypeInput        = "input"
	TypeResize       = "resize"
	TypeAttached     = "attached"
	TypeListOrphans  = "list-orphans"
	TypeReattachBulk = "reattach-bulk"
	TypeKillBulk     = "kill-bulk"
	TypeReconcile    = "reconcile"
)

// service → client
const (
	TypeTerminalList      = "terminal-list"
	TypeTerminalUpdated   = "terminal-updated"
	TypeTerminalClosed    = "terminal-closed"
	TypeTerminalAvailable = "terminal-available"
	TypeTerminalLost      = "terminal-lost"
	TypeSpawnFailed       = "spawn-failed"
	TypeOutput            = "output"
	TypeOrphans           = "orphans"
	TypeBulkResult        = "bulk-result"
	TypeAck               = "ack"
	TypeError             = "error"
)

type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	Seq           uint64          `json:"seq"`
	SentAt        time.Time       `json:"sent_at"`
	RequestID     string          `json:"request_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(msgType string, seq uint64, requestID string, payload any) (Envelope, error) {
	if strings.TrimSpace(msgType) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          strings.TrimSpace(msgType),
		Seq:           seq,
		SentAt:        time.Now().UTC(),
		RequestID:     strings.TrimSpace(requestID),
		Payload:       body,
	}, nil
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SchemaVersion) != SchemaVersion {
		return ErrUnsupportedVers
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidMessage)
	}
	return nil
}

func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidMessage, e.Type, err)
	}
	return nil
}

// Encode marshals a validated envelope.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return body, nil
}

// Decode parses and validates one message.
func Decode(data []byte) (Envelope, error) {
	if len(data) > DefaultMaxMessage {
		return Envelope{}, fmt.Errorf("%w: message too large", ErrInvalidMessage)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

type HelloPayload struct {
	ClientID string `json:"client_id"`
	// Terminals is the client's persisted snapshot, used only to order tabs.
	Terminals []model.TerminalView `json:"terminals,omitempty"`
}

type SpawnPayload = model.SpawnRequest

type MergePayload = model.MergeRequest

type TerminalRef struct {
	ID string `json:"id"`
}

type ReattachPayload struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id,omitempty"`
}

type AttachedPayload struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
}

type ReorderPayload struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

type InputPayload struct {
	ID          string `json:"id"`
	BytesBase64 string `json:"bytes_base64"`
}

func (p InputPayload) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(p.BytesBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: bytes_base64: %v", ErrInvalidMessage, err)
	}
	return data, nil
}

type ResizePayload struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type SessionNamesPayload struct {
	SessionNames []string `json:"session_names"`
}

type ReconcilePayload struct {
	Trigger string `json:"trigger,omitempty"`
}

type TerminalListPayload struct {
	Terminals []model.TerminalView `json:"terminals"`
}

type TerminalPayload struct {
	Terminal model.TerminalView `json:"terminal"`
}

type ClosedPayload struct {
	ID          string `json:"id"`
	SessionName string `json:"session_name,omitempty"`
}

type AvailablePayload struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	SessionName string `json:"session_name"`
}

type LostPayload struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id,omitempty"`
	SessionName string `json:"session_name"`
	Code        string `json:"code"`
	Message     string `json:"message,omitempty"`
}

type SpawnFailedPayload struct {
	ID          string `json:"id"`
	SessionName string `json:"session_name,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

type OutputPayload struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id,omitempty"`
	SessionName string `json:"session_name"`
	BytesBase64 string `json:"bytes_base64"`
}

type OrphansPayload struct {
	Orphans []model.OrphanSession `json:"orphans"`
}

type BulkResultPayload struct {
	Results []model.BulkResult `json:"results"`
	// Code is E_PARTIAL_BULK_FAILURE when any entry failed.
	Code string `json:"code,omitempty"`
}

type AckPayload struct {
	RequestType string              `json:"request_type"`
	Duplicate   bool                `json:"duplicate,omitempty"`
	Terminal    *model.TerminalView `json:"terminal,omitempty"`
	Accepted    *bool               `json:"accepted,omitempty"`
	Report      any                 `json:"report,omitempty"`
}

type ErrorPayload struct {
	RequestType string `json:"request_type,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ErrorFor builds the error payload for a failed request.
func ErrorFor(requestType string, err error) ErrorPayload {
	code := model.Code(err)
	if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrUnsupportedVers) {
		code = model.CodeInvalidIntent
	}
	return ErrorPayload{
		RequestType: requestType,
		Code:        code,
		Message:     err.Error(),
		Recoverable: code != model.CodeInternal,
	}
}

// FromEvent renders an engine event as a service→client message.
func FromEvent(ev model.Event, seq uint64) (Envelope, error) {
	switch ev.Type {
	case model.EventTerminalList:
		terms := ev.Terminals
		if terms == nil {
			terms = []model.TerminalView{}
		}
		return NewEnvelope(TypeTerminalList, seq, "", TerminalListPayload{Terminals: terms})
	case model.EventTerminalUpdated:
		if ev.Terminal == nil {
			return Envelope{}, fmt.Errorf("%w: terminal-updated without terminal", ErrInvalidMessage)
		}
		return NewEnvelope(TypeTerminalUpdated, seq, "", TerminalPayload{Terminal: *ev.Terminal})
	case model.EventTerminalClosed:
		return NewEnvelope(TypeTerminalClosed, seq, "", ClosedPayload{ID: ev.TerminalID, SessionName: ev.SessionName})
	case model.EventTerminalAvailable:
		return NewEnvelope(TypeTerminalAvailable, seq, "", AvailablePayload{ID: ev.TerminalID, AgentID: ev.AgentID, SessionName: ev.SessionName})
	case model.EventTerminalLost:
		return NewEnvelope(TypeTerminalLost, seq, "", LostPayload{ID: ev.TerminalID, AgentID: ev.AgentID, SessionName: ev.SessionName, Code: ev.Code, Message: ev.Message})
	case model.EventSpawnFailed:
		return NewEnvelope(TypeSpawnFailed, seq, "", SpawnFailedPayload{ID: ev.TerminalID, SessionName: ev.SessionName, Code: ev.Code, Message: ev.Message})
	case model.EventOutput:
		return NewEnvelope(TypeOutput, seq, "", OutputPayload{
			ID:          ev.TerminalID,
			AgentID:     ev.AgentID,
			SessionName: ev.SessionName,
			BytesBase64: base64.StdEncoding.EncodeToString(ev.Data),
		})
	default:
		return Envelope{}, fmt.Errorf("%w: unknown event %q", ErrInvalidMessage, ev.Type)
	}
}
