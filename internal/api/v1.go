package api

import (
	"time"

	"github.com/g960059/cttmux/internal/model"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type TerminalsEnvelope struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Terminals     []model.TerminalView `json:"terminals"`
}

type TerminalEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Terminal      model.TerminalView `json:"terminal"`
}

// ClosedResponse is returned by close. The terminal no longer exists.
type ClosedResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	TerminalID    string    `json:"terminal_id"`
}

// CaptureResponse carries the visible text of a leaf's pane, plus Lines of
// scrollback when requested.
type CaptureResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	TerminalID    string    `json:"terminal_id"`
	Lines         int       `json:"lines"`
	Content       string    `json:"content"`
}

type SpawnRequest = model.SpawnRequest

type MergeRequest = model.MergeRequest

type ReattachRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

type ReconcileRequest struct {
	Trigger string `json:"trigger,omitempty"`
}

type ReconcileResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Report        any       `json:"report"`
}

type OrphansEnvelope struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Orphans       []model.OrphanSession `json:"orphans"`
}

type BulkRequest struct {
	SessionNames []string `json:"session_names"`
}

// BulkResponse carries one result per requested name in request order.
// Code is E_PARTIAL_BULK_FAILURE when any name failed.
type BulkResponse struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Results       []model.BulkResult `json:"results"`
	Code          string             `json:"code,omitempty"`
}
