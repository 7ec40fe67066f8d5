package api

import "time"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	Host          string    `json:"host"`
	LastError     string    `json:"last_error,omitempty"`
	Terminals     int       `json:"terminals"`
	Pending       int       `json:"pending"`
	Bindings      int       `json:"bindings"`
	Clients       int       `json:"clients"`
}
