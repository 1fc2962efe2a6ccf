package domain

import "time"

// AuditEntry описывает запись журнала аудита.
type AuditEntry struct {
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	Diff       map[string]any `json:"diff,omitempty"`
	Occurred   time.Time      `json:"occurred"`
}
