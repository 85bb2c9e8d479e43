package http

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// EventRequest is the request body for POST /api/v1/events.
type EventRequest struct {
	Type    event.Type      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventAccepted is returned when an event was handed to the queue rather
// than handled inline. Error is set when inline handling failed and the
// event was queued for retry.
type EventAccepted struct {
	JobID     string     `json:"job_id"`
	Type      string     `json:"type"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// DecisionRequest is the request body for the approve and reject routes.
type DecisionRequest struct {
	Operator string `json:"operator"`
}

// ThreadResponse is the response body for GET /api/v1/threads/:id.
type ThreadResponse struct {
	*negotiation.Snapshot
	History []*ledger.Entry `json:"history"`
}

// ActionsResponse is the response body for GET /api/v1/actions.
type ActionsResponse struct {
	Actions []*negotiation.ActionRequest `json:"actions"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}
