package server

import (
	"encoding/json"

	"taskproof/internal/domain"
)

// Request payloads

type CreateJobRequest struct {
	Title          string                  `json:"title"`
	Description    string                  `json:"description,omitempty"`
	Amount         int64                   `json:"amount"`
	ReferenceMedia []string                `json:"reference_media,omitempty"`
	Plan           domain.VerificationPlan `json:"plan,omitempty"`
	Location       domain.Coordinates      `json:"location"`
}

type SubmitProofRequest struct {
	ProofMedia  []string            `json:"proof_media"`
	Coordinates *domain.Coordinates `json:"coordinates,omitempty"`
}

type CreateDisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	ApproveWorker bool   `json:"approve_worker"`
	Notes         string `json:"notes,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type paginatedJobs struct {
	Items      []domain.Job `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type APIKeyCreatedResponse struct {
	domain.APIKey
	// Key is only returned once.
	Key string `json:"key"`
}

type BalanceResponse struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
