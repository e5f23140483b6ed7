package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskproof/internal/domain"
	"taskproof/internal/engine"
	"taskproof/internal/repo"
)

type disputeBody struct {
	Body domain.Dispute `json:"body"`
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dispute",
		Method:        http.MethodPost,
		Path:          "/jobs/{id}/disputes",
		Summary:       "Dispute a locked job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body CreateDisputeRequest `json:"body"`
	}) (*disputeBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDispute(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/disputes",
		Summary:     "List disputes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		JobID  int64  `query:"job_id"`
		Status string `query:"status" enum:"PENDING,UNDER_REVIEW,RESOLVED"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Dispute `json:"body"`
	}, error) {
		items, err := e.ListDisputes(ctx, repo.DisputeFilters{
			JobID:  input.JobID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dispute `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{id}/review",
		Summary:     "Take a pending dispute under review",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*disputeBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReviewDispute(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{id}/resolve",
		Summary:     "Resolve a dispute",
		Description: "Approval pays the worker net of the fee. Otherwise the client is refunded in full. A dispute resolves once.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ResolveDisputeRequest `json:"body"`
	}) (*disputeBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ResolveDispute(ctx, input.ID, input.Body.ApproveWorker, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeBody{Body: d}, nil
	})
}
