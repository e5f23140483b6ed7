package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"taskproof/internal/domain"
	"taskproof/internal/engine"
	"taskproof/internal/repo"
)

type jobPath struct {
	ID int64 `path:"id"`
}

type jobBody struct {
	Body domain.Job `json:"body"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "fund-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create and fund a job",
		Description:   "Escrows the amount from the caller, who becomes the job's client.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*jobBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.FundJob(ctx, engine.FundJobRequest{
			Client:         actorID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Amount:         input.Body.Amount,
			ReferenceMedia: input.Body.ReferenceMedia,
			Plan:           input.Body.Plan,
			Location:       input.Body.Location,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"NONE,OPEN,LOCKED,COMPLETED,DISPUTED,REFUNDED"`
		Client     string `query:"client"`
		Worker     string `query:"worker"`
		Settlement string `query:"settlement" enum:"none,pending_confirmation,needs_reconciliation"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		cursor, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListJobs(ctx, repo.JobFilters{
			Status:     input.Status,
			Client:     input.Client,
			Worker:     input.Worker,
			Settlement: input.Settlement,
			Limit:      limit + 1,
			Cursor:     cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJobs{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.Items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		job, err := e.GetJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/claim",
		Summary:     "Claim an open job as its worker",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.ClaimJob(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-proof",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/proof",
		Summary:     "Submit proof of work",
		Description: "Judges the proof and settles on approval. An unconfirmed settlement is reported in the outcome's settlement field.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body SubmitProofRequest `json:"body"`
	}) (*struct {
		Body engine.SubmitOutcome `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.SubmitProof(ctx, engine.SubmitProofRequest{
			JobID:       input.ID,
			Worker:      actorID,
			ProofMedia:  input.Body.ProofMedia,
			Coordinates: input.Body.Coordinates,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SubmitOutcome `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/decisions",
		Summary:     "List decisions for a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body []domain.DecisionResult `json:"body"`
	}, error) {
		items, err := e.ListDecisions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DecisionResult `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/reconcile",
		Summary:     "Re-read the ledger for a flagged job",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.Reconcile(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: job}, nil
	})
}
