package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskproof/internal/engine"
)

// Accounts exposes ledger balances. The local ledger implements it.
type Accounts interface {
	Balance(ctx context.Context, account string) (int64, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Accounts Accounts
	// BasePath prefixes every route. Defaults to /v0.
	BasePath string
	Auth     AuthConfig
}

type bodyBytesKey struct{}

// New returns an HTTP handler exposing the taskproof API. The OpenAPI
// document is served at <base>/openapi.json and the docs page at <base>/docs.
func New(cfg Config) (http.Handler, error) {
	basePath := "/" + strings.Trim(cfg.BasePath, "/")
	if basePath == "/" {
		basePath = "/v0"
	}
	huma.DefaultArrayNullable = false
	installErrorHooks()

	router := chi.NewRouter()
	router.Use(bufferBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("taskproof API", "0.1.0")
	hcfg.Info.Description = "Escrowed payment for physical-world tasks, released on verified photo and location proof."
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = path.Join(basePath, "docs")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerAccounts(group, cfg.Accounts)
	documentAPI(api.OpenAPI(), basePath)

	return router, nil
}

// bufferBody keeps the raw request body so handlers can tell an empty
// body from a zero-valued one.
func bufferBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(raw))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, raw)))
	})
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return raw
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and the privileged roles it holds",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   rolesOf(e, principal.ActorID),
			Source:  principal.Source,
		}}, nil
	})
}

func rolesOf(e engine.Engine, actorID string) []string {
	roles := []string{}
	if actorID == e.Policy.Owner {
		roles = append(roles, "owner")
	}
	if actorID == e.Policy.Judge {
		roles = append(roles, "judge")
	}
	if e.Policy.IsArbiter(actorID) {
		roles = append(roles, "arbiter")
	}
	return roles
}

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 200:
		return 200
	}
	return in
}

func parseCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return id, nil
}
