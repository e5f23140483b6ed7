package server

import (
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// Paths under the base path served without credentials.
var publicPaths = []string{"health", "openapi.json", "openapi.yaml", "docs"}

func isPublicPath(basePath, urlPath string) bool {
	rel := strings.TrimPrefix(strings.TrimPrefix(urlPath, basePath), "/")
	for _, p := range publicPaths {
		if rel == p {
			return true
		}
	}
	return false
}

var securityRequirement = []map[string][]string{
	{"bearerAuth": {}},
	{"apiKeyAuth": {}},
}

// documentAPI adds the auth schemes and the shared error response to the
// generated document. Call it after every operation is registered.
func documentAPI(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	oas.Security = securityRequirement

	errResp := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errResp
			if isPublicPath(path.Join("/", basePath), route) {
				op.Security = []map[string][]string{}
			} else {
				op.Security = securityRequirement
			}
		}
	}
}
