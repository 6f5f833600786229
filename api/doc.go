// Package api provides OpenAPI/Swagger documentation for the gateway's
// admin surface.
//
// # API Overview
//
// The gateway exposes two HTTP surfaces:
//   - Four inbound dialect routes (/v1/messages, /v1/chat/completions,
//     /v1/responses, /v1beta/models/{model}:generateContent) that accept
//     a bearer token and proxy through pipeline.Pipeline — documented by
//     each upstream vendor's own API reference, not here.
//   - An admin surface (/api/v1/providers, /api/v1/users/{id}/keys) guarded
//     by a static X-API-Key, for provider and tenant-key management.
//
// # Authentication
//
// Admin endpoints require the X-API-Key header:
//
//	X-API-Key: your-admin-key
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Generating Documentation
//
// To regenerate Swagger documentation using swag:
//
//	swag init -g cmd/gateway/main.go -o api --parseDependency --parseInternal
package api
