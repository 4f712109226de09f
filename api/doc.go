// Package api defines the request and response bodies of the ProcFlow HTTP API.
//
// # API Overview
//
// ProcFlow exposes a small REST surface over the runtime:
//   - Process instances: create, list, inspect, remove and send events
//   - Registered process definitions
//   - Global events: emit, query the journal, live websocket stream
//   - Tasks and service operations
//   - Inbound webhooks under the configured prefix (default /webhooks/)
//   - Health, readiness and version
//
// Every JSON response uses the envelope in api/handlers:
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//
// Webhooks authenticate with either an X-Signature-256 HMAC header or an
// HS256 bearer token signed with the webhook secret.
package api
