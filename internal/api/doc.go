// Package api provides a client for the MyCrewManager REST API.
//
// Requests carry the session bearer token. Server errors and 429 responses
// are retried with jittered exponential backoff; other 4xx responses are
// returned as *APIError immediately.
//
// Endpoints used:
//   - GET /projects/
//   - GET /projects/{id}/
package api
