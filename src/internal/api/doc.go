// Package api provides the read-only status API of the keen-doh service.
//
// The API is optional ([api] enable = true) and only answers requests that
// come from loopback or private networks. It exposes:
//   - GET /health: liveness probe, plain "OK"
//   - GET /api/v1/status: listener counters, resolver URL, bootstrap state and source policies
//   - GET /api/v1/bind?addr=..&family=..: runs the source binder and reports the decision
//   - GET /metrics: Prometheus metrics
//
// # Response Format
//
// All successful JSON responses wrap data in a "data" field:
//
//	{
//	  "data": { /* response payload */ }
//	}
//
// Error responses use the following format:
//
//	{
//	  "error": {
//	    "code": "ERROR_CODE",
//	    "message": "Human-readable error message",
//	    "details": { /* optional */ }
//	  }
//	}
package api
