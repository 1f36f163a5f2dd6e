// Package server exposes the orchestrator over HTTP.
//
// Every request passes through the same chain: request id, security
// headers, access log, metrics, CORS, rate limiting and, for mutating
// routes, the operator bearer token. Routes are registered on a gorilla/mux
// router; the live log tail is served as a websocket.
package server
