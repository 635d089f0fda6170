// Package gateway wires the coven-dispatch components into one process.
//
// # Overview
//
// The Gateway owns the durable store, the agent registry, the job record
// store, the status bus, the executor and, when a queue driver is
// configured, the queue bridge. New builds them from a config.Config;
// Run serves HTTP and runs the background loops until its context ends.
//
// # HTTP API
//
// Routes are registered in api.go:
//
//   - GET /healthz - Liveness check (no auth)
//   - GET /metrics - Agent count and job counts by status (no auth)
//   - POST /register - Register or replace an agent from its manifest
//   - POST /start, /stop, /heartbeat - Agent lifecycle by {agentId}
//   - GET /agents - List agents without manifest internals
//   - POST /jobs - Submit a job; honours Idempotency-Key
//   - GET /jobs - List jobs, optionally ?status=
//   - GET /jobs/{id} - Full job record
//   - GET /status?id= - Recent status events for an agent, newest first
//   - GET /stream?id= - Server-Sent Events for one agent, or all agents
//
// Errors are JSON bodies of the form {"error": "..."}: validation failures
// are 400, unknown agents and jobs 404, bad credentials 401.
//
// # SSE Streaming
//
// A stream opens with a comment, carries one data frame per status event
// and pings while idle:
//
//	: connected
//
//	data: {"id":"job-...","agentId":"a1","status":"running",...}
//
//	: ping
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err := gw.WatchConfig(path); err != nil { ... }
//	err = gw.Run(ctx) // blocks; releases everything on return
//
// Tests that only need the routes can serve gw.Handler() through httptest
// and call Close when done.
package gateway
