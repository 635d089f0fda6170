// Package agent keeps the registry of known worker agents.
//
// # Registry
//
// Agents are created by Register from a manifest and are never deleted:
//
//	reg := agent.NewRegistry(store, logger)
//	id, err := reg.Register(ctx, agent.Manifest{"id": "a1", "capabilities": []any{"proof"}})
//
// Start and Heartbeat mark an agent running, Stop marks it stopped. All
// three refresh lastHeartbeat and fail with a NotFoundError for unknown ids.
// List projects agents to Info, leaving manifest internals out.
//
// When a store is configured every change is mirrored to it. Mirror
// failures are logged and never undo the in-memory change; Restore loads
// the mirrored agents at startup.
//
// # Reaper
//
// Liveness is advisory. A Reaper, when enabled with a heartbeat timeout,
// marks running agents whose last heartbeat is older than the timeout as
// error. It never removes agents; a later heartbeat brings them back.
package agent
