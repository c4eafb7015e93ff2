// Package orchestrator drives executions through their step graph. It
// dispatches ready steps to worker nodes, consumes asynchronous results
// routed back by the gateway, and finalizes each execution once every step
// is terminal. Control flow for a single execution is serialized through a
// per-execution mailbox; different executions proceed independently.
package orchestrator
