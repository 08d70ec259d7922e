// Package contextmgr layers lifecycle rules over the context store.
//
// The Manager validates status transitions, routes every context that
// reaches a terminal state to the output handlers exactly once, applies the
// retry policy to failed executions, and runs the maintenance sweeps: TTL
// purging of finished contexts and reclaiming contexts whose claim holder
// stopped making progress. It never inspects request or result payloads.
package contextmgr
