// Package batch runs batch jobs.
//
// A run moves through initialize, fetch_data, dispatch, await_completion and
// finalize. The strategy of the job definition selects a planner from a
// lookup table; the planner fetches input and returns the work items to
// create as child contexts. Dispatch creates children chunk by chunk with
// bounded concurrency, serialized across concurrent runs by a priority gate.
// The processor never executes children itself: capability workers claim and
// run them, and the processor polls their status until every item is
// terminal.
package batch
