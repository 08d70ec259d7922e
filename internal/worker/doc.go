// Package worker runs the poll-based executors of each capability.
//
// Every worker instance owns its own loop: it probes the capability, looks
// for created and due pending contexts, claims one through the store's
// atomic compare-and-swap and executes it. Instances never talk to each
// other; a lost claim simply moves the loop on to the next candidate.
package worker
