// Package store defines the persistence contract for contexts. The Context
// Store is durable keyed storage with no business logic: lifecycle rules live
// in the context manager, and the only concurrency primitive is the
// compare-and-swap performed by AtomicClaim and Update.
package store
