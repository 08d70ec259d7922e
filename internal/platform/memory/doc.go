// Package memory provides an in-process implementation of store.ContextStore.
// Documents are held as encoded snapshots so callers never share memory with
// the store, and every write is a compare-and-swap under a single mutex.
package memory
