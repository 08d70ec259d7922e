// Package preference provides cached access to per-subject processing
// preferences and derives preference groups from them.
//
// Group membership is held in an immutable Snapshot. Refresh builds a new
// snapshot from the previous one plus the subjects the source reports as
// changed, then swaps it in atomically. Readers holding an older snapshot
// keep a consistent view for as long as they use it.
package preference
