// Package taskservice creates contexts for single units of work and provides
// the batch-oriented creation primitives used by the batch processor.
//
// Template resolution happens once, synchronously, before anything is
// persisted. A purpose without a template fails with
// domain.ErrTemplateNotFound and no context is created.
package taskservice
