// Package events routes lifecycle notifications about contexts to output
// handlers.
//
// The context manager emits an event exactly once when a context reaches a
// terminal state; handlers registered on the emitter decide what to do with
// the finished work (deliver it, log it, feed metrics) without the manager
// knowing about them.
//
// The primary components are:
// - ContextEvent: a lifecycle notification about one context
// - EventHandler: interface for components that handle events
// - EventEmitter: interface for components that publish events
package events
