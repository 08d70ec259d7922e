// Package api exposes contexts, batches and job controls over HTTP. It
// translates requests into calls on the context manager, the task service,
// the worker set and the scheduler, and maps the domain error taxonomy onto
// status codes.
package api
