// Package remote implements the external collaborators reached over HTTP
// with JSON bodies: the data/category source, the subject validator, the
// preference source and capability executors.
//
// All clients share one request path with an outbound rate limit and a
// uniform error classification: 404 wraps domain.ErrNotFound, other 4xx
// responses are permanent, and 429, 5xx and transport failures are
// transient.
package remote
