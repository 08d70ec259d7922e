// Package gemini executes contexts of the generative capability with
// Google's Gemini API.
//
// The frozen template of a context is rendered into a prompt together with
// the request payload; the model is asked for a JSON response, which becomes
// the context output. API failures are classified into the transient and
// permanent execution errors used by the retry policy: rate limiting, server
// errors and deadlines are transient, while rejected requests and content
// blocked by safety filters are permanent.
package gemini
