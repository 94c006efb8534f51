// Package relay forwards admitted requests to their selected backend.
// Non-streaming calls get a per-call timeout and at most one retry to
// a different backend while budget remains. Streaming calls are
// passed through chunk by chunk in arrival order; once the first
// chunk has been forwarded the stream is never retried, and a client
// disconnect cancels the upstream call.
package relay
