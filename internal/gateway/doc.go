// Package gateway implements the HTTP front door of the model-serving
// gateway: the gin engine, its middleware chain, principal
// authentication, and the request handlers that carry each inference
// request from validation through rate limiting, cache lookup, routing,
// and dispatch to a terminal outcome.
//
// Every request reaches exactly one terminal state. Each terminal state
// emits exactly one metrics record and, when auditing is enabled, one
// audit entry.
package gateway
