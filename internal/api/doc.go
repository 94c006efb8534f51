// Package api defines the OpenAI-compatible wire types the gateway
// accepts and returns, plus request validation and cacheability rules.
package api
