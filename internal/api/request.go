package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vyrodovalexey/avaigw/internal/util"
)

// Message roles accepted by the gateway.
var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// InferenceRequest is the common surface of the two completion
// request shapes, used by the routing and relay layers.
type InferenceRequest interface {
	// ModelName returns the requested model.
	ModelName() string

	// Streaming reports whether the client asked for a streamed
	// response.
	Streaming() bool

	// Validate checks structural requirements before the request is
	// admitted. Failures never reach a backend.
	Validate() error

	// Cacheable reports whether the request is deterministic enough
	// for its response to be cached and shared.
	Cacheable() bool

	// fingerprint returns the normalized payload hashed into the
	// cache key.
	fingerprint() any
}

// ModelName implements InferenceRequest.
func (r *ChatCompletionRequest) ModelName() string { return r.Model }

// Streaming implements InferenceRequest.
func (r *ChatCompletionRequest) Streaming() bool { return r.Stream }

// Validate implements InferenceRequest.
func (r *ChatCompletionRequest) Validate() error {
	v := util.NewValidationError("invalid chat completion request")

	if r.Model == "" {
		v.AddField("model", "is required")
	}
	if len(r.Messages) == 0 {
		v.AddField("messages", "at least one message is required")
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			v.AddField(fmt.Sprintf("messages[%d].role", i), "unknown role "+m.Role)
		}
		if m.Content == "" {
			v.AddField(fmt.Sprintf("messages[%d].content", i), "is required")
		}
	}
	validateSampling(v, r.MaxTokens, r.Temperature, r.TopP, r.N)

	if v.HasFields() {
		return v
	}
	return nil
}

// Cacheable implements InferenceRequest. Only non-streaming greedy
// decoding (temperature zero, single choice) is deterministic enough
// to share across clients.
func (r *ChatCompletionRequest) Cacheable() bool {
	return cacheable(r.Stream, r.Temperature, r.N)
}

func (r *ChatCompletionRequest) fingerprint() any {
	return struct {
		Kind        string    `json:"kind"`
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		MaxTokens   *int      `json:"max_tokens"`
		Temperature *float64  `json:"temperature"`
		TopP        *float64  `json:"top_p"`
		N           *int      `json:"n"`
		Stop        any       `json:"stop"`
		Seed        *int64    `json:"seed"`
	}{"chat", r.Model, r.Messages, r.MaxTokens, r.Temperature, r.TopP, r.N, r.Stop, r.Seed}
}

// ModelName implements InferenceRequest.
func (r *CompletionRequest) ModelName() string { return r.Model }

// Streaming implements InferenceRequest.
func (r *CompletionRequest) Streaming() bool { return r.Stream }

// Validate implements InferenceRequest.
func (r *CompletionRequest) Validate() error {
	v := util.NewValidationError("invalid completion request")

	if r.Model == "" {
		v.AddField("model", "is required")
	}
	if r.Prompt == "" {
		v.AddField("prompt", "is required")
	}
	validateSampling(v, r.MaxTokens, r.Temperature, r.TopP, r.N)

	if v.HasFields() {
		return v
	}
	return nil
}

// Cacheable implements InferenceRequest.
func (r *CompletionRequest) Cacheable() bool {
	return cacheable(r.Stream, r.Temperature, r.N)
}

func (r *CompletionRequest) fingerprint() any {
	return struct {
		Kind        string   `json:"kind"`
		Model       string   `json:"model"`
		Prompt      string   `json:"prompt"`
		MaxTokens   *int     `json:"max_tokens"`
		Temperature *float64 `json:"temperature"`
		TopP        *float64 `json:"top_p"`
		N           *int     `json:"n"`
		Stop        any      `json:"stop"`
		Seed        *int64   `json:"seed"`
	}{"completion", r.Model, r.Prompt, r.MaxTokens, r.Temperature, r.TopP, r.N, r.Stop, r.Seed}
}

func validateSampling(v *util.ValidationError, maxTokens *int, temperature, topP *float64, n *int) {
	if maxTokens != nil && *maxTokens <= 0 {
		v.AddField("max_tokens", "must be positive")
	}
	if temperature != nil && (*temperature < 0 || *temperature > 2) {
		v.AddField("temperature", "must be between 0 and 2")
	}
	if topP != nil && (*topP <= 0 || *topP > 1) {
		v.AddField("top_p", "must be in (0, 1]")
	}
	if n != nil && *n < 1 {
		v.AddField("n", "must be at least 1")
	}
}

func cacheable(stream bool, temperature *float64, n *int) bool {
	if stream {
		return false
	}
	if temperature == nil || *temperature != 0 {
		return false
	}
	if n != nil && *n > 1 {
		return false
	}
	return true
}

// Fingerprint returns the request's cache identity: a hex SHA-256 of
// the normalized payload. Client identity and transport options are
// excluded so identical questions share one entry.
func Fingerprint(r InferenceRequest) string {
	// The payload is a fixed struct, so encoding is deterministic.
	raw, err := json.Marshal(r.fingerprint())
	if err != nil {
		// Only unsupported value types can fail here, and the
		// payload contains none.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
