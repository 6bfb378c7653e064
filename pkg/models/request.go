package models

import (
	"encoding/json"
	"fmt"
)

// Endpoint identifies the upstream API a request is addressed to.
type Endpoint string

const (
	// EndpointChatCompletions is the OpenAI-compatible /v1/chat/completions API.
	EndpointChatCompletions Endpoint = "chat.completions"
	// EndpointMessages is the Anthropic /v1/messages API.
	EndpointMessages Endpoint = "messages"
)

// Path returns the upstream path of e, relative to a provider base URL
// without a version suffix.
func (e Endpoint) Path() string {
	if e == EndpointMessages {
		return "/v1/messages"
	}
	return "/v1/chat/completions"
}

// Scope namespaces cache keys by endpoint and provider.
func Scope(e Endpoint, provider string) string {
	return string(e) + "|" + provider
}

// RequestView is the part of a completion request the proxy reads. The raw
// body is forwarded untouched apart from model rewrites.
type RequestView struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream,omitempty"`
}

// ParseRequest extracts the routing fields of body.
func ParseRequest(body []byte) (RequestView, error) {
	var v RequestView
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("parse request: %w", err)
	}
	return v, nil
}
