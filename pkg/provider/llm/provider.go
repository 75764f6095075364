// Package llm defines the Provider interface for one-shot text generation.
//
// The coach uses one-shot generation outside the live session: Part 2 cue
// cards and post-session feedback. A provider turns a [Request] into a single
// text response. When Request.Schema is set the response is constrained to
// JSON matching it.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Type is a JSON schema type name.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// Schema is the subset of JSON schema the coach needs for structured output.
type Schema struct {
	Type        Type
	Description string
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
}

// Request carries one generation call.
type Request struct {
	// SystemPrompt is an optional instruction applied before Prompt.
	SystemPrompt string

	// Prompt is the user turn. Must be non-empty.
	Prompt string

	// Schema, when non-nil, requests a JSON response matching it.
	Schema *Schema

	// Temperature is passed through when positive.
	Temperature float32
}

// Provider is the abstraction over one-shot generation backends.
type Provider interface {
	// Generate returns the model's text for req. Implementations return
	// [ErrEmptyResponse] (wrapped) when the model returns nothing.
	Generate(ctx context.Context, req Request) (string, error)
}
