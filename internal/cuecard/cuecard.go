// Package cuecard generates IELTS Part 2 cue cards through one-shot
// structured generation.
package cuecard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm"
)

// ErrGeneration is returned when no valid cue card could be produced.
var ErrGeneration = errors.New("cuecard: generation failed")

// Card is a Part 2 prompt.
type Card struct {
	Topic       string   `json:"topic"`
	Description string   `json:"description"`
	Points      []string `json:"points"`
}

// Validate reports whether every field is populated.
func (c Card) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Topic) == "" {
		errs = append(errs, errors.New("topic is empty"))
	}
	if strings.TrimSpace(c.Description) == "" {
		errs = append(errs, errors.New("description is empty"))
	}
	if len(c.Points) == 0 {
		errs = append(errs, errors.New("no discussion points"))
	}
	for i, p := range c.Points {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("point %d is empty", i))
		}
	}
	return errors.Join(errs...)
}

const systemPrompt = `You are an IELTS speaking examiner preparing a Part 2 long-turn task.
Write one cue card for a candidate. The topic is a short noun phrase. The
description starts with "Describe" and names what to talk about. Give three or
four discussion points the candidate should cover, each starting with a
question word (what, when, where, who, why or how).`

const userPrompt = "Generate a new IELTS Part 2 cue card."

// Schema constrains the model's response.
var Schema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"topic":       {Type: llm.TypeString, Description: "Short topic name carried into Part 3."},
		"description": {Type: llm.TypeString, Description: "The task, starting with Describe."},
		"points": {
			Type:        llm.TypeArray,
			Description: "Discussion points to cover.",
			Items:       &llm.Schema{Type: llm.TypeString},
		},
	},
	Required: []string{"topic", "description", "points"},
}

// Generator produces cue cards.
type Generator struct {
	provider llm.Provider
	metrics  *observe.Metrics
	timeout  time.Duration
}

// Option configures a [Generator].
type Option func(*Generator)

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithTimeout bounds one generation call. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// New returns a Generator backed by p.
func New(p llm.Provider, opts ...Option) *Generator {
	g := &Generator{provider: p, timeout: 30 * time.Second}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Generate makes one attempt. Any failure wraps [ErrGeneration]; there is no
// retry.
func (g *Generator) Generate(ctx context.Context) (card Card, err error) {
	ctx, span := observe.StartSpan(ctx, "cuecard.generate")
	start := time.Now()
	defer func() {
		g.metrics.RecordGeneration(ctx, "cue_card", time.Since(start), err)
		observe.EndSpan(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.provider.Generate(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		Prompt:       userPrompt,
		Schema:       Schema,
		Temperature:  1,
	})
	if err != nil {
		return Card{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return Parse(text)
}

// Parse decodes and validates a model response. Markdown code fences around
// the JSON are tolerated.
func Parse(text string) (Card, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var card Card
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &card); err != nil {
		return Card{}, fmt.Errorf("%w: decode: %w", ErrGeneration, err)
	}
	card.Topic = strings.TrimSpace(card.Topic)
	card.Description = strings.TrimSpace(card.Description)
	for i := range card.Points {
		card.Points[i] = strings.TrimSpace(card.Points[i])
	}
	if err := card.Validate(); err != nil {
		return Card{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return card, nil
}
