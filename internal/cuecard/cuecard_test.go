package cuecard_test

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/cuecard"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/internal/observe"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm"
	llmmock "github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

const validCard = `{
  "topic": "A memorable journey",
  "description": "Describe a journey you remember well.",
  "points": ["where you went", "who you went with", "why it was memorable"]
}`

func TestGenerate(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []string{validCard}}
	g := cuecard.New(p, cuecard.WithMetrics(testMetrics(t)))

	card, err := g.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if card.Topic != "A memorable journey" || len(card.Points) != 3 {
		t.Errorf("card = %+v", card)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	req := calls[0].Req
	if req.Schema != cuecard.Schema || req.SystemPrompt == "" {
		t.Errorf("request = %+v", req)
	}
	if req.Schema.Type != llm.TypeObject || len(req.Schema.Required) != 3 {
		t.Errorf("schema = %+v", req.Schema)
	}
}

func TestGenerate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    *llmmock.Provider
	}{
		{"provider error", &llmmock.Provider{Errs: []error{errors.New("quota")}}},
		{"not json", &llmmock.Provider{Responses: []string{"Describe a place."}}},
		{"missing topic", &llmmock.Provider{Responses: []string{`{"description":"Describe x.","points":["a"]}`}}},
		{"no points", &llmmock.Provider{Responses: []string{`{"topic":"x","description":"Describe x.","points":[]}`}}},
		{"blank point", &llmmock.Provider{Responses: []string{`{"topic":"x","description":"Describe x.","points":["a"," "]}`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := cuecard.New(tt.p, cuecard.WithMetrics(testMetrics(t)))
			if _, err := g.Generate(context.Background()); !errors.Is(err, cuecard.ErrGeneration) {
				t.Errorf("Generate() = %v, want ErrGeneration", err)
			}
			if tt.p.CallCount() != 1 {
				t.Errorf("calls = %d, want exactly 1 (no retry)", tt.p.CallCount())
			}
		})
	}
}

func TestParse_ToleratesFences(t *testing.T) {
	t.Parallel()
	card, err := cuecard.Parse("```json\n" + validCard + "\n```")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if card.Description != "Describe a journey you remember well." {
		t.Errorf("card = %+v", card)
	}
}
