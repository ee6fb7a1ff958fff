package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FormStep is one page of a simulated application form
type FormStep struct {
	Fields []Field
}

// SimulatedBrowser serves the same multi-step form for every URL. Each step waits
// Latency to stand in for page navigation.
type SimulatedBrowser struct {
	Steps   []FormStep
	Latency time.Duration
	// TransientFailures makes the first N Open calls fail with a transient error
	TransientFailures int

	mu        sync.Mutex
	opens     int
	submitted []map[string]string
}

// NewSimulatedBrowser creates a SimulatedBrowser serving steps
func NewSimulatedBrowser(steps []FormStep, latency time.Duration) *SimulatedBrowser {
	return &SimulatedBrowser{Steps: steps, Latency: latency}
}

// DefaultFormSteps is a typical two-page application form
func DefaultFormSteps() []FormStep {
	return []FormStep{
		{Fields: []Field{
			{Name: "full_name", Label: "Full name", Type: "text", Required: true},
			{Name: "email", Label: "Email", Type: "email", Required: true},
			{Name: "phone", Label: "Phone", Type: "tel"},
		}},
		{Fields: []Field{
			{Name: "visa_status", Label: "Visa sponsorship", Type: "text", Required: true,
				Question: "Do you require visa sponsorship?"},
			{Name: "terms", Label: "I agree to the terms", Type: "checkbox", Required: true},
		}},
	}
}

func (b *SimulatedBrowser) Open(ctx context.Context, url string) (Page, error) {
	if err := sleep(ctx, b.Latency); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.opens++
	failing := b.opens <= b.TransientFailures
	b.mu.Unlock()

	if failing {
		return nil, NewTransientError(fmt.Errorf("navigate to %s: connection reset", url))
	}
	return &simulatedPage{browser: b, values: make(map[string]string)}, nil
}

// Opens returns how many times Open was called
func (b *SimulatedBrowser) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Submissions returns the field values of every submitted form
func (b *SimulatedBrowser) Submissions() []map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]string(nil), b.submitted...)
}

type simulatedPage struct {
	browser *SimulatedBrowser
	step    int
	values  map[string]string
}

func (p *simulatedPage) Fields(ctx context.Context) ([]Field, error) {
	if p.step >= len(p.browser.Steps) {
		return nil, nil
	}
	return append([]Field(nil), p.browser.Steps[p.step].Fields...), nil
}

func (p *simulatedPage) Fill(ctx context.Context, field Field, value string) error {
	p.values[fieldKey(field)] = value
	return nil
}

func (p *simulatedPage) Advance(ctx context.Context) (StepResult, error) {
	if p.step >= len(p.browser.Steps) {
		return StepStuck, nil
	}
	for _, f := range p.browser.Steps[p.step].Fields {
		if f.Required && p.values[fieldKey(f)] == "" {
			return 0, fmt.Errorf("site rejected form: required field %s is empty", fieldKey(f))
		}
	}
	if err := sleep(ctx, p.browser.Latency); err != nil {
		return 0, err
	}

	p.step++
	if p.step < len(p.browser.Steps) {
		return StepNext, nil
	}

	p.browser.mu.Lock()
	p.browser.submitted = append(p.browser.submitted, p.values)
	p.browser.mu.Unlock()
	return StepSubmitted, nil
}

func (p *simulatedPage) Close() error {
	return nil
}
