package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"golang.org/x/time/rate"
)

// FormRunnerConfig holds FormRunner settings
type FormRunnerConfig struct {
	Browser        Browser
	Logger         *slog.Logger
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxSteps       int
	// RatePerSecond limits how often attempts start across all runs. Zero disables the limit.
	RatePerSecond float64
}

// FormRunner drives a Browser through an application form, retrying transient
// failures with exponential backoff.
type FormRunner struct {
	browser        Browser
	logger         *slog.Logger
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxSteps       int
	limiter        *rate.Limiter
}

// NewFormRunner creates a new FormRunner
func NewFormRunner(cfg *FormRunnerConfig) *FormRunner {
	r := &FormRunner{
		browser:        cfg.Browser,
		logger:         cfg.Logger,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		maxSteps:       cfg.MaxSteps,
	}

	if r.maxAttempts <= 0 {
		r.maxAttempts = 3 // default
	}
	if r.initialBackoff <= 0 {
		r.initialBackoff = time.Second // default
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = 30 * time.Second // default
	}
	if r.maxSteps <= 0 {
		r.maxSteps = 10 // default
	}
	if cfg.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return r
}

// Run attempts the application up to the configured number of times
func (r *FormRunner) Run(ctx context.Context, app *domain.Application, rc RunContext) (Outcome, error) {
	logger := r.logger.With(
		slog.String("application_id", app.ApplicationID),
		slog.String("application_url", app.ApplicationURL),
	)

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return Outcome{}, ctx.Err()
				}
				return Failure(fmt.Sprintf("rate limiter: %v", err)), nil
			}
		}

		logger.Info("Agent attempt started",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.maxAttempts),
		)

		outcome, err := r.attempt(ctx, app, rc)
		if err == nil {
			logger.Info("Agent attempt finished",
				slog.Int("attempt", attempt),
				slog.String("outcome", outcome.Kind.String()),
			)
			return outcome, nil
		}

		if ctx.Err() != nil {
			logger.Info("Agent run canceled", slog.Int("attempt", attempt))
			return Outcome{}, ctx.Err()
		}

		if !IsTransient(err) {
			logger.Error("Agent attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
			return Failure(err.Error()), nil
		}

		lastErr = err
		if attempt < r.maxAttempts {
			delay := r.backoff(attempt)
			logger.Warn("Agent attempt hit a transient error, retrying...",
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			if err := sleep(ctx, delay); err != nil {
				return Outcome{}, err
			}
		}
	}

	logger.Error("Agent gave up after all retries",
		slog.Int("attempts", r.maxAttempts),
		slog.Any("error", lastErr),
	)
	return Failure(fmt.Sprintf("gave up after %d attempts: %v", r.maxAttempts, lastErr)), nil
}

// backoff returns initial * 2^(attempt-1), capped at maxBackoff
func (r *FormRunner) backoff(attempt int) time.Duration {
	delay := r.initialBackoff * time.Duration(1<<uint(attempt-1))
	if delay <= 0 || delay > r.maxBackoff {
		delay = r.maxBackoff
	}
	return delay
}

func (r *FormRunner) attempt(ctx context.Context, app *domain.Application, rc RunContext) (Outcome, error) {
	page, err := r.browser.Open(ctx, app.ApplicationURL)
	if err != nil {
		return Outcome{}, err
	}
	defer page.Close()

	for step := 1; step <= r.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		fields, err := page.Fields(ctx)
		if err != nil {
			return Outcome{}, err
		}

		type fill struct {
			field Field
			value string
		}
		var fills []fill
		var questions []domain.Question
		asked := make(map[string]bool)

		for _, f := range fields {
			value, ok := resolveField(f, rc)
			if ok {
				fills = append(fills, fill{field: f, value: value})
				continue
			}
			if !f.Required {
				continue
			}
			key := fieldKey(f)
			if key == "" || asked[key] {
				continue
			}
			asked[key] = true
			questions = append(questions, domain.Question{Field: key, Question: questionFor(f)})
		}

		// Nothing is typed on a page that still has unanswered required fields
		if len(questions) > 0 {
			return NeedsInfo(questions), nil
		}

		for _, f := range fills {
			if err := page.Fill(ctx, f.field, f.value); err != nil {
				return Outcome{}, err
			}
		}

		// Advance is never retried: the click may already have submitted the form
		result, err := page.Advance(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Failure(fmt.Sprintf("submission state unknown: %v", err)), nil
		}

		switch result {
		case StepSubmitted:
			return Success(), nil
		case StepNext:
			r.logger.Debug("Agent moved to next form page",
				slog.String("application_id", app.ApplicationID),
				slog.Int("step", step),
			)
		case StepUnconfirmed:
			return Failure("submit pressed but the site showed no confirmation"), nil
		default:
			return Failure("form has no submit or next control"), nil
		}
	}

	return Failure(fmt.Sprintf("form did not complete within %d steps", r.maxSteps)), nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
