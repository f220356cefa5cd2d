package labinterp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultExplainTimeout = 5 * time.Second
	DefaultConcurrency    = 4
)

// Fallback reasons passed to Observer.ObserveExplanationFallback.
const (
	FallbackError   = "error"
	FallbackTimeout = "timeout"
	FallbackEmpty   = "empty"
)

// Observer receives interpretation outcomes, e.g. for metrics.
type Observer interface {
	ObserveAssessment(a *Assessment)
	ObserveExplanationFallback(reason string)
}

// Interpreter classifies and aggregates lab results using injected tables
// and an optional Explainer. It holds no mutable state and is safe for
// concurrent use.
type Interpreter struct {
	tables      Tables
	explainer   Explainer
	timeout     time.Duration
	concurrency int
	logger      zerolog.Logger
	observer    Observer
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithTables replaces the built-in lookup tables.
func WithTables(t Tables) Option {
	return func(in *Interpreter) { in.tables = t }
}

// WithExplainer sets the collaborator used to generate explanations.
func WithExplainer(e Explainer) Option {
	return func(in *Interpreter) { in.explainer = e }
}

// WithExplainTimeout bounds each Explainer call.
func WithExplainTimeout(d time.Duration) Option {
	return func(in *Interpreter) {
		if d > 0 {
			in.timeout = d
		}
	}
}

// WithConcurrency limits how many explanations are generated at once.
func WithConcurrency(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.concurrency = n
		}
	}
}

// WithLogger sets the logger used to report explanation fallbacks.
func WithLogger(l zerolog.Logger) Option {
	return func(in *Interpreter) { in.logger = l }
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(in *Interpreter) { in.observer = o }
}

// New creates an Interpreter with DefaultTables and no Explainer unless
// configured otherwise.
func New(opts ...Option) *Interpreter {
	in := &Interpreter{
		tables:      DefaultTables(),
		timeout:     DefaultExplainTimeout,
		concurrency: DefaultConcurrency,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Tables returns the tables in use.
func (in *Interpreter) Tables() Tables {
	return in.tables
}

// Classify interprets a single result without calling the Explainer.
func (in *Interpreter) Classify(input ResultInput, p Patient) ClassifiedResult {
	status := ClassifyStatus(input.Value, input.ReferenceRange, p)
	r := ClassifiedResult{
		Parameter:            input.Parameter,
		Value:                input.Value,
		Unit:                 input.Unit,
		ReferenceRange:       input.ReferenceRange,
		Status:               status,
		Severity:             in.tables.Severity(input.Parameter, input.Value, status),
		ClinicalSignificance: in.tables.ClinicalSignificance(input.Parameter, status),
	}
	r.Explanation = FallbackExplanation(r, p)
	return r
}

// Interpret classifies every input and aggregates them into an Assessment.
// The only error is ErrNilResults; malformed readings and explainer
// failures degrade instead of failing.
func (in *Interpreter) Interpret(ctx context.Context, inputs []ResultInput, p Patient) (*Assessment, error) {
	if inputs == nil {
		return nil, ErrNilResults
	}

	results := make([]ClassifiedResult, len(inputs))
	for i, input := range inputs {
		results[i] = in.Classify(input, p)
	}

	if in.explainer != nil && len(results) > 0 {
		var g errgroup.Group
		g.SetLimit(in.concurrency)
		for i := range results {
			i := i
			g.Go(func() error {
				if text, ok := in.explain(ctx, results[i], p); ok {
					results[i].Explanation = text
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	a := Aggregate(results)
	if in.observer != nil {
		in.observer.ObserveAssessment(&a)
	}
	return &a, nil
}

type explainReply struct {
	text string
	err  error
}

// explain calls the Explainer under the configured timeout. It returns false
// when the fallback explanation must be kept.
func (in *Interpreter) explain(ctx context.Context, r ClassifiedResult, p Patient) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	req := ExplainRequest{
		Parameter: r.Parameter,
		Value:     r.Value,
		Unit:      r.Unit,
		Status:    r.Status,
		Patient:   p,
	}

	// The explainer may ignore ctx; the reply channel is buffered so a late
	// reply does not block its goroutine.
	done := make(chan explainReply, 1)
	go func() {
		text, err := in.explainer.Explain(ctx, req)
		done <- explainReply{text: text, err: err}
	}()

	var reply explainReply
	select {
	case reply = <-done:
	case <-ctx.Done():
		reply.err = ctx.Err()
	}

	if reply.err != nil {
		reason := FallbackError
		if errors.Is(reply.err, context.DeadlineExceeded) {
			reason = FallbackTimeout
		}
		in.logger.Warn().Err(reply.err).
			Str("parameter", r.Parameter).
			Str("reason", reason).
			Msg("explanation unavailable, using fallback")
		in.fallback(reason)
		return "", false
	}

	text := strings.TrimSpace(reply.text)
	if text == "" {
		in.logger.Warn().Str("parameter", r.Parameter).Str("reason", FallbackEmpty).
			Msg("explanation unavailable, using fallback")
		in.fallback(FallbackEmpty)
		return "", false
	}
	return text, true
}

func (in *Interpreter) fallback(reason string) {
	if in.observer != nil {
		in.observer.ObserveExplanationFallback(reason)
	}
}
