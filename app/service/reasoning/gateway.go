package reasoning

import (
	"context"
	"cortex/app/client/llm"
	"cortex/app/config"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
	"github.com/tmc/langchaingo/callbacks"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	Timeout       time.Duration
	MaxConcurrent int
	PromptPath    string
}

// Gateway wraps the remote reasoning service. None of its operations return errors:
// every failure is logged and collapsed into a safe default.
type Gateway struct {
	completer llm.Completer
	handler   callbacks.Handler
	sem       *semaphore.Weighted
	timeout   time.Duration
	templates *templateLoader

	sleep func(ctx context.Context, d time.Duration) error
}

func New(di *do.Injector) (*Gateway, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewGateway(do.MustInvoke[llm.Completer](di), Options{
		Timeout:       cfg.Reasoning.Timeout,
		MaxConcurrent: cfg.Reasoning.MaxConcurrent,
		PromptPath:    cfg.Reasoning.PromptPath,
	}), nil
}

func NewGateway(completer llm.Completer, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	return &Gateway{
		completer: completer,
		handler:   llm.LogHandler{},
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		timeout:   opts.Timeout,
		templates: newTemplateLoader(opts.PromptPath),
		sleep:     sleepContext,
	}
}

func (g *Gateway) Name() string {
	return g.completer.Name()
}

func (g *Gateway) AnalyzeMessage(ctx context.Context, transcript, sender, ownerName, contextText string) AnalysisResult {
	prompt := g.templates.render(transcript, contextText, ownerName, sender)

	raw, err := g.completeWithRetry(ctx, llm.Request{Prompt: prompt, JSON: true})
	if err != nil {
		slog.ErrorContext(ctx, "Error analyzing message", "sender", sender, "error", err)
		return fallbackAnalysis(fmt.Sprintf("%s: %s", summaryAnalysisFailed, truncate(err.Error(), diagnosticLength)))
	}

	obj, err := decodeObject(raw)
	if err != nil {
		slog.ErrorContext(ctx, "AI returned invalid analysis format",
			"error", err,
			"response", truncate(raw, 200),
		)
		return fallbackAnalysis(summaryInvalidFormat)
	}

	return decodeAnalysis(obj)
}

func (g *Gateway) SummarizeDiscussions(ctx context.Context, buffer string) string {
	if strings.TrimSpace(buffer) == "" {
		return discussionsEmpty
	}

	raw, err := g.complete(ctx, llm.Request{Prompt: fmt.Sprintf(discussionsPrompt, buffer)})
	if err != nil {
		slog.ErrorContext(ctx, "Error generating discussion summary", "error", err)
		return discussionsFailed
	}

	return raw
}

func (g *Gateway) AnalyzeContextBatch(ctx context.Context, history, ownerName string) []string {
	if strings.TrimSpace(history) == "" {
		return nil
	}

	facts, err := g.completeList(ctx, fmt.Sprintf(contextBatchPrompt, ownerName, history), "facts")
	if err != nil {
		slog.ErrorContext(ctx, "Error analyzing context batch", "error", err)
		return nil
	}

	return facts
}

func (g *Gateway) AnalyzeFeedbackBatch(ctx context.Context, feedback string) []string {
	if strings.TrimSpace(feedback) == "" {
		return nil
	}

	rules, err := g.completeList(ctx, fmt.Sprintf(feedbackBatchPrompt, feedback), "rules")
	if err != nil {
		slog.ErrorContext(ctx, "Error analyzing feedback batch", "error", err)
		return nil
	}

	return rules
}

// DeduplicateFacts consolidates facts. Small inputs are deduplicated locally; on any
// remote failure the input is returned unchanged.
func (g *Gateway) DeduplicateFacts(ctx context.Context, facts []string) []string {
	if len(facts) < dedupRemoteThreshold {
		return pie.Sort(pie.Unique(facts))
	}

	factsJSON, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode facts", "error", err)
		return facts
	}

	consolidated, err := g.completeList(ctx, fmt.Sprintf(dedupPrompt, factsJSON), "consolidated_facts")
	if err == nil && len(consolidated) == 0 {
		err = fmt.Errorf("%w: empty consolidated_facts", ErrMalformed)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Error deduplicating facts", "count", len(facts), "error", err)
		return facts
	}

	slog.InfoContext(ctx, "Consolidated facts", "before", len(facts), "after", len(consolidated))

	return consolidated
}

func (g *Gateway) HandleSessionTurn(ctx context.Context, transcript, ownerProfile, ownerName string) TurnResult {
	raw, err := g.complete(ctx, llm.Request{
		Prompt: fmt.Sprintf(sessionTurnPrompt, ownerName, ownerProfile, transcript),
		JSON:   true,
	})
	if err == nil {
		var result TurnResult
		if result, err = decodeTurn(raw); err == nil {
			return result
		}
	}

	slog.ErrorContext(ctx, "Error in session turn", "error", err, "response", truncate(raw, 200))

	return TurnResult{Reply: sessionTurnApology, Status: StatusFinish}
}

func (g *Gateway) SummarizeSession(ctx context.Context, transcript, ownerName string) SessionSummary {
	raw, err := g.complete(ctx, llm.Request{
		Prompt: fmt.Sprintf(sessionSummaryPrompt, transcript, ownerName),
		JSON:   true,
	})
	if err == nil {
		var summary SessionSummary
		if summary, err = decodeSessionSummary(raw); err == nil {
			return summary
		}
	}

	slog.ErrorContext(ctx, "Error summarizing session", "error", err)

	return SessionSummary{Summary: sessionSummaryFailed, Priority: sessionSummaryPriority}
}

func decodeTurn(raw string) (TurnResult, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return TurnResult{}, err
	}

	reply := stringField(obj, "reply")
	if reply == "" {
		return TurnResult{}, fmt.Errorf("%w: empty reply", ErrMalformed)
	}

	status := StatusFinish
	if strings.EqualFold(stringField(obj, "status"), string(StatusContinue)) {
		status = StatusContinue
	}

	return TurnResult{Reply: reply, Status: status}, nil
}

func decodeSessionSummary(raw string) (SessionSummary, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return SessionSummary{}, err
	}

	summary := stringField(obj, "summary")
	if summary == "" {
		return SessionSummary{}, fmt.Errorf("%w: empty summary", ErrMalformed)
	}

	return SessionSummary{
		Summary:  summary,
		Priority: intField(obj, "priority", sessionSummaryPriority),
		Deadline: optionalString(obj, "deadline"),
	}, nil
}

func (g *Gateway) completeList(ctx context.Context, prompt, key string) ([]string, error) {
	raw, err := g.complete(ctx, llm.Request{Prompt: prompt, JSON: true})
	if err != nil {
		return nil, err
	}

	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	return stringList(obj, key), nil
}

// completeWithRetry retries rate-limited calls with exponential backoff: 2s, then 4s.
func (g *Gateway) completeWithRetry(ctx context.Context, req llm.Request) (string, error) {
	var lastErr error

	for attempt := 0; attempt < analysisMaxAttempts; attempt++ {
		raw, err := g.complete(ctx, req)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if !errors.Is(err, llm.ErrRateLimited) || attempt == analysisMaxAttempts-1 {
			break
		}

		wait := time.Duration(math.Pow(analysisBackoffBaseSecs, float64(attempt+1))) * time.Second
		slog.WarnContext(ctx, "Rate limited, retrying",
			"wait", wait,
			"attempt", attempt+1,
			"max_attempts", analysisMaxAttempts,
		)

		if err = g.sleep(ctx, wait); err != nil {
			return "", err
		}
	}

	return "", lastErr
}

func (g *Gateway) complete(ctx context.Context, req llm.Request) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.handler.HandleLLMStart(ctx, []string{req.Prompt})

	raw, err := g.completer.Complete(ctx, req)
	if err != nil {
		g.handler.HandleLLMError(ctx, err)
		return "", err
	}

	g.handler.HandleText(ctx, raw)

	return raw, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
