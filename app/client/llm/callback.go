package llm

import (
	"context"
	"log/slog"

	"github.com/tmc/langchaingo/callbacks"
)

var _ callbacks.Handler = LogHandler{}

// LogHandler reports remote reasoning calls to slog.
type LogHandler struct {
	callbacks.SimpleHandler
}

func (LogHandler) HandleLLMStart(ctx context.Context, prompts []string) {
	size := 0
	for _, p := range prompts {
		size += len(p)
	}
	slog.DebugContext(ctx, "LLM start", "prompt_length", size)
}

func (LogHandler) HandleText(ctx context.Context, text string) {
	slog.DebugContext(ctx, "LLM response", "length", len(text))
}

func (LogHandler) HandleLLMError(ctx context.Context, err error) {
	slog.WarnContext(ctx, "LLM call failed", "error", err)
}
