package llm

import (
	"context"
	"cortex/app/config"
	"errors"
	"fmt"

	"github.com/samber/do"
)

// ErrRateLimited is wrapped by backends when the remote service signals overload (HTTP 429).
var ErrRateLimited = errors.New("rate limited")

type Request struct {
	Prompt string
	// JSON asks the backend for a machine-parseable object response.
	JSON bool
}

// Completer is a single-shot text completion backend.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// Provide builds the configured backend for the injector.
func Provide(di *do.Injector) (Completer, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return New(do.MustInvoke[context.Context](di), cfg.Reasoning)
}

func New(ctx context.Context, cfg config.Reasoning) (Completer, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg), nil
	case "gemini":
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}
}
