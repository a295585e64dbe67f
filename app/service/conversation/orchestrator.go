package conversation

import (
	"context"
	"cortex/app/service/memory"
	"cortex/app/service/queue"
	"cortex/app/service/reasoning"
	"cortex/app/service/tasks"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elliotchance/pie/v2"
)

const formatErrorSummary = "Analysis format error"

type Analyzer interface {
	AnalyzeMessage(ctx context.Context, transcript, sender, ownerName, contextText string) reasoning.AnalysisResult
}

// Orchestrator assembles the analysis context for one inbound message.
type Orchestrator struct {
	analyzer Analyzer
	memory   memory.Store
}

func NewOrchestrator(analyzer Analyzer, store memory.Store) *Orchestrator {
	return &Orchestrator{
		analyzer: analyzer,
		memory:   store,
	}
}

// Process analyzes msg. Context goes from most specific to most general: recently
// finished tasks, learned preferences, then long-term memory.
func (o *Orchestrator) Process(
	ctx context.Context,
	msg queue.Message,
	transcript, ownerName string,
	prefs *tasks.Preferences,
	recentDone []tasks.Task,
) reasoning.AnalysisResult {
	contextText := o.buildContext(ctx, prefs, recentDone)

	slog.Debug("Analyzing message",
		"key", msg.Key,
		"sender", msg.Sender,
		"context_length", len(contextText),
	)

	result := o.analyzer.AnalyzeMessage(ctx, transcript, msg.Sender, ownerName, contextText)
	if !result.Valid() {
		slog.Error("Analysis format error", "key", msg.Key, "result", result)
		return reasoning.AnalysisResult{
			Priority: 4,
			Summary:  formatErrorSummary,
		}
	}

	return result
}

func (o *Orchestrator) buildContext(ctx context.Context, prefs *tasks.Preferences, recentDone []tasks.Task) string {
	var sections []string

	if len(recentDone) > 0 {
		lines := pie.Map(recentDone, func(t tasks.Task) string {
			return "- " + t.Summary
		})
		sections = append(sections, "Recent Finished Tasks:\n"+strings.Join(lines, "\n"))
	}

	if prefs != nil {
		sections = append(sections, "User Preferences (Learning):\n"+
			"ACCEPTED Tasks:\n"+strings.Join(pie.Map(prefs.Accepted, formatExample), "\n")+
			"\nREJECTED Tasks:\n"+strings.Join(pie.Map(prefs.Rejected, formatExample), "\n"))
	}

	if o.memory != nil {
		text, err := o.memory.Text(ctx)
		if err != nil {
			slog.Warn("Failed to read long-term memory", "error", err)
		} else if text != "" {
			sections = append(sections, text)
		}
	}

	return strings.Join(sections, "\n\n")
}

func formatExample(example tasks.PreferenceExample) string {
	line := fmt.Sprintf("- [P%d] %s (from %s)", example.Priority, example.Summary, example.Sender)
	if len(example.Comments) > 0 {
		line += " | Note: " + strings.Join(example.Comments, ", ")
	}

	return line
}
