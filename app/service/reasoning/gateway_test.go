package reasoning

import (
	"context"
	"cortex/app/client/llm"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	text string
	err  error
}

type fakeCompleter struct {
	mu      sync.Mutex
	replies []reply
	calls   []llm.Request
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)
	if len(f.replies) == 0 {
		return "", errors.New("no scripted reply")
	}

	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}

	return r.text, r.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestGateway(t *testing.T, replies ...reply) (*Gateway, *fakeCompleter, *[]time.Duration) {
	t.Helper()

	completer := &fakeCompleter{replies: replies}
	gw := NewGateway(completer, Options{PromptPath: filepath.Join(t.TempDir(), "missing.txt")})

	var waits []time.Duration
	gw.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	return gw, completer, &waits
}

func rateLimited() reply {
	return reply{err: fmt.Errorf("%w: quota", llm.ErrRateLimited)}
}

func TestAnalyzeMessageParsesObject(t *testing.T) {
	gw, _, _ := newTestGateway(t, reply{text: "```json\n" + `{"priority": 2, "summary": "Deploy question", "action_required": true, "deadline": "2026-10-20", "reply_text": "Sure, got it.", "save_memory": null}` + "\n```"})

	result := gw.AnalyzeMessage(context.Background(), "User: can you deploy?", "Bob", "Alex", "")

	assert.Equal(t, 2, result.Priority)
	assert.Equal(t, "Deploy question", result.Summary)
	assert.True(t, result.ActionRequired)
	require.NotNil(t, result.Deadline)
	assert.Equal(t, "2026-10-20", *result.Deadline)
	require.NotNil(t, result.ReplyText)
	assert.Equal(t, "Sure, got it.", *result.ReplyText)
	assert.Nil(t, result.SaveMemory)
}

func TestAnalyzeMessageTakesFirstListElement(t *testing.T) {
	gw, _, _ := newTestGateway(t, reply{text: `[{"priority": 1, "summary": "first"}, {"priority": 3, "summary": "second"}]`})

	result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

	assert.Equal(t, 1, result.Priority)
	assert.Equal(t, "first", result.Summary)
}

func TestAnalyzeMessageInvalidShapes(t *testing.T) {
	for _, raw := range []string{`"just a string"`, `[]`, `42`, `[1, 2]`} {
		t.Run(raw, func(t *testing.T) {
			gw, _, _ := newTestGateway(t, reply{text: raw})

			result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

			assert.Equal(t, AnalysisResult{Priority: 4, Summary: "Invalid analysis format"}, result)
		})
	}
}

func TestAnalyzeMessageKeepsRecordWithoutSummary(t *testing.T) {
	gw, _, _ := newTestGateway(t, reply{text: `{"priority": 2, "action_required": true, "reply_text": "Thanks, I will pass this on to Alex."}`})

	result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

	assert.Equal(t, 2, result.Priority)
	assert.Equal(t, "(no summary)", result.Summary)
	assert.True(t, result.ActionRequired)
	require.NotNil(t, result.ReplyText)
	assert.Equal(t, "Thanks, I will pass this on to Alex.", *result.ReplyText)
}

func TestAnalyzeMessageNormalizesPriority(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{`{"summary": "s"}`, 4},
		{`{"priority": 0, "summary": "s"}`, 4},
		{`{"priority": 9, "summary": "s"}`, 4},
		{`{"priority": "2", "summary": "s"}`, 2},
		{`{"priority": "P1", "summary": "s"}`, 1},
		{`{"priority": 1.0, "summary": "s"}`, 1},
		{`{"priority": "soon", "summary": "s"}`, 4},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			gw, _, _ := newTestGateway(t, reply{text: tt.raw})

			result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

			assert.Equal(t, tt.want, result.Priority)
		})
	}
}

func TestAnalyzeMessageRetriesOnRateLimit(t *testing.T) {
	gw, completer, waits := newTestGateway(t,
		rateLimited(),
		rateLimited(),
		reply{text: `{"priority": 3, "summary": "ok"}`},
	)

	result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

	assert.Equal(t, 3, result.Priority)
	assert.Equal(t, "ok", result.Summary)
	assert.Equal(t, 3, completer.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *waits)
}

func TestAnalyzeMessageSucceedsAfterSingleRateLimit(t *testing.T) {
	gw, completer, waits := newTestGateway(t,
		rateLimited(),
		reply{text: `{"priority": 2, "summary": "ok"}`},
	)

	result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

	assert.Equal(t, 2, result.Priority)
	assert.Equal(t, 2, completer.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second}, *waits)
}

func TestAnalyzeMessageExhaustsRetries(t *testing.T) {
	gw, completer, waits := newTestGateway(t, rateLimited())

	result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

	assert.Equal(t, 4, result.Priority)
	assert.False(t, result.ActionRequired)
	assert.Contains(t, result.Summary, "Analysis failed")
	assert.Equal(t, 3, completer.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *waits)
}

func TestAnalyzeMessageDoesNotRetryOtherErrors(t *testing.T) {
	gw, completer, waits := newTestGateway(t, reply{err: errors.New("connection reset by peer")})

	result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

	assert.Equal(t, 4, result.Priority)
	assert.Equal(t, "Analysis failed: connection reset by peer", result.Summary)
	assert.Equal(t, 1, completer.callCount())
	assert.Empty(t, *waits)
}

func TestAnalyzeMessageTruncatesDiagnostic(t *testing.T) {
	long := strings.Repeat("x", 100)
	gw, _, _ := newTestGateway(t, reply{err: errors.New(long)})

	result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

	assert.Equal(t, "Analysis failed: "+long[:50], result.Summary)
}

func TestAnalyzeMessageStopsWhenCancelledDuringBackoff(t *testing.T) {
	gw, completer, _ := newTestGateway(t, rateLimited())
	gw.sleep = func(_ context.Context, _ time.Duration) error {
		return context.Canceled
	}

	result := gw.AnalyzeMessage(context.Background(), "t", "Bob", "Alex", "")

	assert.Equal(t, 4, result.Priority)
	assert.Equal(t, 1, completer.callCount())
}

func TestAnalyzeMessageUsesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("Owner={{ user_name }} Memory={{ memory_text }} Chat={{ message_text }}"), 0o600))

	completer := &fakeCompleter{replies: []reply{{text: `{"priority": 3, "summary": "s"}`}}}
	gw := NewGateway(completer, Options{PromptPath: path})

	gw.AnalyzeMessage(context.Background(), "User: hi", "Bob", "Alex", "likes tea")

	require.Len(t, completer.calls, 1)
	assert.Equal(t, "Owner=Alex Memory=likes tea Chat=User: hi", completer.calls[0].Prompt)
	assert.True(t, completer.calls[0].JSON)
}

func TestAnalyzeMessageFallsBackWithoutTemplate(t *testing.T) {
	gw, completer, _ := newTestGateway(t, reply{text: `{"priority": 3, "summary": "s"}`})

	gw.AnalyzeMessage(context.Background(), "User: hi", "Bob", "Alex", "likes tea")

	require.Len(t, completer.calls, 1)
	assert.Equal(t, "Analyze this chat: User: hi. Memory: likes tea. Json output.", completer.calls[0].Prompt)
}

func TestSummarizeDiscussions(t *testing.T) {
	gw, completer, _ := newTestGateway(t, reply{text: "digest"})
	assert.Equal(t, "No meaningful discussions to report.", gw.SummarizeDiscussions(context.Background(), "  "))
	assert.Equal(t, 0, completer.callCount())

	assert.Equal(t, "digest", gw.SummarizeDiscussions(context.Background(), "chat: hello"))

	failing, _, _ := newTestGateway(t, reply{err: errors.New("boom")})
	assert.Equal(t, "Failed to generate summary.", failing.SummarizeDiscussions(context.Background(), "chat: hello"))
}

func TestAnalyzeContextBatch(t *testing.T) {
	gw, completer, _ := newTestGateway(t, reply{text: `{"facts": ["Works on v2 project", "", 7, "Uses Go"]}`})

	facts := gw.AnalyzeContextBatch(context.Background(), "[t3] Bob: shipped v2", "Alex")

	assert.Equal(t, []string{"Works on v2 project", "Uses Go"}, facts)
	require.Len(t, completer.calls, 1)
	assert.Contains(t, completer.calls[0].Prompt, "PERSISTENT facts")
	assert.Contains(t, completer.calls[0].Prompt, `One-off tasks ("Buy milk")`)
	assert.Contains(t, completer.calls[0].Prompt, `Temporary states ("I'm tired")`)
	assert.Contains(t, completer.calls[0].Prompt, `"Me" or "Alex"`)
}

func TestAnalyzeBatchesFailToEmpty(t *testing.T) {
	gw, _, _ := newTestGateway(t, reply{err: errors.New("boom")})
	assert.Empty(t, gw.AnalyzeContextBatch(context.Background(), "history", "Alex"))
	assert.Empty(t, gw.AnalyzeFeedbackBatch(context.Background(), "feedback"))

	malformed, _, _ := newTestGateway(t, reply{text: "not json"})
	assert.Empty(t, malformed.AnalyzeFeedbackBatch(context.Background(), "feedback"))
}

func TestAnalyzeFeedbackBatch(t *testing.T) {
	gw, completer, _ := newTestGateway(t, reply{text: `{"rules": ["Newsletters are always P4"]}`})

	rules := gw.AnalyzeFeedbackBatch(context.Background(), "- Task: Read newsletter\n  Comments: spam")

	assert.Equal(t, []string{"Newsletters are always P4"}, rules)
	assert.Contains(t, completer.calls[0].Prompt, "REJECTED tasks")
}

func TestDeduplicateFactsShortcut(t *testing.T) {
	tests := []struct {
		name  string
		facts []string
		want  []string
	}{
		{"empty", nil, nil},
		{"single", []string{"b"}, []string{"b"}},
		{"duplicates", []string{"b", "a", "b", "c"}, []string{"a", "b", "c"}},
		{"case sensitive", []string{"Go", "go", "Go"}, []string{"Go", "go"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, completer, _ := newTestGateway(t, reply{text: `{"consolidated_facts": ["remote"]}`})

			got := gw.DeduplicateFacts(context.Background(), tt.facts)

			assert.ElementsMatch(t, tt.want, got)
			assert.IsNonDecreasing(t, got)
			assert.Equal(t, 0, completer.callCount())
		})
	}
}

func TestDeduplicateFactsRemote(t *testing.T) {
	facts := []string{"Works at TechCorp", "TechCorp employee", "Uses Go", "Uses Golang", "Hates calls"}
	gw, completer, _ := newTestGateway(t, reply{text: `{"consolidated_facts": ["Works at TechCorp", "Uses Go", "Hates calls"]}`})

	got := gw.DeduplicateFacts(context.Background(), facts)

	assert.Equal(t, []string{"Works at TechCorp", "Uses Go", "Hates calls"}, got)
	require.Equal(t, 1, completer.callCount())
	assert.Contains(t, completer.calls[0].Prompt, `"TechCorp employee"`)
}

func TestDeduplicateFactsFailSafe(t *testing.T) {
	facts := []string{"a", "b", "c", "d", "e"}

	for name, r := range map[string]reply{
		"error":     {err: errors.New("boom")},
		"malformed": {text: "nope"},
		"empty":     {text: `{"consolidated_facts": []}`},
		"wrong key": {text: `{"facts": ["a"]}`},
	} {
		t.Run(name, func(t *testing.T) {
			gw, _, _ := newTestGateway(t, r)
			assert.Equal(t, facts, gw.DeduplicateFacts(context.Background(), facts))
		})
	}
}

func TestHandleSessionTurn(t *testing.T) {
	gw, completer, _ := newTestGateway(t, reply{text: `{"reply": "When would suit you?", "status": "continue"}`})

	result := gw.HandleSessionTurn(context.Background(), "User: can we meet?", "Backend engineer", "Alex")

	assert.Equal(t, TurnResult{Reply: "When would suit you?", Status: StatusContinue}, result)
	assert.Contains(t, completer.calls[0].Prompt, "receptionist for Alex")
	assert.Contains(t, completer.calls[0].Prompt, "Backend engineer")
}

func TestHandleSessionTurnFailsTowardFinish(t *testing.T) {
	for name, r := range map[string]reply{
		"error":          {err: errors.New("boom")},
		"malformed":      {text: "{"},
		"empty reply":    {text: `{"reply": "", "status": "CONTINUE"}`},
		"unknown status": {text: `{"reply": "Bye", "status": "MAYBE"}`},
	} {
		t.Run(name, func(t *testing.T) {
			gw, _, _ := newTestGateway(t, r)

			result := gw.HandleSessionTurn(context.Background(), "User: hi", "", "Alex")

			assert.Equal(t, StatusFinish, result.Status)
			assert.NotEmpty(t, result.Reply)
		})
	}
}

func TestSummarizeSession(t *testing.T) {
	gw, _, _ := newTestGateway(t, reply{text: `{"summary": "Call Bob about invoice", "priority": 2, "deadline": "2026-10-21"}`})

	summary := gw.SummarizeSession(context.Background(), "User: invoice", "Alex")

	assert.Equal(t, "Call Bob about invoice", summary.Summary)
	assert.Equal(t, 2, summary.Priority)
	require.NotNil(t, summary.Deadline)
	assert.Equal(t, "2026-10-21", *summary.Deadline)

	failing, _, _ := newTestGateway(t, reply{err: errors.New("boom")})
	fallback := failing.SummarizeSession(context.Background(), "User: invoice", "Alex")
	assert.Equal(t, SessionSummary{Summary: "Review conversation (Summary Failed)", Priority: 3}, fallback)
}

func TestConcurrencyCap(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	inFlight, peak := 0, 0

	completer := completerFunc(func(ctx context.Context, _ llm.Request) (string, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		<-block

		mu.Lock()
		inFlight--
		mu.Unlock()
		return `{"facts": []}`, nil
	})

	gw := NewGateway(completer, Options{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gw.AnalyzeContextBatch(context.Background(), "history", "Alex")
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
}

type completerFunc func(ctx context.Context, req llm.Request) (string, error)

func (f completerFunc) Name() string { return "func" }

func (f completerFunc) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}
