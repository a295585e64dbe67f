package digest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type summarizerFunc func(ctx context.Context, buffer string) string

func (f summarizerFunc) SummarizeDiscussions(ctx context.Context, buffer string) string {
	return f(ctx, buffer)
}

type sentMessage struct {
	chatID int64
	text   string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingSender) Send(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentMessage{chatID, text})
	return nil
}

func (r *recordingSender) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]sentMessage(nil), r.sent...)
}

func TestTextGroupsByChat(t *testing.T) {
	svc := NewService(nil, &recordingSender{}, 1, time.Hour)

	svc.Add("Team", "Bob", "release is tomorrow")
	svc.Add("Alumni", "Eve", "reunion in May")
	svc.Add("Team", "Ann", "  ")
	svc.Add("Team", "Ann", "ok, freezing main")

	assert.Equal(t,
		"Chat: Alumni\nEve: reunion in May\n\nChat: Team\nBob: release is tomorrow\nAnn: ok, freezing main\n",
		svc.Text())
}

func TestSendSummarizesAndClears(t *testing.T) {
	var got string
	sender := &recordingSender{}
	svc := NewService(summarizerFunc(func(_ context.Context, buffer string) string {
		got = buffer
		return "Team plans a release."
	}), sender, 42, time.Hour)

	svc.Add("Team", "Bob", "release is tomorrow")
	require.NoError(t, svc.Send(context.Background()))

	assert.Equal(t, "Chat: Team\nBob: release is tomorrow\n", got)
	assert.Equal(t, []sentMessage{{42, "Discussion digest\n\nTeam plans a release."}}, sender.messages())
	assert.Empty(t, svc.Text())
}

func TestSendSkipsEmptyBuffer(t *testing.T) {
	sender := &recordingSender{}
	svc := NewService(summarizerFunc(func(context.Context, string) string {
		t.Fatal("summarizer must not be called")
		return ""
	}), sender, 42, time.Hour)

	require.NoError(t, svc.Send(context.Background()))
	assert.Empty(t, sender.messages())
}

func TestSendError(t *testing.T) {
	sender := &recordingSender{err: errors.New("network down")}
	svc := NewService(summarizerFunc(func(context.Context, string) string { return "x" }), sender, 42, time.Hour)
	svc.Add("Team", "Bob", "hi")

	assert.Error(t, svc.Send(context.Background()))
}

func TestBufferIsBounded(t *testing.T) {
	svc := NewService(nil, &recordingSender{}, 1, time.Hour)
	for range maxMessagesPerChat + 10 {
		svc.Add("Team", "Bob", "spam")
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.chats["Team"], maxMessagesPerChat)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &recordingSender{}
	svc := NewService(summarizerFunc(func(context.Context, string) string { return "summary" }), sender, 7, 10*time.Millisecond)
	svc.Add("Team", "Bob", "hi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sender.messages()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
