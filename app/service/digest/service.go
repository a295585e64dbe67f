package digest

import (
	"context"
	"cortex/app/client/telegram"
	"cortex/app/config"
	"cortex/app/service/reasoning"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
)

const maxMessagesPerChat = 300

type Summarizer interface {
	SummarizeDiscussions(ctx context.Context, buffer string) string
}

// Service buffers group chat messages and periodically sends the owner a summary.
type Service struct {
	summarizer Summarizer
	sender     telegram.Sender
	ownerChat  int64
	interval   time.Duration

	mu    sync.Mutex
	chats map[string][]string
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewService(
		do.MustInvoke[*reasoning.Gateway](di),
		do.MustInvoke[telegram.Sender](di),
		cfg.Owner.ChatID,
		cfg.Digest.Interval,
	), nil
}

func NewService(summarizer Summarizer, sender telegram.Sender, ownerChat int64, interval time.Duration) *Service {
	return &Service{
		summarizer: summarizer,
		sender:     sender,
		ownerChat:  ownerChat,
		interval:   interval,
		chats:      make(map[string][]string),
	}
}

func (s *Service) Add(chatName, sender, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if chatName == "" {
		chatName = "Unknown chat"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines := append(s.chats[chatName], fmt.Sprintf("%s: %s", sender, text))
	if len(lines) > maxMessagesPerChat {
		lines = lines[len(lines)-maxMessagesPerChat:]
	}
	s.chats[chatName] = lines
}

// Text renders the buffer grouped by chat, or "" when nothing was collected.
func (s *Service) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.textLocked()
}

func (s *Service) textLocked() string {
	var builder strings.Builder
	for i, name := range pie.Sort(pie.Keys(s.chats)) {
		if i > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString("Chat: ")
		builder.WriteString(name)
		builder.WriteString("\n")
		for _, line := range s.chats[name] {
			builder.WriteString(line)
			builder.WriteString("\n")
		}
	}

	return builder.String()
}

func (s *Service) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := s.textLocked()
	s.chats = make(map[string][]string)

	return text
}

// Send summarizes everything buffered so far and clears the buffer.
func (s *Service) Send(ctx context.Context) error {
	text := s.take()
	if text == "" {
		slog.Debug("No discussions to digest")
		return nil
	}

	summary := s.summarizer.SummarizeDiscussions(ctx, text)

	if err := s.sender.Send(ctx, s.ownerChat, "Discussion digest\n\n"+summary); err != nil {
		return fmt.Errorf("failed to send digest: %w", err)
	}

	slog.Info("Digest sent", "length", len(summary))

	return nil
}

func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Send(ctx); err != nil {
				slog.Error("Digest failed", "error", err)
			}
		}
	}
}
