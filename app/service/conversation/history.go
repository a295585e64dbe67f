package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	messageHistorySize = 20
	historyIdleTTL     = 24 * time.Hour
	historyPruneEvery  = time.Hour
)

type chatMessage struct {
	Username  string
	Text      string
	Timestamp time.Time
}

// History keeps the last messages of every chat.
type History struct {
	size int
	now  func() time.Time

	mu        sync.Mutex
	chats     map[string][]chatMessage
	lastPrune time.Time
}

func NewHistory(size int) *History {
	return &History{
		size:  size,
		now:   time.Now,
		chats: make(map[string][]chatMessage),
	}
}

func (h *History) Add(key, username, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if now.Sub(h.lastPrune) >= historyPruneEvery {
		h.pruneLocked(now)
	}

	msg := chatMessage{
		Username:  username,
		Text:      text,
		Timestamp: now,
	}

	messages := h.chats[key]
	if len(messages) >= h.size {
		messages = append(messages[1:], msg)
	} else {
		messages = append(messages, msg)
	}
	h.chats[key] = messages
}

// pruneLocked forgets chats that have been quiet for historyIdleTTL.
func (h *History) pruneLocked(now time.Time) {
	h.lastPrune = now

	for key, messages := range h.chats {
		if len(messages) == 0 || now.Sub(messages[len(messages)-1].Timestamp) > historyIdleTTL {
			delete(h.chats, key)
		}
	}
}

func (h *History) Format(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	messages := h.chats[key]
	if len(messages) == 0 {
		return "No recent messages"
	}

	var builder strings.Builder

	for _, msg := range messages {
		builder.WriteString(fmt.Sprintf("%s - %s: %s\n", formatTime(msg.Timestamp), msg.Username, msg.Text))
	}

	return builder.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return t.Format("15:04:05")
}
