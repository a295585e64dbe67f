package queue

import (
	"log/slog"

	"github.com/samber/do"
)

const bufferSize = 64

var _ do.Shutdownable = (*Service)(nil)

type Service struct {
	queue chan Message
}

// Message is an inbound chat message handed over by the messaging client.
type Message struct {
	// Key identifies the conversation, sessions and history are tracked per key
	Key string `json:"key" validate:"required"`
	// ChatID is where replies go
	ChatID   int64  `json:"chat_id"`
	Sender   string `json:"sender" validate:"required"`
	UserID   *int64 `json:"user_id"`
	Text     string `json:"text" validate:"required"`
	ChatName string `json:"chat_name"`
	Link     string `json:"link"`
	IsSelf   bool   `json:"is_self"`
	IsGroup  bool   `json:"is_group"`
}

func New(_ *do.Injector) (*Service, error) {
	return NewService(bufferSize), nil
}

func NewService(size int) *Service {
	return &Service{
		queue: make(chan Message, size),
	}
}

// Add enqueues msg without blocking. It reports false when the queue is full
// or already shut down.
func (s *Service) Add(msg Message) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Message queue is closed", "key", msg.Key)
			accepted = false
		}
	}()

	select {
	case s.queue <- msg:
		return true
	default:
		slog.Warn("Message queue is full, dropping message",
			"key", msg.Key,
			"sender", msg.Sender,
		)
		return false
	}
}

func (s *Service) Channel() <-chan Message {
	return s.queue
}

func (s *Service) Shutdown() error {
	close(s.queue)

	return nil
}
