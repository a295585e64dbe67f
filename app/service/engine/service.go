package engine

import (
	"context"
	"cortex/app/service/conversation"
	"cortex/app/service/queue"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/samber/do"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers = 4
	workerBuffer   = 8
)

type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// Service drains the inbound queue. Messages of one conversation always land on
// the same worker, so they are handled in arrival order.
type Service struct {
	handler Handler
	queue   <-chan queue.Message
	workers int
}

func New(di *do.Injector) (*Service, error) {
	return NewService(
		do.MustInvoke[*conversation.Service](di),
		do.MustInvoke[*queue.Service](di).Channel(),
		defaultWorkers,
	), nil
}

func NewService(handler Handler, messages <-chan queue.Message, workers int) *Service {
	if workers <= 0 {
		workers = 1
	}

	return &Service{
		handler: handler,
		queue:   messages,
		workers: workers,
	}
}

// Run blocks until ctx is cancelled or the queue is closed.
func (s *Service) Run(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)

	shards := make([]chan queue.Message, s.workers)
	for i := range shards {
		shards[i] = make(chan queue.Message, workerBuffer)

		shard := shards[i]
		group.Go(func() error {
			s.work(groupCtx, shard)
			return nil
		})
	}

	group.Go(func() error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case msg, ok := <-s.queue:
				if !ok {
					return nil
				}

				select {
				case shards[s.shardFor(msg.Key)] <- msg:
				case <-groupCtx.Done():
					return nil
				}
			}
		}
	})

	_ = group.Wait()
}

func (s *Service) work(ctx context.Context, messages <-chan queue.Message) {
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}

		start := time.Now()
		if err := s.process(ctx, msg); err != nil {
			slog.Warn("Handle error", "key", msg.Key, "error", err)
		}

		slog.Info("Processed message",
			"key", msg.Key,
			"sender", msg.Sender,
			"duration", time.Since(start))
	}
}

func (s *Service) process(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while handling message", "key", msg.Key, "panic", r)
		}
	}()

	return s.handler.Handle(ctx, msg)
}

func (s *Service) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return int(h.Sum32() % uint32(s.workers))
}
