package learning

import (
	"context"
	"cortex/app/config"
	"cortex/app/service/memory"
	"cortex/app/service/reasoning"
	"cortex/app/service/tasks"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
)

const (
	auditFetchLimit    = 1000
	feedbackFetchLimit = 50
)

type Gateway interface {
	AnalyzeContextBatch(ctx context.Context, history, ownerName string) []string
	AnalyzeFeedbackBatch(ctx context.Context, feedback string) []string
	memory.Deduplicator
}

// Source is the part of the task backend the pipeline reads from.
type Source interface {
	GetAuditLog(ctx context.Context, limit int) ([]tasks.AuditEntry, error)
	GetRejectedTasksWithComments(ctx context.Context, limit int) ([]tasks.RejectedTask, error)
}

type Options struct {
	OwnerName     string
	BatchSize     int
	Interval      time.Duration
	StartupDelay  time.Duration
	RecoveryDelay time.Duration
}

// Service distills chat history and task feedback into long-term memory.
type Service struct {
	opts        Options
	gateway     Gateway
	store       memory.Store
	source      Source
	checkpoints *CheckpointStore

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	checkpoint Checkpoint
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewService(
		Options{
			OwnerName:     cfg.Owner.Name,
			BatchSize:     cfg.Learning.BatchSize,
			Interval:      cfg.Learning.Interval,
			StartupDelay:  cfg.Learning.StartupDelay,
			RecoveryDelay: cfg.Learning.RecoveryDelay,
		},
		do.MustInvoke[*reasoning.Gateway](di),
		do.MustInvoke[memory.Store](di),
		do.MustInvoke[*tasks.Store](di),
		NewCheckpointStore(cfg.Learning.StatePath),
	), nil
}

func NewService(opts Options, gateway Gateway, store memory.Store, source Source, checkpoints *CheckpointStore) *Service {
	return &Service{
		opts:        opts,
		gateway:     gateway,
		store:       store,
		source:      source,
		checkpoints: checkpoints,
		now:         time.Now,
		sleep:       sleepContext,
		checkpoint:  checkpoints.Load(),
	}
}

// Checkpoint returns a copy of the current cursor.
func (s *Service) Checkpoint() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkpoint
}

// DigestContext extracts persistent facts from audit entries newer than the
// checkpoint and returns how many of them were new to the store.
func (s *Service) DigestContext(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.source.GetAuditLog(ctx, auditFetchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch audit log: %w", err)
	}

	last := s.checkpoint.LastContextTimestamp
	if last != nil {
		entries = pie.Filter(entries, func(e tasks.AuditEntry) bool {
			return e.Timestamp > *last
		})
	}

	if len(entries) == 0 {
		slog.Info("No new history to learn from")
		return 0, nil
	}

	newest := entries[0].Timestamp
	for _, entry := range entries {
		if entry.Timestamp > newest {
			newest = entry.Timestamp
		}
	}

	batch := entries
	if len(batch) > s.opts.BatchSize {
		batch = batch[:s.opts.BatchSize]
	}

	facts := s.gateway.AnalyzeContextBatch(ctx, renderHistory(batch), s.opts.OwnerName)
	if err = ctx.Err(); err != nil {
		return 0, err
	}

	added, err := s.addAll(ctx, facts)
	if err != nil {
		return added, err
	}

	if last == nil || newest > *last {
		next := s.checkpoint
		next.LastContextTimestamp = &newest
		if err = s.checkpoints.Save(next); err != nil {
			return added, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		s.checkpoint = next
	}

	slog.Info("Context digest finished",
		"entries", len(batch),
		"facts", len(facts),
		"new_facts", added,
		"checkpoint", newest,
	)

	return added, nil
}

// LearnFromFeedback turns comments on rejected tasks into rules. There is no
// cursor here; re-reading the same feedback is absorbed by the store's dedup.
func (s *Service) LearnFromFeedback(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rejected, err := s.source.GetRejectedTasksWithComments(ctx, feedbackFetchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch feedback: %w", err)
	}

	added := 0
	if len(rejected) > 0 {
		rules := s.gateway.AnalyzeFeedbackBatch(ctx, renderFeedback(rejected))
		if err = ctx.Err(); err != nil {
			return 0, err
		}

		if added, err = s.addAll(ctx, rules); err != nil {
			return added, err
		}

		slog.Info("Feedback digest finished",
			"tasks", len(rejected),
			"rules", len(rules),
			"new_rules", added,
		)
	} else {
		slog.Info("No feedback to learn from")
	}

	ranAt := s.now().UTC().Format(tasks.TimestampLayout)
	next := s.checkpoint
	next.LastFeedbackTimestamp = &ranAt
	if err = s.checkpoints.Save(next); err != nil {
		return added, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.checkpoint = next

	return added, nil
}

func (s *Service) addAll(ctx context.Context, facts []string) (int, error) {
	added := 0
	for _, fact := range facts {
		isNew, err := s.store.Add(ctx, fact)
		if err != nil {
			return added, fmt.Errorf("failed to store fact: %w", err)
		}
		if isNew {
			added++
		}
	}

	return added, nil
}

// RunCycle runs both passes and then consolidates the store.
func (s *Service) RunCycle(ctx context.Context) error {
	start := s.now()
	slog.Info("Learning cycle started")

	var errs []error

	if _, err := s.DigestContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("context digest: %w", err))
	}

	if _, err := s.LearnFromFeedback(ctx); err != nil {
		errs = append(errs, fmt.Errorf("feedback digest: %w", err))
	}

	if err := s.store.Consolidate(ctx, s.gateway); err != nil {
		errs = append(errs, fmt.Errorf("consolidation: %w", err))
	}

	slog.Info("Learning cycle finished", "duration", s.now().Sub(start), "errors", len(errs))

	return errors.Join(errs...)
}

// Run schedules cycles until ctx is cancelled. A failed or panicking cycle is
// retried after the recovery delay.
func (s *Service) Run(ctx context.Context) {
	if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
		return
	}

	for {
		delay := s.opts.Interval

		if err := s.safeCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			slog.Error("Learning cycle failed", "error", err, "retry_in", s.opts.RecoveryDelay)
			delay = s.opts.RecoveryDelay
		}

		if err := s.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (s *Service) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in learning cycle: %v", r)
		}
	}()

	return s.RunCycle(ctx)
}

func renderHistory(entries []tasks.AuditEntry) string {
	lines := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", entry.Timestamp, entry.Sender, entry.Text))
	}

	return strings.Join(lines, "\n")
}

func renderFeedback(rejected []tasks.RejectedTask) string {
	items := pie.Map(rejected, func(task tasks.RejectedTask) string {
		return fmt.Sprintf("- Task: %s\n  Comments: %s", task.Summary, strings.Join(task.Comments, ", "))
	})

	return strings.Join(items, "\n")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
