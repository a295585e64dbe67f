package conversation

import (
	"context"
	"cortex/app/client/telegram"
	"cortex/app/config"
	"cortex/app/service/digest"
	"cortex/app/service/memory"
	"cortex/app/service/policy"
	"cortex/app/service/queue"
	"cortex/app/service/reasoning"
	"cortex/app/service/session"
	"cortex/app/service/tasks"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/samber/do"
)

const (
	contextTaskLimit   = 5
	maxTaskPriority    = 3
	assistantNameTitle = " (assistant)"
)

// Reasoner is the part of the reasoning gateway used for live messages.
type Reasoner interface {
	Analyzer
	HandleSessionTurn(ctx context.Context, transcript, ownerProfile, ownerName string) reasoning.TurnResult
	SummarizeSession(ctx context.Context, transcript, ownerName string) reasoning.SessionSummary
}

type DiscussionBuffer interface {
	Add(chatName, sender, text string)
}

type Options struct {
	OwnerName    string
	OwnerProfile string
	AutoReply    bool
	WorkingHours policy.WorkingHours
}

type Service struct {
	opts         Options
	reasoner     Reasoner
	orchestrator *Orchestrator
	sessions     *session.Store
	taskSvc      tasks.Service
	memory       memory.Store
	sender       telegram.Sender
	discussions  DiscussionBuffer
	history      *History
	autoReply    atomic.Bool
	now          func() time.Time
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	opts := Options{
		OwnerName:    cfg.Owner.Name,
		OwnerProfile: cfg.Owner.Profile,
		AutoReply:    cfg.Reply.AutoReply,
		WorkingHours: policy.WorkingHours{
			Start:    *cfg.Reply.WorkingHoursStart,
			End:      *cfg.Reply.WorkingHoursEnd,
			Location: cfg.Location(),
		},
	}

	return NewService(
		opts,
		do.MustInvoke[*reasoning.Gateway](di),
		do.MustInvoke[*session.Store](di),
		do.MustInvoke[*tasks.Store](di),
		do.MustInvoke[memory.Store](di),
		do.MustInvoke[telegram.Sender](di),
		do.MustInvoke[*digest.Service](di),
	), nil
}

func NewService(
	opts Options,
	reasoner Reasoner,
	sessions *session.Store,
	taskSvc tasks.Service,
	store memory.Store,
	sender telegram.Sender,
	discussions DiscussionBuffer,
) *Service {
	s := &Service{
		opts:         opts,
		reasoner:     reasoner,
		orchestrator: NewOrchestrator(reasoner, store),
		sessions:     sessions,
		taskSvc:      taskSvc,
		memory:       store,
		sender:       sender,
		discussions:  discussions,
		history:      NewHistory(messageHistorySize),
		now:          time.Now,
	}
	s.autoReply.Store(opts.AutoReply)

	return s
}

func (s *Service) AutoReply() bool {
	return s.autoReply.Load()
}

func (s *Service) SetAutoReply(enabled bool) {
	s.autoReply.Store(enabled)
	slog.Info("Auto-reply toggled", "enabled", enabled, "telegram", true)
}

// Handle runs one inbound message through sessions, analysis, task filing and
// reply policy, then records it in the audit log.
func (s *Service) Handle(ctx context.Context, msg queue.Message) error {
	s.history.Add(msg.Key, msg.Sender, msg.Text)

	if msg.IsSelf {
		if active, _ := s.sessions.IsActive(msg.Key); active {
			slog.Info("Owner joined the conversation, closing session", "key", msg.Key)
			s.sessions.Close(msg.Key)
		}
		return nil
	}

	if msg.IsGroup {
		s.discussions.Add(msg.ChatName, msg.Sender, msg.Text)
		return nil
	}

	if active, maxed := s.sessions.IsActive(msg.Key); active {
		return s.handleSessionTurn(ctx, msg, maxed)
	}

	return s.handleMessage(ctx, msg)
}

func (s *Service) handleMessage(ctx context.Context, msg queue.Message) error {
	recentDone, err := s.taskSvc.GetRecentDoneTasks(ctx, contextTaskLimit)
	if err != nil {
		slog.Warn("Failed to load recent tasks", "error", err)
	}

	prefs, err := s.taskSvc.GetPreferenceExamples(ctx, contextTaskLimit)
	if err != nil {
		slog.Warn("Failed to load preference examples", "error", err)
	}

	analysis := s.orchestrator.Process(ctx, msg, s.history.Format(msg.Key), s.opts.OwnerName, prefs, recentDone)

	slog.Info("Message analyzed",
		"key", msg.Key,
		"sender", msg.Sender,
		"priority", analysis.Priority,
		"summary", analysis.Summary,
		"action_required", analysis.ActionRequired,
	)

	if analysis.SaveMemory != nil {
		if _, err = s.memory.Add(ctx, *analysis.SaveMemory); err != nil {
			slog.Error("Failed to save memory", "error", err)
		}
	}

	taskCreated := false
	if analysis.ActionRequired && analysis.Priority <= maxTaskPriority {
		if _, err = s.taskSvc.AddTask(ctx, tasks.NewTask{
			Priority: analysis.Priority,
			Summary:  analysis.Summary,
			Sender:   msg.Sender,
			Link:     msg.Link,
			Deadline: analysis.Deadline,
			UserID:   msg.UserID,
		}); err != nil {
			slog.Error("Failed to add task", "error", err)
		} else {
			taskCreated = true
		}
	}

	action := tasks.ReplyNone
	inWorkingHours := s.opts.WorkingHours.Contains(s.now())
	if policy.ShouldReply(analysis, s.AutoReply(), inWorkingHours, msg.IsSelf) {
		reply := *analysis.ReplyText
		if err = s.reply(ctx, msg, reply); err != nil {
			slog.Error("Failed to send auto-reply", "key", msg.Key, "error", err)
		} else {
			s.sessions.Start(msg.Key, msg.Text, reply)
			action = tasks.ReplyAuto
		}
	}

	s.audit(ctx, msg, analysis, taskCreated, action)

	return nil
}

func (s *Service) handleSessionTurn(ctx context.Context, msg queue.Message, maxed bool) error {
	s.sessions.Append(msg.Key, session.RoleUser, msg.Text)

	if maxed {
		summary, created := s.closeSession(ctx, msg)
		s.audit(ctx, msg, summary, created, tasks.ReplySessionClosed)
		return nil
	}

	turn := s.reasoner.HandleSessionTurn(ctx, s.sessions.TranscriptText(msg.Key), s.opts.OwnerProfile, s.opts.OwnerName)

	if turn.Reply != "" {
		if err := s.reply(ctx, msg, turn.Reply); err != nil {
			// the user can no longer be reached, hand over to the owner
			slog.Error("Failed to send session reply", "key", msg.Key, "error", err)
			_, created := s.closeSession(ctx, msg)
			s.audit(ctx, msg, turn, created, tasks.ReplySessionClosed)
			return nil
		}
		s.sessions.Append(msg.Key, session.RoleAgent, turn.Reply)
	}

	if turn.Status != reasoning.StatusFinish {
		s.audit(ctx, msg, turn, false, tasks.ReplySessionTurn)
		return nil
	}

	_, created := s.closeSession(ctx, msg)
	s.audit(ctx, msg, turn, created, tasks.ReplySessionClosed)

	return nil
}

// closeSession condenses the session into a task and forgets it.
func (s *Service) closeSession(ctx context.Context, msg queue.Message) (reasoning.SessionSummary, bool) {
	transcript := s.sessions.TranscriptText(msg.Key)
	s.sessions.Close(msg.Key)

	summary := s.reasoner.SummarizeSession(ctx, transcript, s.opts.OwnerName)

	task, err := s.taskSvc.AddTask(ctx, tasks.NewTask{
		Priority: summary.Priority,
		Summary:  summary.Summary,
		Sender:   msg.Sender,
		Link:     msg.Link,
		Deadline: summary.Deadline,
		UserID:   msg.UserID,
	})
	if err != nil {
		slog.Error("Failed to add session task", "key", msg.Key, "error", err)
		return summary, false
	}

	slog.Info("Session closed",
		"key", msg.Key,
		"sender", msg.Sender,
		"task", task.ID,
		"summary", summary.Summary,
		"telegram", true,
	)

	return summary, true
}

func (s *Service) reply(ctx context.Context, msg queue.Message, text string) error {
	if err := s.sender.Send(ctx, msg.ChatID, text); err != nil {
		return fmt.Errorf("sender.Send: %w", err)
	}

	s.history.Add(msg.Key, s.opts.OwnerName+assistantNameTitle, text)

	return nil
}

func (s *Service) audit(ctx context.Context, msg queue.Message, evaluation any, taskCreated bool, action tasks.ReplyAction) {
	err := s.taskSvc.LogAudit(ctx, tasks.AuditMessage{
		Sender:   msg.Sender,
		Text:     msg.Text,
		ChatName: msg.ChatName,
		Link:     msg.Link,
	}, evaluation, taskCreated, action)
	if err != nil {
		slog.Error("Failed to write audit entry", "key", msg.Key, "error", err)
	}
}
