package tasks

import (
	"context"
	"errors"
	"time"
)

// TimestampLayout is fixed-width so stored timestamps order lexicographically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

var ErrNotFound = errors.New("task not found")

type Status string

const (
	StatusOpen     Status = "open"
	StatusDone     Status = "done"
	StatusRejected Status = "rejected"
)

type ReplyAction string

const (
	ReplyNone          ReplyAction = "none"
	ReplyAuto          ReplyAction = "auto_reply"
	ReplySessionTurn   ReplyAction = "session_turn"
	ReplySessionClosed ReplyAction = "session_closed"
)

type Task struct {
	ID        string    `json:"id"`
	Priority  int       `json:"priority"`
	Summary   string    `json:"summary"`
	Sender    string    `json:"sender"`
	Link      string    `json:"link,omitempty"`
	Deadline  *string   `json:"deadline,omitempty"`
	UserID    *int64    `json:"user_id,omitempty"`
	Status    Status    `json:"status"`
	Comments  []Comment `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type NewTask struct {
	Priority int     `json:"priority" validate:"min=1,max=4"`
	Summary  string  `json:"summary" validate:"required"`
	Sender   string  `json:"sender" validate:"required"`
	Link     string  `json:"link"`
	Deadline *string `json:"deadline"`
	UserID   *int64  `json:"user_id"`
}

// PreferenceExample is a finished or rejected task shown to the analyzer as a
// hint of what the owner cares about.
type PreferenceExample struct {
	Priority int      `json:"priority"`
	Summary  string   `json:"summary"`
	Sender   string   `json:"sender"`
	Comments []string `json:"comments"`
}

type Preferences struct {
	Accepted []PreferenceExample `json:"accepted"`
	Rejected []PreferenceExample `json:"rejected"`
}

type AuditEntry struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
}

type RejectedTask struct {
	Summary  string   `json:"summary"`
	Comments []string `json:"comments"`
}

// AuditMessage is the inbound message recorded by LogAudit.
type AuditMessage struct {
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	ChatName string `json:"chat_name,omitempty"`
	Link     string `json:"link,omitempty"`
}

type DoneEvent struct {
	TaskID  string
	Summary string
}

// Service is the task backend used by message handling and learning.
type Service interface {
	GetRecentDoneTasks(ctx context.Context, limit int) ([]Task, error)
	GetPreferenceExamples(ctx context.Context, limit int) (*Preferences, error)
	// GetAuditLog returns entries newest first.
	GetAuditLog(ctx context.Context, limit int) ([]AuditEntry, error)
	GetRejectedTasksWithComments(ctx context.Context, limit int) ([]RejectedTask, error)
	AddTask(ctx context.Context, task NewTask) (Task, error)
	LogAudit(ctx context.Context, msg AuditMessage, evaluation any, taskCreated bool, action ReplyAction) error
}
