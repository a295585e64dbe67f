package tasks

import (
	"context"
	"cortex/app/client/sqlite"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/samber/oops"
)

var _ Service = (*Store)(nil)

const doneEventBuffer = 16

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	priority   INTEGER NOT NULL,
	summary    TEXT    NOT NULL,
	sender     TEXT    NOT NULL,
	link       TEXT    NOT NULL DEFAULT '',
	deadline   TEXT,
	user_id    INTEGER,
	status     TEXT    NOT NULL DEFAULT 'open',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);

CREATE TABLE IF NOT EXISTS task_comments (
	id         TEXT PRIMARY KEY,
	task_id    TEXT    NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	sender     TEXT    NOT NULL,
	text       TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments(task_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp    TEXT    NOT NULL,
	sender       TEXT    NOT NULL,
	text         TEXT    NOT NULL,
	chat_name    TEXT    NOT NULL DEFAULT '',
	link         TEXT    NOT NULL DEFAULT '',
	evaluation   TEXT    NOT NULL DEFAULT '{}',
	task_created INTEGER NOT NULL DEFAULT 0,
	reply_action TEXT    NOT NULL DEFAULT 'none'
);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
`

// Store is the SQLite task backend.
type Store struct {
	db   *sql.DB
	now  func() time.Time
	done chan DoneEvent
}

func New(di *do.Injector) (*Store, error) {
	db := do.MustInvoke[*sqlite.DB](di)

	return NewStore(context.Background(), db.DB)
}

func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, oops.In("tasks").Wrapf(err, "migrate schema")
	}

	return &Store{
		db:   db,
		now:  time.Now,
		done: make(chan DoneEvent, doneEventBuffer),
	}, nil
}

// Done delivers an event for every task marked done.
func (s *Store) Done() <-chan DoneEvent {
	return s.done
}

func (s *Store) AddTask(ctx context.Context, task NewTask) (Task, error) {
	now := s.now()

	created := Task{
		ID:        uuid.NewString(),
		Priority:  task.Priority,
		Summary:   strings.TrimSpace(task.Summary),
		Sender:    task.Sender,
		Link:      task.Link,
		Deadline:  task.Deadline,
		UserID:    task.UserID,
		Status:    StatusOpen,
		Comments:  []Comment{},
		CreatedAt: time.Unix(now.Unix(), 0),
		UpdatedAt: time.Unix(now.Unix(), 0),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, priority, summary, sender, link, deadline, user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.Priority, created.Summary, created.Sender, created.Link,
		created.Deadline, created.UserID, created.Status, now.Unix(), now.Unix(),
	)
	if err != nil {
		return Task{}, oops.In("tasks").Wrapf(err, "insert task")
	}

	slog.Info("Task added",
		"id", created.ID,
		"priority", created.Priority,
		"summary", created.Summary,
	)

	return created, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE id = ?`, id)
	if err != nil {
		return Task{}, oops.In("tasks").Wrapf(err, "query task")
	}

	list, err := s.scanTasks(ctx, rows)
	if err != nil {
		return Task{}, err
	}
	if len(list) == 0 {
		return Task{}, ErrNotFound
	}

	return list[0], nil
}

// ListTasks returns tasks with the given status, or all tasks when status is empty,
// most recently updated first.
func (s *Store) ListTasks(ctx context.Context, status Status, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = -1
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, taskSelect+` ORDER BY updated_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, taskSelect+` WHERE status = ? ORDER BY updated_at DESC, rowid DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, oops.In("tasks").Wrapf(err, "query tasks")
	}

	return s.scanTasks(ctx, rows)
}

func (s *Store) MarkDone(ctx context.Context, id string) (Task, error) {
	task, err := s.setStatus(ctx, id, StatusDone)
	if err != nil {
		return Task{}, err
	}

	select {
	case s.done <- DoneEvent{TaskID: task.ID, Summary: task.Summary}:
	default:
		slog.Warn("Done event dropped, no listener keeping up", "id", task.ID)
	}

	return task, nil
}

func (s *Store) Reject(ctx context.Context, id string) (Task, error) {
	return s.setStatus(ctx, id, StatusRejected)
}

func (s *Store) Reopen(ctx context.Context, id string) (Task, error) {
	return s.setStatus(ctx, id, StatusOpen)
}

func (s *Store) UpdatePriority(ctx context.Context, id string, priority int) (Task, error) {
	if priority < 1 || priority > 4 {
		return Task{}, oops.In("tasks").Errorf("priority %d out of range", priority)
	}

	if err := s.update(ctx, `UPDATE tasks SET priority = ?, updated_at = ? WHERE id = ?`, priority, s.now().Unix(), id); err != nil {
		return Task{}, err
	}

	return s.GetTask(ctx, id)
}

func (s *Store) setStatus(ctx context.Context, id string, status Status) (Task, error) {
	if err := s.update(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, s.now().Unix(), id); err != nil {
		return Task{}, err
	}

	slog.Info("Task status changed", "id", id, "status", status)

	return s.GetTask(ctx, id)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return oops.In("tasks").Wrapf(err, "update task")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return oops.In("tasks").Wrapf(err, "rows affected")
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) AddComment(ctx context.Context, taskID, sender, text string) (Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Comment{}, oops.In("tasks").Errorf("empty comment")
	}
	if sender == "" {
		sender = "User"
	}

	if _, err := s.GetTask(ctx, taskID); err != nil {
		return Comment{}, err
	}

	now := s.now()
	comment := Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Unix(now.Unix(), 0),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_comments (id, task_id, sender, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		comment.ID, comment.TaskID, comment.Sender, comment.Text, now.Unix(),
	)
	if err != nil {
		return Comment{}, oops.In("tasks").Wrapf(err, "insert comment")
	}

	return comment, nil
}

func (s *Store) GetRecentDoneTasks(ctx context.Context, limit int) ([]Task, error) {
	return s.ListTasks(ctx, StatusDone, limit)
}

// GetPreferenceExamples uses done tasks as accepted and rejected tasks as rejected
// examples, limit of each.
func (s *Store) GetPreferenceExamples(ctx context.Context, limit int) (*Preferences, error) {
	accepted, err := s.ListTasks(ctx, StatusDone, limit)
	if err != nil {
		return nil, err
	}

	rejected, err := s.ListTasks(ctx, StatusRejected, limit)
	if err != nil {
		return nil, err
	}

	return &Preferences{
		Accepted: toExamples(accepted),
		Rejected: toExamples(rejected),
	}, nil
}

func (s *Store) GetRejectedTasksWithComments(ctx context.Context, limit int) ([]RejectedTask, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ? AND EXISTS (SELECT 1 FROM task_comments c WHERE c.task_id = tasks.id)
		ORDER BY updated_at DESC, rowid DESC LIMIT ?`, StatusRejected, limit)
	if err != nil {
		return nil, oops.In("tasks").Wrapf(err, "query rejected tasks")
	}

	list, err := s.scanTasks(ctx, rows)
	if err != nil {
		return nil, err
	}

	result := make([]RejectedTask, 0, len(list))
	for _, task := range list {
		result = append(result, RejectedTask{
			Summary:  task.Summary,
			Comments: commentTexts(task.Comments),
		})
	}

	return result, nil
}

func (s *Store) LogAudit(ctx context.Context, msg AuditMessage, evaluation any, taskCreated bool, action ReplyAction) error {
	data, err := json.Marshal(evaluation)
	if err != nil {
		return oops.In("tasks").Wrapf(err, "marshal evaluation")
	}
	if action == "" {
		action = ReplyNone
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, sender, text, chat_name, link, evaluation, task_created, reply_action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.now().UTC().Format(TimestampLayout), msg.Sender, msg.Text, msg.ChatName, msg.Link,
		string(data), taskCreated, action,
	)
	if err != nil {
		return oops.In("tasks").Wrapf(err, "insert audit entry")
	}

	return nil
}

func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, sender, text FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, oops.In("tasks").Wrapf(err, "query audit log")
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		if err = rows.Scan(&entry.Timestamp, &entry.Sender, &entry.Text); err != nil {
			return nil, oops.In("tasks").Wrapf(err, "scan audit entry")
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, oops.In("tasks").Wrapf(err, "iterate audit log")
	}

	return entries, nil
}

const taskSelect = `SELECT id, priority, summary, sender, link, deadline, user_id, status, created_at, updated_at FROM tasks`

// scanTasks reads and closes rows, then attaches comments.
func (s *Store) scanTasks(ctx context.Context, rows *sql.Rows) ([]Task, error) {
	list := make([]Task, 0)

	for rows.Next() {
		var (
			task                 Task
			deadline             sql.NullString
			userID               sql.NullInt64
			createdAt, updatedAt int64
		)

		if err := rows.Scan(
			&task.ID, &task.Priority, &task.Summary, &task.Sender, &task.Link,
			&deadline, &userID, &task.Status, &createdAt, &updatedAt,
		); err != nil {
			_ = rows.Close()
			return nil, oops.In("tasks").Wrapf(err, "scan task")
		}

		if deadline.Valid {
			task.Deadline = &deadline.String
		}
		if userID.Valid {
			task.UserID = &userID.Int64
		}
		task.CreatedAt = time.Unix(createdAt, 0)
		task.UpdatedAt = time.Unix(updatedAt, 0)
		task.Comments = []Comment{}

		list = append(list, task)
	}

	err := rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, oops.In("tasks").Wrapf(err, "iterate tasks")
	}

	for i := range list {
		comments, err := s.Comments(ctx, list[i].ID)
		if err != nil {
			return nil, err
		}
		list[i].Comments = comments
	}

	return list, nil
}

func (s *Store) Comments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, sender, text, created_at FROM task_comments WHERE task_id = ? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, oops.In("tasks").Wrapf(err, "query comments")
	}
	defer rows.Close()

	comments := make([]Comment, 0)
	for rows.Next() {
		var (
			comment   Comment
			createdAt int64
		)
		if err = rows.Scan(&comment.ID, &comment.TaskID, &comment.Sender, &comment.Text, &createdAt); err != nil {
			return nil, oops.In("tasks").Wrapf(err, "scan comment")
		}
		comment.CreatedAt = time.Unix(createdAt, 0)
		comments = append(comments, comment)
	}

	if err = rows.Err(); err != nil {
		return nil, oops.In("tasks").Wrapf(err, "iterate comments")
	}

	return comments, nil
}

func toExamples(list []Task) []PreferenceExample {
	result := make([]PreferenceExample, 0, len(list))
	for _, task := range list {
		result = append(result, PreferenceExample{
			Priority: task.Priority,
			Summary:  task.Summary,
			Sender:   task.Sender,
			Comments: commentTexts(task.Comments),
		})
	}

	return result
}

func commentTexts(comments []Comment) []string {
	texts := make([]string, 0, len(comments))
	for _, comment := range comments {
		texts = append(texts, comment.Text)
	}

	return texts
}
