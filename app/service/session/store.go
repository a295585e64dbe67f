package session

import (
	"cortex/app/config"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/do"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

func (r Role) label() string {
	if r == RoleAgent {
		return "Me (Agent)"
	}
	return "User"
}

type Entry struct {
	Role    Role
	Content string
	At      time.Time
}

// Session is a bounded receptionist conversation with one chat.
type Session struct {
	Key          string
	StartTime    time.Time
	LastActivity time.Time
	Turns        int
	Transcript   []Entry
}

// Store keeps sessions in memory. Expired sessions are evicted on every liveness
// probe; there is no background sweep.
type Store struct {
	timeout  time.Duration
	maxTurns int
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(di *do.Injector) (*Store, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewStore(cfg.Session.Timeout, cfg.Session.MaxTurns), nil
}

func NewStore(timeout time.Duration, maxTurns int) *Store {
	return &Store{
		timeout:  timeout,
		maxTurns: maxTurns,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Start opens a session for key, replacing any previous one. The triggering
// message and the first reply, when given, seed the transcript without counting
// as a turn.
func (s *Store) Start(key, seedUserMsg, seedReply string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &Session{
		Key:          key,
		StartTime:    now,
		LastActivity: now,
	}

	if seedUserMsg != "" {
		sess.Transcript = append(sess.Transcript, Entry{Role: RoleUser, Content: seedUserMsg, At: now})
	}
	if seedReply != "" {
		sess.Transcript = append(sess.Transcript, Entry{Role: RoleAgent, Content: seedReply, At: now})
	}

	s.sessions[key] = sess

	slog.Info("Started auto-reply session", "key", key)
}

// IsActive reports whether key has a live session and whether it has used up its
// turns. A maxed session stays active; closing it is up to the caller.
func (s *Store) IsActive(key string) (active, maxed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.liveLocked(key)
	if sess == nil {
		return false, false
	}

	if sess.Turns >= s.maxTurns {
		slog.Info("Session reached max turns", "key", key, "turns", sess.Turns)
		return true, true
	}

	return true, false
}

// Append records a message in a live session. Only agent messages count as turns.
func (s *Store) Append(key string, role Role, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.liveLocked(key)
	if sess == nil {
		return false
	}

	now := s.now()
	sess.Transcript = append(sess.Transcript, Entry{Role: role, Content: content, At: now})
	sess.LastActivity = now

	if role == RoleAgent {
		sess.Turns++
	}

	return true
}

func (s *Store) TranscriptText(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return ""
	}

	var builder strings.Builder
	for _, entry := range sess.Transcript {
		builder.WriteString(entry.Role.label())
		builder.WriteString(": ")
		builder.WriteString(entry.Content)
		builder.WriteString("\n")
	}

	return builder.String()
}

// Get returns a copy of the session for key.
func (s *Store) Get(key string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}

	result := *sess
	result.Transcript = append([]Entry(nil), sess.Transcript...)

	return result, true
}

func (s *Store) Close(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// liveLocked returns the session for key, evicting it if it has been idle for
// longer than the timeout. Callers hold s.mu.
func (s *Store) liveLocked(key string) *Session {
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}

	if s.now().Sub(sess.LastActivity) > s.timeout {
		slog.Info("Session timed out", "key", key, "idle", s.now().Sub(sess.LastActivity))
		delete(s.sessions, key)
		return nil
	}

	return sess
}
