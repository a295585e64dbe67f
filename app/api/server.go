package api

import (
	"context"
	"cortex/app/config"
	"cortex/app/service/conversation"
	"cortex/app/service/digest"
	"cortex/app/service/memory"
	"cortex/app/service/queue"
	"cortex/app/service/tasks"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/samber/do"
)

const shutdownTimeout = 5 * time.Second

type Enqueuer interface {
	Add(msg queue.Message) bool
}

type TaskBackend interface {
	AddTask(ctx context.Context, task tasks.NewTask) (tasks.Task, error)
	GetTask(ctx context.Context, id string) (tasks.Task, error)
	ListTasks(ctx context.Context, status tasks.Status, limit int) ([]tasks.Task, error)
	MarkDone(ctx context.Context, id string) (tasks.Task, error)
	Reject(ctx context.Context, id string) (tasks.Task, error)
	Reopen(ctx context.Context, id string) (tasks.Task, error)
	UpdatePriority(ctx context.Context, id string, priority int) (tasks.Task, error)
	AddComment(ctx context.Context, taskID, sender, text string) (tasks.Comment, error)
	Comments(ctx context.Context, taskID string) ([]tasks.Comment, error)
	GetAuditLog(ctx context.Context, limit int) ([]tasks.AuditEntry, error)
}

type AutoReplyToggle interface {
	AutoReply() bool
	SetAutoReply(enabled bool)
}

type Discussions interface {
	Text() string
}

type Deps struct {
	Queue       Enqueuer
	Tasks       TaskBackend
	Memory      memory.Store
	AutoReply   AutoReplyToggle
	Discussions Discussions
}

// Server is the local HTTP ingress: inbound messages from the messaging
// client and task feedback from the dashboard.
type Server struct {
	listen   string
	deps     Deps
	validate *validator.Validate
	app      *fiber.App
}

func New(di *do.Injector) (*Server, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewServer(cfg.HTTP.Listen, Deps{
		Queue:       do.MustInvoke[*queue.Service](di),
		Tasks:       do.MustInvoke[*tasks.Store](di),
		Memory:      do.MustInvoke[memory.Store](di),
		AutoReply:   do.MustInvoke[*conversation.Service](di),
		Discussions: do.MustInvoke[*digest.Service](di),
	}), nil
}

func NewServer(listen string, deps Deps) *Server {
	s := &Server{
		listen:   listen,
		deps:     deps,
		validate: validator.New(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "cortex",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/healthz", s.healthz)
	api.Post("/messages", s.postMessage)
	api.Get("/memories", s.getMemories)
	api.Get("/audit", s.getAudit)
	api.Get("/discussions/today", s.getDiscussions)
	api.Get("/settings/auto-reply", s.getAutoReply)
	api.Put("/settings/auto-reply", s.putAutoReply)

	api.Get("/tasks", s.getTasks)
	api.Post("/tasks", s.postTask)
	api.Get("/tasks/:id", s.getTask)
	api.Post("/tasks/:id/done", s.statusHandler(deps.Tasks.MarkDone))
	api.Post("/tasks/:id/reject", s.statusHandler(deps.Tasks.Reject))
	api.Post("/tasks/:id/reopen", s.statusHandler(deps.Tasks.Reopen))
	api.Post("/tasks/:id/priority", s.postPriority)
	api.Get("/tasks/:id/comments", s.getComments)
	api.Post("/tasks/:id/comments", s.postComment)

	s.app = app

	return s
}

// App is exposed for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP ingress listening", "addr", s.listen)
		errCh <- s.app.Listen(s.listen)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to listen: %w", err)
	case <-ctx.Done():
	}

	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}

	return nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
	case errors.Is(err, tasks.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.As(err, &validationErrs):
		code = fiber.StatusBadRequest
	default:
		slog.Error("HTTP request failed",
			"method", c.Method(),
			"path", c.Path(),
			"error", err,
		)
	}

	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}

	return s.validate.Struct(out)
}
