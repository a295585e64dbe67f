package api

import (
	"context"
	"cortex/app/service/queue"
	"cortex/app/service/tasks"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultMemoryLimit = 50
	defaultAuditLimit  = 100
)

func (s *Server) healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) postMessage(c *fiber.Ctx) error {
	var msg queue.Message
	if err := s.bind(c, &msg); err != nil {
		return err
	}

	if !s.deps.Queue.Add(msg) {
		return fiber.NewError(fiber.StatusServiceUnavailable, "message queue is full")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
}

func (s *Server) getMemories(c *fiber.Ctx) error {
	facts, err := s.deps.Memory.Search(c.UserContext(), c.Query("q"), c.QueryInt("limit", defaultMemoryLimit))
	if err != nil {
		return err
	}

	return c.JSON(facts)
}

func (s *Server) getAudit(c *fiber.Ctx) error {
	entries, err := s.deps.Tasks.GetAuditLog(c.UserContext(), c.QueryInt("limit", defaultAuditLimit))
	if err != nil {
		return err
	}

	return c.JSON(entries)
}

func (s *Server) getDiscussions(c *fiber.Ctx) error {
	text := s.deps.Discussions.Text()
	if text == "" {
		text = "No discussions yet."
	}

	return c.JSON(fiber.Map{"text": text})
}

func (s *Server) getAutoReply(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"enabled": s.deps.AutoReply.AutoReply()})
}

type autoReplyRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *Server) putAutoReply(c *fiber.Ctx) error {
	var req autoReplyRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	s.deps.AutoReply.SetAutoReply(*req.Enabled)

	return c.JSON(fiber.Map{"enabled": *req.Enabled})
}

func (s *Server) getTasks(c *fiber.Ctx) error {
	status := tasks.Status(c.Query("status"))
	switch status {
	case "", tasks.StatusOpen, tasks.StatusDone, tasks.StatusRejected:
	default:
		return fiber.NewError(fiber.StatusBadRequest, "unknown status")
	}

	list, err := s.deps.Tasks.ListTasks(c.UserContext(), status, c.QueryInt("limit", 0))
	if err != nil {
		return err
	}

	return c.JSON(list)
}

func (s *Server) postTask(c *fiber.Ctx) error {
	var req tasks.NewTask
	if err := s.bind(c, &req); err != nil {
		return err
	}

	task, err := s.deps.Tasks.AddTask(c.UserContext(), req)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(task)
}

func (s *Server) getTask(c *fiber.Ctx) error {
	task, err := s.deps.Tasks.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(task)
}

func (s *Server) statusHandler(change func(ctx context.Context, id string) (tasks.Task, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		task, err := change(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}

		return c.JSON(task)
	}
}

type priorityRequest struct {
	Priority int `json:"priority" validate:"min=1,max=4"`
}

func (s *Server) postPriority(c *fiber.Ctx) error {
	var req priorityRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	task, err := s.deps.Tasks.UpdatePriority(c.UserContext(), c.Params("id"), req.Priority)
	if err != nil {
		return err
	}

	return c.JSON(task)
}

func (s *Server) getComments(c *fiber.Ctx) error {
	if _, err := s.deps.Tasks.GetTask(c.UserContext(), c.Params("id")); err != nil {
		return err
	}

	comments, err := s.deps.Tasks.Comments(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(comments)
}

type commentRequest struct {
	Text   string `json:"text" validate:"required"`
	Sender string `json:"sender"`
}

func (s *Server) postComment(c *fiber.Ctx) error {
	var req commentRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	comment, err := s.deps.Tasks.AddComment(c.UserContext(), c.Params("id"), req.Sender, req.Text)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(comment)
}
