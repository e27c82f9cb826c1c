package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/randalmurphal/queryflow/pkg/assistant"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (s *Server) chat(c *fiber.Ctx) error {
	var req assistant.ProcessRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	if err := s.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid request",
			Details: validationDetails(err),
		})
	}
	return c.JSON(s.svc.Process(c.UserContext(), req))
}

func (s *Server) resume(c *fiber.Ctx) error {
	resp, err := s.svc.Resume(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func (s *Server) sessionStats(c *fiber.Ctx) error {
	stats, err := s.svc.SessionStats(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

func (s *Server) checkpoint(c *fiber.Ctx) error {
	insp, err := s.svc.Inspect(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(insp)
}

func (s *Server) clearHistory(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.svc.ClearHistory(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"session_id": id, "cleared": true})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(s.svc.Health(c.UserContext()))
}

func (s *Server) stats(c *fiber.Ctx) error {
	return c.JSON(s.svc.Stats())
}

// handleError maps service errors to status codes. Unexpected errors are
// logged and their text is not sent to the client.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message})
	case errors.Is(err, assistant.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: err.Error()})
	case errors.Is(err, assistant.ErrRunComplete):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: err.Error()})
	}

	s.logger.Error("request failed",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.String("request_id", requestID(c)),
		slog.String("error", err.Error()),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal server error"})
}

func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", jsonName(fe.Field())))
		case "max":
			out = append(out, fmt.Sprintf("%s must be at most %s characters", jsonName(fe.Field()), fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s", jsonName(fe.Field()), fe.Tag()))
		}
	}
	return out
}

func jsonName(field string) string {
	switch field {
	case "Query":
		return "query"
	case "UserID":
		return "user_id"
	case "SessionID":
		return "session_id"
	}
	return strings.ToLower(field)
}
