package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"mailtrace/internal/model"
	"mailtrace/internal/parser"
	"mailtrace/internal/report"
	"mailtrace/internal/service"
)

type TraceService interface {
	Analyze(ctx context.Context, raw string, extra ...string) (*model.Report, error)
	LookupIP(ctx context.Context, ip string) (*model.LookupResponse, error)
	Reputation(ctx context.Context, ips []string) []model.ReputationVerdict
}

type Handler struct {
	service TraceService
	maxIPs  int
	logger  *zap.Logger
}

// NewHandler builds the API handlers. maxIPs caps the addresses accepted by a
// single reputation request.
func NewHandler(service TraceService, maxIPs int, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		maxIPs:  maxIPs,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/analyze", h.Analyze)
	app.Get("/api/v1/lookup/:ip", h.LookupIP)
	app.Post("/api/v1/reputation", h.Reputation)
	app.Get("/api/v1/health", h.HealthCheck)
}

// Analyze takes the raw header block as the request body. ?format=text
// returns the rendered report instead of JSON.
func (h *Handler) Analyze(c *fiber.Ctx) error {
	raw := string(c.Body())
	if strings.TrimSpace(raw) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(model.Error{
			Message: "Message headers are required",
		})
	}

	result, err := h.service.Analyze(c.Context(), raw)
	if err != nil {
		if errors.Is(err, parser.ErrInvalidMessage) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(model.Error{
				Message: "Could not parse message headers",
			})
		}

		h.logger.Error("message analysis failed", zap.Error(err))

		return c.Status(fiber.StatusInternalServerError).JSON(model.Error{
			Message: "Failed to analyze message",
		})
	}

	if c.Query("format") == "text" {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(report.String(result))
	}

	return c.JSON(result)
}

func (h *Handler) LookupIP(c *fiber.Ctx) error {
	ip := c.Params("ip")
	if ip == "" {
		return c.Status(fiber.StatusBadRequest).JSON(model.Error{
			Message: "IP address is required",
		})
	}

	result, err := h.service.LookupIP(c.Context(), ip)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAddress) {
			return c.Status(fiber.StatusBadRequest).JSON(model.Error{
				Message: fmt.Sprintf("Invalid IP address format: %s", ip),
			})
		}

		h.logger.Error("IP lookup failed",
			zap.String("ip", ip),
			zap.Error(err))

		return c.Status(fiber.StatusInternalServerError).JSON(model.Error{
			Message: "Failed to lookup IP address",
		})
	}

	return c.JSON(result)
}

func (h *Handler) Reputation(c *fiber.Ctx) error {
	var req model.ReputationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(model.Error{
			Message: "Invalid request body",
		})
	}
	if len(req.IPs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(model.Error{
			Message: "At least one IP address is required",
		})
	}
	if len(req.IPs) > h.maxIPs {
		return c.Status(fiber.StatusBadRequest).JSON(model.Error{
			Message: fmt.Sprintf("At most %d IP addresses are allowed per request", h.maxIPs),
		})
	}

	return c.JSON(h.service.Reputation(c.Context(), req.IPs))
}

func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
	})
}
