// Package server exposes scrape runs over HTTP.
package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-prices/models"
)

const welcomeMessage = "Welcome to Proxied Scraper Tool!"

// Scraper runs scrape requests.
type Scraper interface {
	Scrape(ctx context.Context, req models.ScrapeRequest) (*models.RunResult, error)
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Scraper  Scraper
	Token    string
	Gatherer prometheus.Gatherer
}

// ScrapeResponse is the body returned by POST /scrape.
type ScrapeResponse struct {
	Message string `json:"message"`
	Updated int    `json:"updated"`
	Pages   int    `json:"pages"`
	RunID   string `json:"run_id"`
}

// New builds the fiber app with every route registered.
func New(d Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "go-scrape-prices",
		DisableStartupMessage: true,
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	app.Use(recover.New())

	h := &handler{scraper: d.Scraper}
	app.Get("/", h.home)
	app.Get("/healthz", h.health)
	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	app.Post("/scrape", requireToken(d.Token), h.scrape)
	return app
}

// requireToken rejects requests whose bearer token does not match token.
// An empty token rejects everything.
func requireToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		scheme, credentials, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || credentials == "" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"detail": "Not authenticated"})
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(credentials), []byte(token)) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"detail": "Invalid API Token"})
		}
		return c.Next()
	}
}

type handler struct {
	scraper Scraper
}

func (h *handler) home(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": welcomeMessage})
}

func (h *handler) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.scraper.Ping(ctx); err != nil {
		slog.Warn("health check failed", slog.Any("error", err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "error", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handler) scrape(c *fiber.Ctx) error {
	req := models.ScrapeRequest{Pages: 1}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "invalid body"})
	}
	if req.Pages <= 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"detail": "pages must be greater than 0"})
	}

	result, err := h.scraper.Scrape(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"detail": err.Error()})
		}
		slog.Error("scrape failed", slog.Int("pages", req.Pages), slog.Any("error", err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "scrape failed"})
	}

	return c.JSON(ScrapeResponse{
		Message: fmt.Sprintf("Scraped %d products across %d pages and updated the DB", result.UpdatedCount, req.Pages),
		Updated: result.UpdatedCount,
		Pages:   req.Pages,
		RunID:   result.RunID,
	})
}
