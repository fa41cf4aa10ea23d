package outreach

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"sequencer/internal/core/job"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// HandleGenerate scrapes and generates synchronously.
func (h *Handler) HandleGenerate(c *fiber.Ctx) error {
	var req GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	data, err := h.svc.GenerateSync(c.UserContext(), req.GenerationParams)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return fail(c, fiber.StatusBadRequest, "linkedinUrls missing or empty")
	case errors.Is(err, ErrScraperUnavailable):
		return fail(c, fiber.StatusInternalServerError, "APIFY_TOKEN not set on server.")
	case errors.Is(err, ErrScrape):
		return fail(c, fiber.StatusInternalServerError, "Failed to scrape profiles.")
	case errors.Is(err, ErrGeneration):
		return fail(c, fiber.StatusInternalServerError, "Text generation call failed.")
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(GenerateResponse{Success: true, Data: data})
}

func (h *Handler) HandleCreateJob(c *fiber.Ctx) error {
	var req CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	j, err := h.svc.CreateJob(c.UserContext(), req)
	if errors.Is(err, ErrInvalidRequest) {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(CreateJobResponse{Success: true, JobID: j.ID, Status: j.Status})
}

func (h *Handler) HandleGetJob(c *fiber.Ctx) error {
	j, err := h.svc.GetJob(c.UserContext(), c.Params("jobId"), c.Query("user_id"))
	if errors.Is(err, job.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, "not_found")
	}
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(JobResponse{
		Success:   true,
		JobID:     j.ID,
		Status:    j.Status,
		Results:   j.Results,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	})
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(ErrorResponse{Success: false, Error: msg})
}
