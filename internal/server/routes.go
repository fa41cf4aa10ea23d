package server

import (
	"github.com/gofiber/fiber/v2"

	"sequencer/internal/core/job"
	"sequencer/internal/core/outreach"
	"sequencer/internal/health"
	"sequencer/internal/platform/redis"
)

type Dependencies struct {
	Outreach    *outreach.Service
	Jobs        job.Store
	Redis       *redis.Service
	CORSOrigins []string
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	app.Use(allowOrigins(d.CORSOrigins))

	// Health endpoints
	healthHandler := health.NewHealthHandler(map[string]health.Check{
		"redis":     d.Redis.HealthCheck,
		"job_store": d.Jobs.Ping,
	})
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	h := outreach.NewHandler(d.Outreach)
	api.Post("/sequences/generate", h.HandleGenerate)
	api.Post("/sequences/jobs", h.HandleCreateJob)
	api.Get("/sequences/jobs/:jobId", h.HandleGetJob)

	return healthHandler
}
