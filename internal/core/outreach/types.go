package outreach

import (
	"time"

	"sequencer/internal/core/job"
)

// DefaultSequenceLength applies when a request leaves sequenceLength unset.
const DefaultSequenceLength = 3

// ScrapePayload is the scrape:task body.
type ScrapePayload struct {
	JobID string `json:"job_id"`
}

type GenerateRequest struct {
	GenerationParams *job.RequestParams `json:"generationParams"`
}

type ProfileSequence struct {
	ProfileURL string      `json:"profileUrl"`
	Emails     []job.Email `json:"emails"`
}

type GenerateResponse struct {
	Success bool              `json:"success"`
	Data    []ProfileSequence `json:"data"`
}

type CreateJobRequest struct {
	UserID           string             `json:"userId"`
	GenerationParams *job.RequestParams `json:"generationParams"`
	ScrapedData      []job.Profile      `json:"scrapedData,omitempty"`
}

type CreateJobResponse struct {
	Success bool       `json:"success"`
	JobID   string     `json:"job_id"`
	Status  job.Status `json:"status"`
}

type JobResponse struct {
	Success   bool         `json:"success"`
	JobID     string       `json:"job_id"`
	Status    job.Status   `json:"status"`
	Results   *job.Results `json:"results,omitempty"`
	Error     *string      `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
