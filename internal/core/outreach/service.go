package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"sequencer/internal/core/batch"
	"sequencer/internal/core/job"
	"sequencer/internal/logger"
	"sequencer/internal/platform/apify"
	"sequencer/internal/platform/tasks"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrScraperUnavailable = errors.New("profile scraper not configured")
	ErrScrape             = errors.New("profile scrape failed")
	ErrGeneration         = errors.New("text generation failed")
)

// Scraper fetches LinkedIn profile records for a batch of URLs.
type Scraper interface {
	Configured() bool
	ScrapeProfiles(ctx context.Context, urls []string) (apify.Result, error)
}

// Enqueuer hands tasks to the broker.
type Enqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int) error
}

// StrictGenerator produces one sequence and reports collaborator failures.
type StrictGenerator interface {
	GenerateStrict(ctx context.Context, params job.RequestParams, profile job.Profile) ([]job.Email, error)
}

type Service struct {
	store      job.Store
	tasks      Enqueuer
	scraper    Scraper
	gen        StrictGenerator
	maxRetries int
	fanOut     int
	log        *logger.Logger
}

type Options struct {
	MaxRetries int
	FanOut     int
}

func NewService(store job.Store, tasks Enqueuer, scraper Scraper, gen StrictGenerator, opts Options) *Service {
	return &Service{
		store:      store,
		tasks:      tasks,
		scraper:    scraper,
		gen:        gen,
		maxRetries: opts.MaxRetries,
		fanOut:     opts.FanOut,
		log:        logger.New("OutreachService"),
	}
}

// CreateJob records a new job and enqueues its first task. Jobs that arrive
// with scraped profiles go straight to generation.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*job.Job, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	params, err := checkParams(req.GenerationParams)
	if err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:            uuid.NewString(),
		Owner:         req.UserID,
		Status:        job.StatusPendingScrape,
		RequestParams: params,
	}
	var task *asynq.Task
	if req.ScrapedData != nil {
		j.Status = job.StatusGeneratingEmails
		task, err = batch.NewTask(batch.Payload{JobRecordID: j.ID, ScrapedData: req.ScrapedData, OriginalParams: &params})
	} else {
		task, err = newScrapeTask(j.ID)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.tasks.Enqueue(task, tasks.QueueDefault, s.maxRetries); err != nil {
		s.fail(ctx, j.ID, j.Status, job.StatusFailed, fmt.Sprintf("Enqueue failed: %v", err), "")
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	s.log.LogInfof("job %s created for %d profiles (%s)", j.ID, len(params.LinkedinURLs), j.Status)
	return j, nil
}

// GetJob loads a job. When owner is set, jobs belonging to someone else are
// reported as not found.
func (s *Service) GetJob(ctx context.Context, id, owner string) (*job.Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner != "" && j.Owner != owner {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return j, nil
}

// HandleScrapeTask scrapes the job's profiles and hands them to generation.
func (s *Service) HandleScrapeTask(ctx context.Context, task *asynq.Task) error {
	var p ScrapePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode scrape payload: %v: %w", err, asynq.SkipRetry)
	}
	log := s.log.With("job_id", p.JobID)

	j, err := s.store.Get(ctx, p.JobID)
	if errors.Is(err, job.ErrNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		log.LogWarnf("job already %s; skipping scrape", j.Status)
		return nil
	}
	// A redelivered task resumes from whichever scrape step was reached.
	for _, step := range []struct{ from, to job.Status }{
		{job.StatusPendingScrape, job.StatusScrapingStarted},
		{job.StatusScrapingStarted, job.StatusScrapingRunning},
	} {
		if j.Status != step.from {
			continue
		}
		if err := s.store.Update(ctx, j.ID, step.from, job.Update{Status: step.to}); err != nil {
			return fmt.Errorf("advance scrape to %s: %w", step.to, err)
		}
		j.Status = step.to
	}
	if j.Status != job.StatusScrapingRunning {
		return fmt.Errorf("job %s is %s, not waiting for a scrape: %w", j.ID, j.Status, asynq.SkipRetry)
	}

	res, err := s.scrape(ctx, j.RequestParams.LinkedinURLs)
	if err != nil {
		log.LogErrorf("scrape failed: %v", err)
		s.fail(ctx, j.ID, job.StatusScrapingRunning, job.StatusApifyFailed, "Apify scrape failed: "+err.Error(), res.RunID)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	params := j.RequestParams
	next, err := batch.NewTask(batch.Payload{JobRecordID: j.ID, ScrapedData: nonNil(res.Profiles), OriginalParams: &params})
	if err != nil {
		return err
	}
	if err := s.store.Update(ctx, j.ID, job.StatusScrapingRunning, job.Update{Status: job.StatusGeneratingEmails, ApifyRunID: res.RunID}); err != nil {
		return fmt.Errorf("finish scrape: %w", err)
	}
	if err := s.tasks.Enqueue(next, tasks.QueueDefault, s.maxRetries); err != nil {
		s.fail(ctx, j.ID, job.StatusGeneratingEmails, job.StatusFailed, fmt.Sprintf("Enqueue failed: %v", err), "")
		return fmt.Errorf("enqueue generation: %w", err)
	}
	log.LogSuccessf("scraped %d profiles; generation queued", len(res.Profiles))
	return nil
}

// GenerateSync scrapes and generates in the request. Any scrape or
// generation failure fails the whole call.
func (s *Service) GenerateSync(ctx context.Context, raw *job.RequestParams) ([]ProfileSequence, error) {
	params, err := checkParams(raw)
	if err != nil {
		return nil, err
	}
	res, err := s.scrape(ctx, params.LinkedinURLs)
	if err != nil {
		return nil, err
	}

	out := make([]ProfileSequence, len(res.Profiles))
	g, gctx := errgroup.WithContext(ctx)
	if s.fanOut > 0 {
		g.SetLimit(s.fanOut)
	}
	for i, profile := range res.Profiles {
		g.Go(func() error {
			emails, err := s.gen.GenerateStrict(gctx, params, profile)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrGeneration, profileURL(profile), err)
			}
			out[i] = ProfileSequence{ProfileURL: profileURL(profile), Emails: emails}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.LogErrorf("%v", err)
		return nil, err
	}
	return out, nil
}

func (s *Service) scrape(ctx context.Context, urls []string) (apify.Result, error) {
	if s.scraper == nil || !s.scraper.Configured() {
		return apify.Result{}, ErrScraperUnavailable
	}
	res, err := s.scraper.ScrapeProfiles(ctx, urls)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrScrape, err)
	}
	return res, nil
}

// fail writes a terminal failure on a context detached from the task's own.
func (s *Service) fail(ctx context.Context, id string, expected, status job.Status, msg, runID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.Update(ctx, id, expected, job.Update{Status: status, Error: &msg, ApifyRunID: runID}); err != nil {
		s.log.LogErrorf("could not mark job %s %s: %v", id, status, err)
	}
}

func checkParams(p *job.RequestParams) (job.RequestParams, error) {
	if p == nil || len(p.LinkedinURLs) == 0 {
		return job.RequestParams{}, fmt.Errorf("%w: linkedinUrls missing or empty", ErrInvalidRequest)
	}
	params := *p
	if params.SequenceLength == 0 {
		params.SequenceLength = DefaultSequenceLength
	}
	if params.SequenceLength < 0 {
		return job.RequestParams{}, fmt.Errorf("%w: sequenceLength must be positive", ErrInvalidRequest)
	}
	return params, nil
}

func newScrapeTask(id string) (*asynq.Task, error) {
	b, err := json.Marshal(ScrapePayload{JobID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(tasks.TaskTypeScrape, b), nil
}

func profileURL(p job.Profile) string {
	if u := p.Identifier(); u != "" {
		return u
	}
	return "Unknown"
}

func nonNil(p []job.Profile) []job.Profile {
	if p == nil {
		return []job.Profile{}
	}
	return p
}
