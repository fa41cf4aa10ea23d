package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"sequencer/internal/core/job"
	"sequencer/internal/logger"
	"sequencer/internal/platform/tasks"
)

var (
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrInvalidPayload   = errors.New("invalid generate payload")
	ErrUnexpectedStatus = errors.New("job not ready for generation")
)

// Payload is the generate:task body.
type Payload struct {
	JobRecordID    string             `json:"job_record_id"`
	ScrapedData    []job.Profile      `json:"scraped_data"`
	OriginalParams *job.RequestParams `json:"original_params"`
}

// NewTask encodes p as a generate task.
func NewTask(p Payload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return asynq.NewTask(tasks.TaskTypeGenerate, b), nil
}

// ProfileGenerator produces the sequence for one profile. It must not fail;
// problems are reported through the returned warnings.
type ProfileGenerator interface {
	Generate(ctx context.Context, params job.RequestParams, identifier string, profile job.Profile) (job.SequenceResult, []string)
}

// Outcome is what a run settled on.
type Outcome struct {
	Status    job.Status
	Sequences []job.SequenceResult
	Warnings  []string
}

type Orchestrator struct {
	store       job.Store
	gen         ProfileGenerator
	fanOut      int
	failTimeout time.Duration
	log         *logger.Logger
}

// NewOrchestrator builds the generate task handler. fanOut caps concurrent
// generations within one job; zero means one goroutine per profile.
func NewOrchestrator(store job.Store, gen ProfileGenerator, fanOut int) *Orchestrator {
	return &Orchestrator{
		store:       store,
		gen:         gen,
		fanOut:      fanOut,
		failTimeout: 10 * time.Second,
		log:         logger.New("Orchestrator"),
	}
}

func (o *Orchestrator) HandleTask(ctx context.Context, task *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrInvalidPayload, err, asynq.SkipRetry)
	}
	_, err := o.Run(ctx, p)
	return err
}

// Run takes a job in GENERATING_EMAILS to COMPLETED or FAILED. A returned
// error means the broker should see the task as failed; per-profile problems
// never surface here.
func (o *Orchestrator) Run(ctx context.Context, p Payload) (out Outcome, err error) {
	if o.store == nil {
		return Outcome{}, ErrStoreUnavailable
	}
	if p.JobRecordID == "" {
		return Outcome{}, fmt.Errorf("%w: missing job_record_id: %w", ErrInvalidPayload, asynq.SkipRetry)
	}
	log := o.log.With("job_id", p.JobRecordID)

	j, err := o.store.Get(ctx, p.JobRecordID)
	if errors.Is(err, job.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load job %s: %w", p.JobRecordID, err)
	}
	if j.Status.Terminal() {
		log.LogWarnf("job already %s; skipping redelivered task", j.Status)
		return Outcome{Status: j.Status}, nil
	}
	if j.Status != job.StatusGeneratingEmails {
		return Outcome{}, fmt.Errorf("%w: job %s is %s: %w", ErrUnexpectedStatus, j.ID, j.Status, asynq.SkipRetry)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
			log.LogErrorf("%v", err)
			o.markFailed(ctx, p.JobRecordID, err, log)
			out = Outcome{Status: job.StatusFailed}
		}
	}()

	params, verr := validate(p)
	if verr != nil {
		log.LogErrorf("rejecting job: %v", verr)
		o.markFailed(ctx, p.JobRecordID, verr, log)
		return Outcome{Status: job.StatusFailed}, fmt.Errorf("%w: %w", verr, asynq.SkipRetry)
	}

	log.LogInfof("generating sequences for %d profiles (length %d)", len(params.LinkedinURLs), params.SequenceLength)
	sequences, warnings := o.generateAll(ctx, params, p.ScrapedData)

	// Cancellation means the worker is shutting down; the job stays in
	// GENERATING_EMAILS so the redelivered task can finish it. A deadline
	// would recur on every attempt, so it fails the job.
	switch cerr := ctx.Err(); {
	case errors.Is(cerr, context.Canceled):
		return Outcome{}, fmt.Errorf("job %s interrupted: %w", p.JobRecordID, cerr)
	case cerr != nil:
		err = fmt.Errorf("generation did not finish in time: %w", cerr)
		log.LogErrorf("%v", err)
		o.markFailed(ctx, p.JobRecordID, err, log)
		return Outcome{Status: job.StatusFailed}, fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	results := &job.Results{Sequences: sequences, Warnings: warnings}
	if err := o.store.Update(ctx, p.JobRecordID, job.StatusGeneratingEmails, job.Update{
		Status:     job.StatusCompleted,
		Results:    results,
		ClearError: true,
	}); err != nil {
		err = fmt.Errorf("commit results: %w", err)
		log.LogErrorf("%v", err)
		o.markFailed(ctx, p.JobRecordID, err, log)
		return Outcome{Status: job.StatusFailed}, err
	}

	log.LogSuccessf("job completed: %d sequences, %d warnings", len(sequences), len(warnings))
	return Outcome{Status: job.StatusCompleted, Sequences: sequences, Warnings: warnings}, nil
}

// generateAll runs one generation per identifier and returns results in
// input order. Each goroutine owns its result and warning slot.
func (o *Orchestrator) generateAll(ctx context.Context, params job.RequestParams, profiles []job.Profile) ([]job.SequenceResult, []string) {
	ids := params.LinkedinURLs
	results := make([]job.SequenceResult, len(ids))
	perProfile := make([][]string, len(ids))

	var g errgroup.Group
	if o.fanOut > 0 {
		g.SetLimit(o.fanOut)
	}
	for i, id := range ids {
		profile, found := job.FindProfile(profiles, id)
		if !found {
			o.log.LogDebugf("no scraped record for %s; generating from the URL only", id)
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = processingError(params.SequenceLength, id, profile)
					perProfile[i] = []string{fmt.Sprintf("Processing failed for %s: %v", id, r)}
				}
			}()
			results[i], perProfile[i] = o.gen.Generate(ctx, params, id, profile)
			return nil
		})
	}
	_ = g.Wait()

	warnings := []string{}
	for _, w := range perProfile {
		warnings = append(warnings, w...)
	}
	return results, warnings
}

// markFailed records the failure in its own scope. A failure here is logged
// and dropped so the original error stays the one reported upward.
func (o *Orchestrator) markFailed(ctx context.Context, id string, cause error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.failTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.LogErrorf("panic while marking job FAILED: %v", r)
		}
	}()

	msg := "Worker fail: " + cause.Error()
	if err := o.store.Update(ctx, id, job.StatusGeneratingEmails, job.Update{Status: job.StatusFailed, Error: &msg}); err != nil {
		log.LogErrorf("could not mark job FAILED: %v", err)
		return
	}
	log.LogWarnf("job marked FAILED")
}

func validate(p Payload) (job.RequestParams, error) {
	if p.OriginalParams == nil {
		return job.RequestParams{}, fmt.Errorf("%w: missing original_params", ErrInvalidPayload)
	}
	if p.ScrapedData == nil {
		return job.RequestParams{}, fmt.Errorf("%w: missing scraped_data", ErrInvalidPayload)
	}
	params := *p.OriginalParams
	if params.SequenceLength < 1 {
		return job.RequestParams{}, fmt.Errorf("%w: sequenceLength must be at least 1, got %d", ErrInvalidPayload, params.SequenceLength)
	}
	if len(params.LinkedinURLs) == 0 {
		return job.RequestParams{}, fmt.Errorf("%w: linkedinUrls is empty", ErrInvalidPayload)
	}
	return params, nil
}

func processingError(n int, id string, profile job.Profile) job.SequenceResult {
	name := profile.FirstName
	if name == "" {
		name = "VP"
	}
	emails := make([]job.Email, n)
	for i := range emails {
		emails[i] = job.Email{Subject: "Proc Error", Body: "Unknown error."}
	}
	return job.SequenceResult{ProfileIdentifier: id, DisplayName: name, Emails: emails}
}
