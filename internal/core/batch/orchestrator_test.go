package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/core/job"
	"sequencer/internal/core/sequence"
	rds "sequencer/internal/platform/redis"
	"sequencer/internal/platform/tasks"
)

// memStore is an in-memory job.Store that records every update.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	updates   []job.Update
	getErr    error
	updateErr func(u job.Update) error
}

func newMemStore(jobs ...*job.Job) *memStore {
	s := &memStore{jobs: map[string]*job.Job{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) Update(_ context.Context, id string, expected job.Status, u job.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	if s.updateErr != nil {
		if err := s.updateErr(u); err != nil {
			return err
		}
	}
	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status != expected {
		return job.ErrStatusConflict
	}
	j.Status = u.Status
	if u.Results != nil {
		j.Results = u.Results
	}
	if u.ClearError {
		j.Error = nil
	} else if u.Error != nil {
		j.Error = u.Error
	}
	return nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) updatesWith(status job.Status) []job.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Update
	for _, u := range s.updates {
		if u.Status == status {
			out = append(out, u)
		}
	}
	return out
}

// stubGenerator returns canned sequences and tracks concurrency.
type stubGenerator struct {
	failFor  map[string]bool
	panicFor map[string]bool
	jitter   bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (g *stubGenerator) Generate(_ context.Context, params job.RequestParams, id string, profile job.Profile) (job.SequenceResult, []string) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if g.jitter {
		time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
	}
	if g.panicFor[id] {
		panic("generator blew up")
	}
	emails := make([]job.Email, params.SequenceLength)
	for i := range emails {
		emails[i] = job.Email{Subject: fmt.Sprintf("%s step %d", id, i+1), Body: "hello " + profile.FirstName}
	}
	if g.failFor[id] {
		for i := range emails {
			emails[i] = job.Email{Subject: "API Error", Body: "Failed: timeout"}
		}
		return job.SequenceResult{ProfileIdentifier: id, DisplayName: "VP", Emails: emails}, []string{"Generation failed for " + id}
	}
	return job.SequenceResult{ProfileIdentifier: id, DisplayName: profile.FirstName, Emails: emails}, nil
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://linkedin.com/in/p%d", i)
	}
	return out
}

func generatingJob(id string, ids []string, length int) (*job.Job, Payload) {
	params := job.RequestParams{SequenceLength: length, FullName: "Jake", LinkedinURLs: ids}
	profiles := make([]job.Profile, len(ids))
	for i, u := range ids {
		profiles[i] = job.Profile{LinkedinURL: u, FirstName: fmt.Sprintf("Name%d", i)}
	}
	j := &job.Job{ID: id, Owner: "user-1", Status: job.StatusGeneratingEmails, RequestParams: params}
	return j, Payload{JobRecordID: id, ScrapedData: profiles, OriginalParams: &params}
}

func TestRunCompletesInInputOrder(t *testing.T) {
	ids := urls(12)
	j, p := generatingJob("job-1", ids, 3)
	store := newMemStore(j)
	gen := &stubGenerator{jitter: true}

	out, err := NewOrchestrator(store, gen, 0).Run(context.Background(), p)

	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, out.Status)
	require.Len(t, out.Sequences, len(ids))
	for i, seq := range out.Sequences {
		assert.Equal(t, ids[i], seq.ProfileIdentifier)
		assert.Len(t, seq.Emails, 3)
		assert.Equal(t, fmt.Sprintf("Name%d", i), seq.DisplayName)
	}
	assert.Empty(t, out.Warnings)

	completed := store.updatesWith(job.StatusCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].ClearError)
	assert.Equal(t, out.Sequences, completed[0].Results.Sequences)
	assert.Empty(t, store.updatesWith(job.StatusFailed))
	assert.Equal(t, job.StatusCompleted, store.jobs["job-1"].Status)
}

func TestRunBoundsFanOut(t *testing.T) {
	j, p := generatingJob("job-1", urls(20), 1)
	gen := &stubGenerator{jitter: true}

	_, err := NewOrchestrator(newMemStore(j), gen, 3).Run(context.Background(), p)

	require.NoError(t, err)
	assert.LessOrEqual(t, gen.peak.Load(), int32(3))
}

func TestRunToleratesSingleProfileFailure(t *testing.T) {
	ids := urls(3)
	j, p := generatingJob("job-1", ids, 2)
	store := newMemStore(j)
	gen := &stubGenerator{failFor: map[string]bool{ids[1]: true}}

	out, err := NewOrchestrator(store, gen, 2).Run(context.Background(), p)

	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, out.Status)
	require.Len(t, out.Sequences, 3)
	assert.Equal(t, "API Error", out.Sequences[1].Emails[0].Subject)
	assert.Equal(t, ids[0]+" step 1", out.Sequences[0].Emails[0].Subject)
	assert.Equal(t, ids[2]+" step 1", out.Sequences[2].Emails[0].Subject)
	assert.Equal(t, []string{"Generation failed for " + ids[1]}, out.Warnings)
	assert.Equal(t, job.StatusCompleted, store.jobs["job-1"].Status)
}

func TestRunContainsGeneratorPanic(t *testing.T) {
	ids := urls(2)
	j, p := generatingJob("job-1", ids, 2)
	gen := &stubGenerator{panicFor: map[string]bool{ids[0]: true}}

	out, err := NewOrchestrator(newMemStore(j), gen, 0).Run(context.Background(), p)

	require.NoError(t, err)
	require.Len(t, out.Sequences, 2)
	assert.Equal(t, []job.Email{{Subject: "Proc Error", Body: "Unknown error."}, {Subject: "Proc Error", Body: "Unknown error."}}, out.Sequences[0].Emails)
	assert.Len(t, out.Warnings, 1)
}

func TestRunMissingProfileFallsBackToURL(t *testing.T) {
	ids := urls(2)
	j, p := generatingJob("job-1", ids, 1)
	p.ScrapedData = p.ScrapedData[:1]

	out, err := NewOrchestrator(newMemStore(j), &stubGenerator{}, 0).Run(context.Background(), p)

	require.NoError(t, err)
	require.Len(t, out.Sequences, 2)
	assert.Equal(t, ids[1], out.Sequences[1].ProfileIdentifier)
	assert.Empty(t, out.Sequences[1].DisplayName)
}

func TestRunCommitFailureMarksFailedOnce(t *testing.T) {
	j, p := generatingJob("job-1", urls(2), 2)
	store := newMemStore(j)
	store.updateErr = func(u job.Update) error {
		if u.Status == job.StatusCompleted {
			return errors.New("write conflict")
		}
		return nil
	}

	out, err := NewOrchestrator(store, &stubGenerator{}, 0).Run(context.Background(), p)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "write conflict")
	assert.Equal(t, job.StatusFailed, out.Status)

	failed := store.updatesWith(job.StatusFailed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)
	assert.Contains(t, *failed[0].Error, "Worker fail: commit results: write conflict")
	assert.Equal(t, job.StatusFailed, store.jobs["job-1"].Status)
}

func TestRunSwallowsFailedWriteError(t *testing.T) {
	j, p := generatingJob("job-1", urls(1), 1)
	store := newMemStore(j)
	store.updateErr = func(job.Update) error { return errors.New("redis down") }

	_, err := NewOrchestrator(store, &stubGenerator{}, 0).Run(context.Background(), p)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit results: redis down")
	assert.Len(t, store.updatesWith(job.StatusFailed), 1)
	assert.Equal(t, job.StatusGeneratingEmails, store.jobs["job-1"].Status)
}

func TestRunInvalidPayloadFailsWithoutRetry(t *testing.T) {
	cases := map[string]func(p *Payload){
		"missing params":   func(p *Payload) { p.OriginalParams = nil },
		"missing profiles": func(p *Payload) { p.ScrapedData = nil },
		"zero length":      func(p *Payload) { p.OriginalParams.SequenceLength = 0 },
		"no urls":          func(p *Payload) { p.OriginalParams.LinkedinURLs = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			j, p := generatingJob("job-1", urls(1), 1)
			mutate(&p)
			store := newMemStore(j)
			gen := &stubGenerator{}

			out, err := NewOrchestrator(store, gen, 0).Run(context.Background(), p)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.ErrorIs(t, err, asynq.SkipRetry)
			assert.Equal(t, job.StatusFailed, out.Status)
			assert.Len(t, store.updatesWith(job.StatusFailed), 1)
			assert.Zero(t, gen.peak.Load())
		})
	}
}

func TestRunSkipsTerminalJob(t *testing.T) {
	for _, status := range []job.Status{job.StatusCompleted, job.StatusFailed, job.StatusApifyFailed} {
		j, p := generatingJob("job-1", urls(1), 1)
		j.Status = status
		store := newMemStore(j)
		gen := &stubGenerator{}

		out, err := NewOrchestrator(store, gen, 0).Run(context.Background(), p)

		require.NoError(t, err)
		assert.Equal(t, status, out.Status)
		assert.Empty(t, store.updates)
		assert.Zero(t, gen.peak.Load())
	}
}

func TestRunRejectsJobBeforeGeneration(t *testing.T) {
	j, p := generatingJob("job-1", urls(1), 1)
	j.Status = job.StatusScrapingRunning
	store := newMemStore(j)

	_, err := NewOrchestrator(store, &stubGenerator{}, 0).Run(context.Background(), p)

	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, store.updates)
}

func TestRunStoreProblems(t *testing.T) {
	_, p := generatingJob("job-1", urls(1), 1)

	_, err := NewOrchestrator(nil, &stubGenerator{}, 0).Run(context.Background(), p)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = NewOrchestrator(newMemStore(), &stubGenerator{}, 0).Run(context.Background(), p)
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	store := newMemStore()
	store.getErr = errors.New("connection refused")
	_, err = NewOrchestrator(store, &stubGenerator{}, 0).Run(context.Background(), p)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, store.updates)
}

func TestRunInterruptedLeavesJobForRedelivery(t *testing.T) {
	j, p := generatingJob("job-1", urls(2), 1)
	store := newMemStore(j)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewOrchestrator(store, &stubGenerator{}, 0).Run(ctx, p)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.updates)
	assert.Equal(t, job.StatusGeneratingEmails, store.jobs["job-1"].Status)
}

func TestRunDeadlineMarksJobFailed(t *testing.T) {
	j, p := generatingJob("job-1", urls(2), 1)
	store := newMemStore(j)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	out, err := NewOrchestrator(store, &stubGenerator{}, 0).Run(ctx, p)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, job.StatusFailed, out.Status)
	assert.Empty(t, store.updatesWith(job.StatusCompleted))

	failed := store.updatesWith(job.StatusFailed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)
	assert.Contains(t, *failed[0].Error, "Worker fail: generation did not finish in time")
	assert.Equal(t, job.StatusFailed, store.jobs["job-1"].Status)
}

func TestRunCommitPanicMarksFailedOnce(t *testing.T) {
	j, p := generatingJob("job-1", urls(2), 1)
	store := newMemStore(j)
	store.updateErr = func(u job.Update) error {
		if u.Status == job.StatusCompleted {
			panic("driver exploded")
		}
		return nil
	}

	out, err := NewOrchestrator(store, &stubGenerator{}, 0).Run(context.Background(), p)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic while processing job: driver exploded")
	assert.Equal(t, job.StatusFailed, out.Status)

	failed := store.updatesWith(job.StatusFailed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)
	assert.Contains(t, *failed[0].Error, "driver exploded")
	assert.Equal(t, job.StatusFailed, store.jobs["job-1"].Status)
}

func TestHandleTask(t *testing.T) {
	j, p := generatingJob("job-1", urls(2), 2)
	store := newMemStore(j)
	task, err := NewTask(p)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskTypeGenerate, task.Type())

	require.NoError(t, NewOrchestrator(store, &stubGenerator{}, 0).HandleTask(context.Background(), task))
	assert.Equal(t, job.StatusCompleted, store.jobs["job-1"].Status)

	err = NewOrchestrator(store, &stubGenerator{}, 0).HandleTask(context.Background(), asynq.NewTask(tasks.TaskTypeGenerate, []byte("{")))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type scriptedLLM struct{ replies map[string]string }

func (s scriptedLLM) Complete(_ context.Context, prompt string) (string, error) {
	for name, reply := range s.replies {
		if strings.Contains(prompt, "- First Name: "+name+"\n") {
			if reply == "" {
				return "", errors.New("503 service unavailable")
			}
			return reply, nil
		}
	}
	return "", nil
}

// End to end through the real generator and the Redis store.
func TestRunWithRedisStoreAndGenerator(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := rds.New(rds.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer svc.Close()
	store := job.NewRedisStore(svc, 0)

	ids := urls(3)
	j, p := generatingJob("job-e2e", ids, 2)
	require.NoError(t, store.Create(context.Background(), j))

	llm := scriptedLLM{replies: map[string]string{
		"Name0": "***EMAIL 1***\nSubject: One\nHi Name0,\nBody\nJake\n***EMAIL 2***\nSubject: Two\nHi again\nJake",
		"Name1": "",
		"Name2": "***EMAIL 1***\nSubject: Only one\nHi Name2,\nJake",
	}}
	gen := sequence.NewGenerator(llm, time.Second)

	out, err := NewOrchestrator(store, gen, 2).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, out.Status)

	saved, err := store.Get(context.Background(), "job-e2e")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, saved.Status)
	assert.Nil(t, saved.Error)
	require.NotNil(t, saved.Results)
	require.Len(t, saved.Results.Sequences, 3)
	for i, seq := range saved.Results.Sequences {
		assert.Equal(t, ids[i], seq.ProfileIdentifier)
		assert.Len(t, seq.Emails, 2)
	}
	assert.Equal(t, "One", saved.Results.Sequences[0].Emails[0].Subject)
	assert.Equal(t, "API Error", saved.Results.Sequences[1].Emails[0].Subject)
	assert.Equal(t, "Parse Error", saved.Results.Sequences[2].Emails[1].Subject)
	assert.Len(t, saved.Results.Warnings, 2)

	raw, err := json.Marshal(saved.Results)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"profileIdentifier"`)

	// A redelivered task is a no-op once the job is terminal.
	out, err = NewOrchestrator(store, gen, 2).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, out.Status)
}
