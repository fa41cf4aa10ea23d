package tasks

import (
	"time"

	"github.com/hibiken/asynq"

	"sequencer/internal/platform/redis"
)

const (
	TaskTypeScrape   = "scrape:task"
	TaskTypeGenerate = "generate:task"

	QueueDefault = "default"
)

// generationDeadline bounds a whole generate task; per-call LLM timeouts are
// much shorter.
const generationDeadline = 30 * time.Minute

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(maxRetries), asynq.Timeout(generationDeadline))
	return err
}

func (t *Client) Close() error { return t.c.Close() }
