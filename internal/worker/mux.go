package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"sequencer/internal/logger"
	"sequencer/internal/platform/redis"
	"sequencer/internal/platform/tasks"
)

type Mux struct{ mux *asynq.ServeMux }

func NewMux() *Mux { return &Mux{mux: asynq.NewServeMux()} }

func (m *Mux) HandleFunc(t string, h func(ctx context.Context, task *asynq.Task) error) {
	m.mux.HandleFunc(t, h)
}

func (m *Mux) Mux() *asynq.ServeMux { return m.mux }

// NewServer builds the asynq worker pool. concurrency bounds how many jobs
// run at once across this process.
func NewServer(r *redis.Service, concurrency int) *asynq.Server {
	log := logger.New("Worker")
	return asynq.NewServer(r.AsynqRedisOpt(), asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{tasks.QueueDefault: 1},
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.LogErrorf("task %s failed (attempt %d/%d): %v", task.Type(), retried+1, maxRetry+1, err)
		}),
	})
}
