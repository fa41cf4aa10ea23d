package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	rds "sequencer/internal/platform/redis"
)

// RedisStore keeps each job as a hash under job:<id>. Updates run as a Lua
// script so the status check and every field write happen atomically.
type RedisStore struct {
	redis     *rds.Service
	retention time.Duration
}

func NewRedisStore(redis *rds.Service, retention time.Duration) *RedisStore {
	return &RedisStore{redis: redis, retention: retention}
}

var createScript = redisv8.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// ARGV: expected, status, results, error mode (keep|clear|set), error,
// apify run id, updated_at, ttl seconds.
var updateScript = redisv8.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return {-1, ''}
end
if cur ~= ARGV[1] then
  return {0, cur}
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[7])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'results', ARGV[3])
end
if ARGV[4] == 'clear' then
  redis.call('HDEL', KEYS[1], 'error')
elseif ARGV[4] == 'set' then
  redis.call('HSET', KEYS[1], 'error', ARGV[5])
end
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[1], 'apify_run_id', ARGV[6])
end
local ttl = tonumber(ARGV[8])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return {1, ARGV[2]}
`)

func (s *RedisStore) Create(ctx context.Context, j *Job) error {
	if err := validateNew(j); err != nil {
		return err
	}
	params, err := json.Marshal(j.RequestParams)
	if err != nil {
		return fmt.Errorf("marshal request params: %w", err)
	}
	fields := []interface{}{
		"job_id", j.ID,
		"user_id", j.Owner,
		"status", string(j.Status),
		"request_params", string(params),
		"created_at", j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at", j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.ApifyRunID != "" {
		fields = append(fields, "apify_run_id", j.ApifyRunID)
	}
	if j.Results != nil {
		b, err := json.Marshal(j.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		fields = append(fields, "results", string(b))
	}
	if j.Error != nil {
		fields = append(fields, "error", *j.Error)
	}
	created, err := createScript.Run(ctx, s.redis.Client(), []string{key(j.ID)}, fields...).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, j.ID)
	}
	s.publish(ctx, j.ID)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	h, err := s.redis.Client().HGetAll(ctx, key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeHash(h)
}

func (s *RedisStore) Update(ctx context.Context, id string, expected Status, u Update) error {
	if err := validateUpdate(expected, u); err != nil {
		return err
	}
	results := ""
	if u.Results != nil {
		b, err := json.Marshal(u.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		results = string(b)
	}
	errMode, errValue := "keep", ""
	switch {
	case u.ClearError:
		errMode = "clear"
	case u.Error != nil:
		errMode, errValue = "set", *u.Error
	}
	ttl := 0
	if u.Status.Terminal() && s.retention > 0 {
		ttl = int(s.retention.Seconds())
	}

	res, err := updateScript.Run(ctx, s.redis.Client(), []string{key(id)},
		string(expected), string(u.Status), results, errMode, errValue, u.ApifyRunID,
		time.Now().UTC().Format(time.RFC3339Nano), ttl,
	).Slice()
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if len(res) < 2 {
		return fmt.Errorf("update job %s: unexpected script reply %v", id, res)
	}
	code, _ := res[0].(int64)
	current, _ := res[1].(string)
	switch code {
	case -1:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case 0:
		return conflict(id, Status(current))
	}
	s.publish(ctx, id)
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Client().Ping(ctx).Err()
}

// publish notifies listeners on the job channel; delivery is best-effort.
func (s *RedisStore) publish(ctx context.Context, id string) {
	_ = s.redis.Client().Publish(ctx, key(id), "updated").Err()
}

func decodeHash(h map[string]string) (*Job, error) {
	j := &Job{
		ID:         h["job_id"],
		Owner:      h["user_id"],
		Status:     Status(h["status"]),
		ApifyRunID: h["apify_run_id"],
	}
	if raw := h["request_params"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.RequestParams); err != nil {
			return nil, fmt.Errorf("decode request params for job %s: %w", j.ID, err)
		}
	}
	if raw := h["results"]; raw != "" {
		var r Results
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode results for job %s: %w", j.ID, err)
		}
		j.Results = &r
	}
	if e, ok := h["error"]; ok {
		j.Error = &e
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["created_at"])
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	return j, nil
}

func key(id string) string { return "job:" + id }
