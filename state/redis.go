package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout used by RedisStore. All keys live under one prefix so several
// applications can share an instance.
const (
	redisExecKey    = "%s:exec:%s"    // prefix, workflow id -> JSON record
	redisExecSet    = "%s:execs"      // prefix -> set of workflow ids
	redisCpKey      = "%s:cp:%s"      // prefix, workflow id -> zset seq->JSON
	redisCpSeqKey   = "%s:cpseq:%s"   // prefix, workflow id -> counter
	redisIdemKey    = "%s:idem:%s"    // prefix, key -> workflow id
	redisIdemSetKey = "%s:idemset:%s" // prefix, workflow id -> set of keys
)

// RedisStore persists records in Redis.
//
// Checkpoints live in a sorted set scored by Seq, so latest-checkpoint is
// a single ZRANGE. Suited to multi-instance deployments that want shared
// fast state without a relational database; pair it with Redis
// persistence (AOF) when durability matters.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection. The prefix
// namespaces every key; "draftforge" when empty.
func NewRedisStore(opts *redis.Options, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "draftforge"
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps
// ownership of the client; Close does not close it.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "draftforge"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) guard() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *RedisStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	if err := r.guard(); err != nil {
		return err
	}
	rec.SavedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(redisExecKey, r.prefix, rec.WorkflowID), data, 0)
	pipe.SAdd(ctx, fmt.Sprintf(redisExecSet, r.prefix), rec.WorkflowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadExecution(ctx context.Context, workflowID string) (ExecutionRecord, error) {
	if err := r.guard(); err != nil {
		return ExecutionRecord{}, err
	}
	data, err := r.client.Get(ctx, fmt.Sprintf(redisExecKey, r.prefix, workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("load execution: %w", err)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ExecutionRecord{}, fmt.Errorf("decode execution: %w", err)
	}
	return rec, nil
}

func (r *RedisStore) ListExecutions(ctx context.Context, status Status) ([]ExecutionRecord, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, fmt.Sprintf(redisExecSet, r.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var out []ExecutionRecord
	for _, id := range ids {
		rec, err := r.LoadExecution(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sortExecutions(out)
	return out, nil
}

func sortExecutions(recs []ExecutionRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].StartedAt.After(recs[j-1].StartedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func (r *RedisStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := r.guard(); err != nil {
		return err
	}

	if cp.IdempotencyKey != "" {
		// SETNX is the commit point: losing the race means the key was
		// already committed and this save is a duplicate.
		ok, err := r.client.SetNX(ctx,
			fmt.Sprintf(redisIdemKey, r.prefix, cp.IdempotencyKey), cp.WorkflowID, 0).Result()
		if err != nil {
			return fmt.Errorf("record idempotency key: %w", err)
		}
		if !ok {
			return nil
		}
	}

	if cp.Seq == 0 {
		seq, err := r.client.Incr(ctx, fmt.Sprintf(redisCpSeqKey, r.prefix, cp.WorkflowID)).Result()
		if err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		cp.Seq = seq
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, fmt.Sprintf(redisCpKey, r.prefix, cp.WorkflowID),
		redis.Z{Score: float64(cp.Seq), Member: string(data)})
	if cp.IdempotencyKey != "" {
		pipe.SAdd(ctx, fmt.Sprintf(redisIdemSetKey, r.prefix, cp.WorkflowID), cp.IdempotencyKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *RedisStore) LatestCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error) {
	if err := r.guard(); err != nil {
		return Checkpoint{}, err
	}
	vals, err := r.client.ZRevRange(ctx, fmt.Sprintf(redisCpKey, r.prefix, workflowID), 0, 0).Result()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if len(vals) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(vals[0]), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func (r *RedisStore) ListCheckpoints(ctx context.Context, workflowID string) ([]Checkpoint, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	vals, err := r.client.ZRange(ctx, fmt.Sprintf(redisCpKey, r.prefix, workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []Checkpoint
	for _, v := range vals {
		var cp Checkpoint
		if err := json.Unmarshal([]byte(v), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *RedisStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := r.guard(); err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, fmt.Sprintf(redisIdemKey, r.prefix, key)).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if err := r.guard(); err != nil {
		return err
	}

	idemKeys, err := r.client.SMembers(ctx, fmt.Sprintf(redisIdemSetKey, r.prefix, workflowID)).Result()
	if err != nil {
		return fmt.Errorf("list idempotency keys: %w", err)
	}

	pipe := r.client.TxPipeline()
	for _, key := range idemKeys {
		pipe.Del(ctx, fmt.Sprintf(redisIdemKey, r.prefix, key))
	}
	pipe.Del(ctx,
		fmt.Sprintf(redisExecKey, r.prefix, workflowID),
		fmt.Sprintf(redisCpKey, r.prefix, workflowID),
		fmt.Sprintf(redisCpSeqKey, r.prefix, workflowID),
		fmt.Sprintf(redisIdemSetKey, r.prefix, workflowID),
	)
	pipe.SRem(ctx, fmt.Sprintf(redisExecSet, r.prefix), workflowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// Close closes the underlying client. Double-close is a no-op.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// Ping verifies the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}
