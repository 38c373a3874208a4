package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "jobctl:"
	// authTTL bounds how long an unrecovered authorization is kept.
	authTTL = 7 * 24 * time.Hour
)

// releaseScript deletes a claim only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Store shared by every client pointed at the same Redis instance.
// Claims use SET NX with an expiry and job mappings use SETNX, so the
// first-mapping-wins rule holds across processes.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) SaveAuthorization(ctx context.Context, auth Authorization) error {
	auth.JobID = ""
	data, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("marshal authorization: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, authKey(auth.TransactionID), data, authTTL)
	if auth.Token != "" {
		pipe.Set(ctx, tokenKey(auth.Token), auth.TransactionID, authTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save authorization %s: %w", auth.TransactionID, err)
	}
	return nil
}

func (r *Redis) Authorization(ctx context.Context, transactionID string) (Authorization, error) {
	pipe := r.rdb.Pipeline()
	authCmd := pipe.Get(ctx, authKey(transactionID))
	jobCmd := pipe.Get(ctx, jobKey(transactionID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Authorization{}, fmt.Errorf("load authorization %s: %w", transactionID, err)
	}

	jobID, jobErr := jobCmd.Result()
	data, authErr := authCmd.Bytes()
	switch {
	case authErr == nil:
	case errors.Is(authErr, redis.Nil) && jobErr == nil:
		// Recorded through a raw transaction id without a local order.
		return Authorization{TransactionID: transactionID, JobID: jobID}, nil
	case errors.Is(authErr, redis.Nil):
		return Authorization{}, ErrNotFound
	default:
		return Authorization{}, authErr
	}

	var auth Authorization
	if err := json.Unmarshal(data, &auth); err != nil {
		return Authorization{}, fmt.Errorf("parse authorization %s: %w", transactionID, err)
	}
	if jobErr == nil {
		auth.JobID = jobID
	}
	return auth, nil
}

func (r *Redis) AuthorizationByToken(ctx context.Context, token string) (Authorization, error) {
	tx, err := r.rdb.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return Authorization{}, ErrNotFound
	}
	if err != nil {
		return Authorization{}, fmt.Errorf("resolve token: %w", err)
	}
	return r.Authorization(ctx, tx)
}

func (r *Redis) Claim(ctx context.Context, transactionID string, ttl time.Duration) (Release, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	owner := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, claimKey(transactionID), owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", transactionID, err)
	}
	if !ok {
		return nil, ErrClaimed
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.rdb, []string{claimKey(transactionID)}, owner).Err()
	}, nil
}

func (r *Redis) RecordJob(ctx context.Context, transactionID, jobID string) (string, error) {
	set, err := r.rdb.SetNX(ctx, jobKey(transactionID), jobID, authTTL).Result()
	if err != nil {
		return "", fmt.Errorf("record job for %s: %w", transactionID, err)
	}
	if set {
		return jobID, nil
	}
	existing, err := r.rdb.Get(ctx, jobKey(transactionID)).Result()
	if err != nil {
		return "", fmt.Errorf("record job for %s: %w", transactionID, err)
	}
	if existing != jobID {
		return existing, ErrJobConflict
	}
	return existing, nil
}

func (r *Redis) SaveActiveJob(ctx context.Context, active ActiveJob) error {
	data, err := json.Marshal(active)
	if err != nil {
		return fmt.Errorf("marshal active job: %w", err)
	}
	return r.rdb.Set(ctx, activeKey(), data, 0).Err()
}

func (r *Redis) ActiveJob(ctx context.Context) (ActiveJob, error) {
	data, err := r.rdb.Get(ctx, activeKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return ActiveJob{}, ErrNotFound
	}
	if err != nil {
		return ActiveJob{}, fmt.Errorf("load active job: %w", err)
	}
	var active ActiveJob
	if err := json.Unmarshal(data, &active); err != nil {
		return ActiveJob{}, fmt.Errorf("parse active job: %w", err)
	}
	return active, nil
}

func (r *Redis) ClearActiveJob(ctx context.Context) error {
	return r.rdb.Del(ctx, activeKey()).Err()
}

func (r *Redis) Ready(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func authKey(tx string) string { return redisKeyPrefix + "auth:" + tx }
func tokenKey(token string) string { return redisKeyPrefix + "token:" + token }
func claimKey(tx string) string { return redisKeyPrefix + "claim:" + tx }
func jobKey(tx string) string { return redisKeyPrefix + "job:" + tx }
func activeKey() string { return redisKeyPrefix + "active" }

// Verify Redis implements Store
var _ Store = (*Redis)(nil)
