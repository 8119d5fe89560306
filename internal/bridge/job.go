package bridge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrWaitTimeout is returned by Job.Wait when the caller's patience expires
// before the worker finishes the job. The job itself keeps running and still
// populates the cache for subsequent lookups.
var ErrWaitTimeout = errors.New("bridge: timed out waiting for result")

// Job is one unit of backend work: a tool invocation plus the cache policy
// for its result. Every caller interested in the same cache key holds the
// same Job instance and waits on its single completion.
//
// A Job is owned exclusively by the worker once dequeued and is read-only to
// every other holder after the done signal fires.
type Job struct {
	// ID correlates log lines across submit, worker, and completion.
	ID string

	Tool   string
	Params map[string]any

	// Key is the deduplication/cache key derived from Tool and Params.
	Key string

	// TTL is the freshness window the result is cached under.
	TTL time.Duration

	// FromCache marks a job synthesized for a cache hit; no backend work
	// was performed for it.
	FromCache bool

	done   chan struct{}
	result json.RawMessage
	errMsg string
}

func newJob(tool string, params map[string]any, key string, ttl time.Duration) *Job {
	return &Job{
		ID:     ulid.Make().String(),
		Tool:   tool,
		Params: params,
		Key:    key,
		TTL:    ttl,
		done:   make(chan struct{}),
	}
}

// completedJob wraps a cache hit in an already-finished Job so the fast path
// and the queued path look identical to callers.
func completedJob(tool, key string, value json.RawMessage) *Job {
	j := &Job{
		ID:        ulid.Make().String(),
		Tool:      tool,
		Key:       key,
		FromCache: true,
		done:      make(chan struct{}),
		result:    value,
	}
	close(j.done)
	return j
}

// finish records the outcome and wakes every waiter. Called exactly once,
// by the worker (or by Submit for synthesized jobs via completedJob).
func (j *Job) finish(result json.RawMessage, errMsg string) {
	j.result = result
	j.errMsg = errMsg
	close(j.done)
}

// Done exposes the completion signal for select-based waiters.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job completes or timeout elapses. A timeout abandons
// only this caller's interest; other waiters and the job are unaffected.
func (j *Job) Wait(timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-j.done:
		if j.errMsg != "" {
			return j.result, errors.New(j.errMsg)
		}
		return j.result, nil
	case <-timer.C:
		return nil, ErrWaitTimeout
	}
}
