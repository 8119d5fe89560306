package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// runWorker is the single goroutine permitted to use the RPC client. It
// drains the queue, executes each job, populates the cache, signals
// completion, and enforces inter-call throttling. Nothing a job does is
// fatal: every failure is captured at job granularity and the loop resumes.
func (g *Gateway) runWorker() {
	defer close(g.workerDone)

	// Connection failures back off across consecutive jobs so a dead
	// backend degrades to fast errors instead of a spawn storm.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-g.stop:
			return
		case j := <-g.queue:
			g.execute(j, bo)
		}
	}
}

// execute runs one job through the completion protocol: resolve the result,
// write the cache, remove the pending entry, then signal done. Every waiter
// that joined the job observes the same outcome.
func (g *Gateway) execute(j *Job, bo backoff.BackOff) {
	// The result may have arrived while the job sat in the queue
	// (duplicate submissions racing an earlier completion). Completing
	// from cache skips the backend and never incurs the call delay.
	if value, ok := g.store.Get(j.Key, j.TTL); ok {
		g.removePending(j.Key)
		j.finish(value, "")
		g.logger.Debug().Str("job", j.ID).Str("key", j.Key).Msg("completed from cache")
		return
	}

	ctx := g.logger.WithContext(context.Background())

	if err := g.client.EnsureReady(ctx); err != nil {
		g.logger.Error().Str("job", j.ID).Err(err).Msg("backend connection failed")
		g.completeError(j, err.Error())
		g.pause(bo.NextBackOff())
		return
	}
	bo.Reset()

	// Throttle: consecutive backend calls are separated by at least the
	// configured delay. The limiter holds one token, so the first call
	// after an idle period proceeds immediately.
	if err := g.limiter.Wait(ctx); err != nil {
		g.completeError(j, err.Error())
		return
	}

	start := time.Now()
	res, err := g.client.Call(ctx, j.Tool, j.Params, g.cfg.CallTimeout)
	if err != nil {
		g.logger.Warn().
			Str("job", j.ID).
			Str("tool", j.Tool).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("call failed")
		g.completeError(j, err.Error())
		return
	}

	g.logger.Debug().
		Str("job", j.ID).
		Str("tool", j.Tool).
		Dur("elapsed", time.Since(start)).
		Msg("call completed")
	g.complete(j, res.JSON())
}

// complete caches a successful result under the job's TTL class, removes
// the pending entry, and signals done.
func (g *Gateway) complete(j *Job, value json.RawMessage) {
	g.store.Set(j.Key, value)
	g.removePending(j.Key)
	j.finish(value, "")
}

// completeError caches the failure briefly so an immediate retry storm is
// avoided without permanently poisoning the key, then signals done.
// Transport and remote errors are not distinguished at job level.
func (g *Gateway) completeError(j *Job, msg string) {
	g.store.SetCapped(j.Key, errorPayload(msg), g.cfg.ErrorTTL)
	g.removePending(j.Key)
	j.finish(errorPayload(msg), msg)
}

// pause sleeps up to d but returns early on shutdown.
func (g *Gateway) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-g.stop:
	case <-timer.C:
	}
}
