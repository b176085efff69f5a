package shedder

import (
	"context"
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	sourceStats   = "stats"
	sourceTracker = "tracker"
)

// evict selects res.ToEvict candidates and evicts them in throttled batches.
// Only a failure to read candidates aborts the pass; per-unit failures are
// counted and logged.
func (s *Shedder) evict(ctx context.Context, res *PassResult) error {
	source := sourceStats
	var stats []cluster.ActivationStat

	if s.opts.Strategy == StrategyIntercept {
		source = sourceTracker
		stats = s.tracker.Stats(s.node)
	} else {
		var err error
		stats, err = s.rt.DetailedActivationStats(ctx, s.table.Types(), s.node)
		if err != nil {
			return fmt.Errorf("detailed activation stats: %w", err)
		}
	}

	candidates := s.table.Order(stats)
	res.Candidates = len(candidates)

	targets := make([]cluster.ActivationKey, 0, min(res.ToEvict, len(candidates)))
	for _, c := range candidates {
		if len(targets) == res.ToEvict {
			break
		}
		if s.suppressed(c.Key) {
			res.Skipped++
			continue
		}
		targets = append(targets, c.Key)
	}

	err := s.evictBatches(ctx, source, targets, res)

	if s.opts.Strategy == StrategyIntercept {
		shortfall := int64(res.ToEvict - res.Requested)
		if err := s.tracker.SetPending(max(shortfall, 0)); err == nil {
			res.Deferred = max(shortfall, 0)
			telemetry.PendingEvictions.Set(float64(res.Deferred))
		}
	}

	return err
}

// suppressed reports whether key is being evicted or was evicted within the
// cooldown. A suppressed key is skipped even when that leaves the pass short
// of its target.
func (s *Shedder) suppressed(key cluster.ActivationKey) bool {
	if _, ok := s.inflight.Load(key); ok {
		return true
	}
	if s.tracker != nil && s.tracker.Evicting(key) {
		return true
	}
	if s.opts.EvictionCooldown == 0 {
		return false
	}
	at, ok := s.recent.Get(key)
	return ok && time.Since(at) < s.opts.EvictionCooldown
}

func (s *Shedder) evictBatches(ctx context.Context, source string, targets []cluster.ActivationKey, res *PassResult) error {
	for start := 0; start < len(targets); start += s.opts.BatchSize {
		if start > 0 && s.opts.BatchDelay > 0 {
			timer := time.NewTimer(s.opts.BatchDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.ctx.Done():
				timer.Stop()
				return cluster.ErrStopped
			}
		}

		end := min(start+s.opts.BatchSize, len(targets))
		s.evictBatch(source, targets[start:end], res)
	}
	return nil
}

// evictBatch requests every eviction of the batch at once, then waits for all
// of them to settle.
func (s *Shedder) evictBatch(source string, keys []cluster.ActivationKey, res *PassResult) {
	batch := make([]cluster.ActivationKey, 0, len(keys))
	futures := make([]*future.Future[bool], 0, len(keys))
	for _, key := range keys {
		// a call completion may have claimed the key since selection
		if s.tracker != nil && !s.tracker.Claim(key) {
			res.Skipped++
			continue
		}
		s.inflight.Store(key, struct{}{})
		batch = append(batch, key)
		futures = append(futures, s.rt.RequestEvictOnIdle(key))
	}
	if len(batch) == 0 {
		return
	}
	res.Requested += len(batch)
	res.Batches++
	telemetry.EvictionBatchesTotal.Inc()
	telemetry.EvictionBatchSize.Observe(float64(len(batch)))

	log.Debug().
		Str("node", s.node.String()).
		Int("batch", res.Batches).
		Int("size", len(batch)).
		Msg("Eviction batch issued")

	for i, f := range futures {
		key := batch[i]
		evicted, err := f.Get()
		s.inflight.Delete(key)
		if s.tracker != nil {
			s.tracker.Release(key)
		}

		switch {
		case err != nil:
			res.Failed++
			telemetry.EvictionsTotal.With(source, "failed").Inc()
			log.Debug().
				Err(err).
				Str("node", s.node.String()).
				Str("type", key.Type).
				Str("key", key.Key).
				Msg("Eviction failed")
		case evicted:
			res.Evicted++
			s.recent.Add(key, time.Now())
			if s.tracker != nil {
				s.tracker.Forget(key)
			}
			telemetry.EvictionsTotal.With(source, "evicted").Inc()
		default:
			res.Gone++
			telemetry.EvictionsTotal.With(source, "gone").Inc()
		}
	}
}
