package syncer

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

// Run drives the coordinator until ctx ends: an initial reconciliation, a
// drain whenever a mutation kicks it, periodic reconciliation while online
// and a jittered retry while offline. Only local storage corruption stops it.
func (c *Coordinator) Run(ctx context.Context, identity notes.Identity) error {
	if err := c.authorize(identity); err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	if err := c.runReconcile(ctx, identity); err != nil {
		return err
	}
	timer := time.NewTimer(c.nextDelay(rng.Float64()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
			if !c.Online() {
				continue
			}
			if _, err := c.Drain(ctx, identity); fatal(err) {
				return err
			} else if err != nil {
				c.log.Debugw("drain incomplete", logger.FieldError, err)
			}
		case <-c.reconnect:
			if err := c.runReconcile(ctx, identity); err != nil {
				return err
			}
			timer.Reset(c.nextDelay(rng.Float64()))
		case <-timer.C:
			if !c.Online() || c.reconcileInterval > 0 {
				if err := c.runReconcile(ctx, identity); err != nil {
					return err
				}
			}
			timer.Reset(c.nextDelay(rng.Float64()))
		}
	}
}

func (c *Coordinator) runReconcile(ctx context.Context, identity notes.Identity) error {
	_, err := c.Reconcile(ctx, identity)
	switch {
	case err == nil, ctx.Err() != nil:
		return nil
	case fatal(err):
		c.log.Errorw("replica unusable", logger.FieldError, err)
		return err
	default:
		c.log.Infow("reconcile failed, staying offline", logger.FieldError, err)
		return nil
	}
}

func (c *Coordinator) nextDelay(sample float64) time.Duration {
	if c.Online() && c.reconcileInterval > 0 {
		return jitteredIntervalWithSample(c.reconcileInterval, c.reconcileJitter, sample)
	}
	return jitteredIntervalWithSample(c.offlineRetry, c.reconcileJitter, sample)
}

func fatal(err error) bool {
	return err != nil && errors.Is(err, notes.ErrStorageCorruption)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
