// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package retry applies a bounded exponential-ish schedule to executor
// failures, re-enqueueing with delay or moving the job to the dead-letter
// queue once the schedule is exhausted. This controller is authoritative
// over attempts_made; the queue's own retry bookkeeping is not consulted.
package retry

import (
	"context"
	"time"

	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/queue"
	"github.com/rs/zerolog"
)

// DefaultDelays is the built-in backoff schedule, indexed by attempts_made.
var DefaultDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// Outcome reports what the Controller decided to do with a failed job.
type Outcome string

const (
	Requeued     Outcome = "requeued"
	DeadLettered Outcome = "dead_lettered"
)

// Controller decides, on executor failure, whether to schedule another
// attempt or give up.
type Controller struct {
	delays     []time.Duration
	maxRetries int
	q          queue.Client
	log        zerolog.Logger
}

// New builds a Controller. maxRetries bounds attempts_made; delays.length
// should normally be >= maxRetries so every retry has a scheduled delay.
func New(q queue.Client, delays []time.Duration, maxRetries int, l zerolog.Logger) *Controller {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	return &Controller{
		delays:     delays,
		maxRetries: maxRetries,
		q:          q,
		log:        l.With().Str("component", "retry").Logger(),
	}
}

func (c *Controller) delayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(c.delays) {
		return c.delays[len(c.delays)-1]
	}
	return c.delays[attempt]
}

// Handle processes one executor failure for j, whose attempts_made has
// already been incremented by the caller before this is invoked. reason is
// recorded as the job's error text when dead-lettered.
func (c *Controller) Handle(ctx context.Context, j *job.Job, reason string) (Outcome, error) {
	if j.AttemptsMade >= c.maxRetries+1 {
		if err := j.MarkDeadLettered(); err != nil {
			c.log.Error().Err(err).Str("job_id", j.ID).Msg("invalid dead-letter transition")
		}
		if err := c.q.MoveToDead(ctx, j, reason); err != nil {
			return "", err
		}
		c.log.Warn().Str("job_id", j.ID).Int("attempts_made", j.AttemptsMade).Msg("retries exhausted, moved to dead letter queue")
		return DeadLettered, nil
	}

	delay := c.delayFor(j.AttemptsMade - 1)
	until := time.Now().Add(delay)
	if err := j.MarkRetrying(); err != nil {
		c.log.Error().Err(err).Str("job_id", j.ID).Msg("invalid retry transition")
	}
	if err := c.q.MoveToDelayed(ctx, j, until); err != nil {
		return "", err
	}
	c.log.Info().Str("job_id", j.ID).Dur("delay", delay).Int("attempts_made", j.AttemptsMade).Msg("scheduled retry")
	return Requeued, nil
}

// RetriesDisabled reports whether the configured maxRetries is 0, in which
// case any failure is terminal. The setting is process-wide; a single
// submission cannot opt out of retries.
func RetriesDisabled(maxRetries int) bool {
	return maxRetries == 0
}
