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

// Package queue implements an ordered, durable work queue over
// {waiting, active, completed, failed, delayed, dead} with at-least-once
// delivery and exclusive claims.
package queue

import (
	"context"
	"time"

	"github.com/codepr/kiln/internal/job"
)

// EnqueueOptions configures how a payload enters the queue.
type EnqueueOptions struct {
	// Attempts is accepted but not stored or read by RedisQueue. The retry
	// limit comes from the Retry Controller's process-wide maxRetries, so a
	// value of 0 here does not disable retries for the job.
	Attempts int
	// Delay, if > 0, puts the job straight into the delayed state instead
	// of waiting.
	Delay time.Duration
}

// Counts reports the size of each named set in the queue.
type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
	Dead      int64
}

// Client is the Durable Queue Client contract: enqueue, exclusive claim,
// delay, dead-letter and count operations. Redelivery of a claim whose
// owner dies without acknowledgment is left to the implementation;
// RedisQueue does not redeliver such claims.
type Client interface {
	// Enqueue inserts payload into the waiting set (or delayed, if
	// opts.Delay > 0) and returns the assigned job id.
	Enqueue(ctx context.Context, payload *job.Job, opts EnqueueOptions) (string, error)

	// Claim blocks (up to the implementation's own poll/long-poll window)
	// until a job is available or ctx is done, exclusively moving it
	// waiting -> active at the queue level. Returns (nil, nil) on a timed
	// out poll with nothing to claim.
	Claim(ctx context.Context) (*job.Job, error)

	// MoveToDelayed moves an actively-claimed job back to the delayed set,
	// to be retried no earlier than until.
	MoveToDelayed(ctx context.Context, j *job.Job, until time.Time) error

	// Remove deletes a job's queue-level bookkeeping. Idempotent.
	Remove(ctx context.Context, jobID string) error

	// MoveToDead enqueues j into the dead-letter queue, preserving its
	// original payload, and removes it from the active set.
	MoveToDead(ctx context.Context, j *job.Job, reason string) error

	// Complete marks a claimed job as completed, removing it from active
	// bookkeeping while keeping a completed counter for GetCounts.
	Complete(ctx context.Context, jobID string) error

	// GetJob fetches the current queue-held payload for jobID, or
	// (nil, nil) if the queue holds no payload for it (removed, or never
	// enqueued). Completed and dead-lettered jobs keep their payload.
	GetJob(ctx context.Context, jobID string) (*job.Job, error)

	// GetCounts reports the size of each named set.
	GetCounts(ctx context.Context) (Counts, error)

	// PromoteDelayed moves any delayed jobs whose delay has elapsed back
	// into waiting. Intended to be called periodically by a scheduler.
	PromoteDelayed(ctx context.Context) (int, error)

	Close() error
}
