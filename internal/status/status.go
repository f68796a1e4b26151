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

// Package status runs a single-consumer pipeline that serializes every
// status transition to durable storage and then republishes it on the
// realtime status channel, keeping the worker hot path non-blocking.
package status

import (
	"context"
	"time"

	"github.com/codepr/kiln/internal/job"
	"github.com/rs/zerolog"
)

// Update is one transition request enqueued by a worker.
type Update struct {
	JobID      string
	Status     job.Status
	ExitCode   *int
	DurationMs *int64
	Error      string
	Data       interface{}
}

// Publisher is the narrow realtime interface the pipeline is allowed to
// hold for status events.
type Publisher interface {
	PublishStatus(jobID string, status job.Status, data interface{}) error
}

// Store is the subset of the durable store the pipeline needs.
type Store interface {
	UpdateJobStatus(ctx context.Context, jobID string, status job.Status, exitCode *int, durationMs *int64, errMsg string) error
}

// Pipeline serializes Update application through a single goroutine reading
// off a buffered channel, so concurrent workers never block on the database.
type Pipeline struct {
	updates chan Update
	store   Store
	pub     Publisher
	log     zerolog.Logger

	lastApplied map[string]job.Status // for idempotent-replay detection
	done        chan struct{}
}

// New builds a Pipeline with the given channel capacity and starts its
// consumer goroutine immediately; callers must call Close to stop it.
func New(store Store, pub Publisher, capacity int, l zerolog.Logger) *Pipeline {
	p := &Pipeline{
		updates:     make(chan Update, capacity),
		store:       store,
		pub:         pub,
		log:         l.With().Str("component", "status").Logger(),
		lastApplied: make(map[string]job.Status),
		done:        make(chan struct{}),
	}
	go p.consume()
	return p
}

// Publish enqueues a status update. Non-blocking up to the channel's
// capacity; callers on a hot path should never wait on the database here.
func (p *Pipeline) Publish(u Update) {
	p.updates <- u
}

func (p *Pipeline) consume() {
	defer close(p.done)
	for u := range p.updates {
		p.apply(u)
	}
}

func (p *Pipeline) apply(u Update) {
	if prev, ok := p.lastApplied[u.JobID]; ok {
		if prev == u.Status {
			return // idempotent replay: no-op
		}
		if !job.ValidTransition(prev, u.Status) {
			p.log.Error().
				Str("job_id", u.JobID).
				Str("from", string(prev)).
				Str("to", string(u.Status)).
				Msg("dropping status update that violates the status DAG")
			return
		}
	}
	p.lastApplied[u.JobID] = u.Status

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.retryingUpdate(ctx, u); err != nil {
		p.log.Error().Err(err).Str("job_id", u.JobID).Msg("giving up on status write after retries")
	}

	if p.pub != nil {
		if err := p.pub.PublishStatus(u.JobID, u.Status, u.Data); err != nil {
			p.log.Warn().Err(err).Str("job_id", u.JobID).Msg("failed to publish realtime status event")
		}
	}

	if job.IsTerminal(u.Status) {
		delete(p.lastApplied, u.JobID)
	}
}

// retryingUpdate tries the durable write up to four times (after waits of
// 0, 50ms, 250ms and 1s) so a transient database outage doesn't lose the
// transition. The worker that published the update does not wait for it;
// if every attempt fails the error is returned to apply, which logs it,
// and the job's queue claim is unaffected.
func (p *Pipeline) retryingUpdate(ctx context.Context, u Update) error {
	backoffs := []time.Duration{0, 50 * time.Millisecond, 250 * time.Millisecond, time.Second}
	var lastErr error
	for _, wait := range backoffs {
		if wait > 0 {
			time.Sleep(wait)
		}
		if err := p.store.UpdateJobStatus(ctx, u.JobID, u.Status, u.ExitCode, u.DurationMs, u.Error); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Close stops accepting updates and waits for the consumer to drain.
func (p *Pipeline) Close() {
	close(p.updates)
	<-p.done
}
