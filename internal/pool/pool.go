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

// Package pool runs the worker pool that drives jobs from claim through
// execution to their terminal status, and a scaler that grows or shrinks
// the pool to match queue depth.
package pool

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/kiln/internal/admission"
	"github.com/codepr/kiln/internal/executor"
	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/logmux"
	"github.com/codepr/kiln/internal/metrics"
	"github.com/codepr/kiln/internal/queue"
	"github.com/codepr/kiln/internal/retry"
	"github.com/codepr/kiln/internal/status"
)

// Config bounds the pool's size and scaling cadence.
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	ScaleInterval   time.Duration
	JobsPerWorker   int
	MaxRetries      int
}

// Pool owns a set of worker goroutines, each independently claiming jobs
// from the queue, running them through the Executor, and handing terminal
// outcomes to the Status Pipeline and Retry Controller.
type Pool struct {
	q         queue.Client
	admission *admission.Controller
	exec      *executor.Executor
	statusP   *status.Pipeline
	mux       *logmux.Multiplexer
	retryC    *retry.Controller
	collector *metrics.Collector
	cfg       Config
	log       zerolog.Logger

	mu       sync.Mutex
	workers  []*worker // ordered oldest-first; scale-down stops the head
	nextID   int
	scaling  sync.Mutex // held for the duration of one scale decision
}

type worker struct {
	id   int
	stop chan struct{}
	done chan struct{}
}

// New builds a Pool. It does not start any workers; call Start.
func New(q queue.Client, admissionCtl *admission.Controller, exec *executor.Executor, statusP *status.Pipeline, mux *logmux.Multiplexer, retryC *retry.Controller, collector *metrics.Collector, cfg Config, l zerolog.Logger) *Pool {
	return &Pool{
		q:         q,
		admission: admissionCtl,
		exec:      exec,
		statusP:   statusP,
		mux:       mux,
		retryC:    retryC,
		collector: collector,
		cfg:       cfg,
		log:       l.With().Str("component", "pool").Logger(),
	}
}

// Start launches MinWorkers worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.log.Info().Int("workers", len(p.workers)).Msg("worker pool started")
}

// spawnLocked adds one worker to the end of the pool. Caller must hold p.mu.
func (p *Pool) spawnLocked() {
	p.nextID++
	w := &worker{id: p.nextID, stop: make(chan struct{}), done: make(chan struct{})}
	p.workers = append(p.workers, w)
	go p.run(w)
}

// WorkerCount reports the current number of live workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown signals every worker to stop claiming new jobs and waits, up to
// timeout, for any in-flight job to finish.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		close(w.stop)
	}

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.done
		}
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("worker pool shut down gracefully")
	case <-time.After(timeout):
		p.log.Warn().Dur("timeout", timeout).Msg("worker pool shutdown timed out waiting for in-flight jobs")
	}
}

// run is one worker's lifetime: claim, admit, execute, settle, repeat until
// told to stop. A claimed-but-not-yet-admitted job is re-delayed rather than
// dropped, since TryAdmit's refusal is about capacity, not job health.
func (p *Pool) run(w *worker) {
	defer close(w.done)
	ctx := context.Background()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		j, err := p.q.Claim(ctx)
		if err != nil {
			p.log.Error().Err(err).Int("worker_id", w.id).Msg("claim failed")
			time.Sleep(time.Second)
			continue
		}
		if j == nil {
			continue // claim timed out with nothing waiting; loop re-checks stop
		}

		p.process(ctx, j)
	}
}

func (p *Pool) process(ctx context.Context, j *job.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("job_id", j.ID).Bytes("stack", debug.Stack()).Msg("worker recovered from panic while processing job")
			_ = p.q.MoveToDead(ctx, j, "worker panic")
			p.mux.Discard(j.ID)
		}
	}()

	if !p.admission.TryAdmit() {
		if err := p.q.MoveToDelayed(ctx, j, time.Now().Add(time.Second)); err != nil {
			p.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to re-delay job pending admission")
		}
		return
	}

	now := time.Now()
	if err := j.MarkStarted(now); err != nil {
		p.log.Error().Err(err).Str("job_id", j.ID).Msg("invalid start transition")
		p.admission.Release()
		return
	}
	p.statusP.Publish(status.Update{JobID: j.ID, Status: job.StatusActive})

	if p.collector != nil {
		p.collector.SetActiveContainers(p.admission.Snapshot().ActiveContainers)
	}

	result := p.exec.Run(ctx, j)

	if err := p.mux.Flush(j.ID); err != nil {
		p.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to flush job logs")
	}

	if p.collector != nil {
		p.collector.SetActiveContainers(p.admission.Snapshot().ActiveContainers)
	}

	p.settle(ctx, j, result)
}

// settle records the executor's outcome and, for anything short of success,
// hands the job to the Retry Controller to decide between another attempt
// and the dead-letter queue.
func (p *Pool) settle(ctx context.Context, j *job.Job, result executor.Result) {
	end := time.Now()

	if result.Outcome == executor.Success {
		if err := j.MarkTerminal(job.StatusCompleted, end, &result.ExitCode, ""); err != nil {
			p.log.Error().Err(err).Str("job_id", j.ID).Msg("invalid completion transition")
		}
		if err := p.q.Complete(ctx, j.ID); err != nil {
			p.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to mark job complete in queue")
		}
		p.statusP.Publish(status.Update{JobID: j.ID, Status: job.StatusCompleted, ExitCode: &result.ExitCode, DurationMs: &j.DurationMs})
		if p.collector != nil {
			p.collector.RecordCompletion(true, false)
		}
		return
	}

	failStatus := job.StatusFailed
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	var exitCode *int
	if result.Outcome == executor.Timeout {
		failStatus = job.StatusTimedOut
	} else if result.ExitCode != 0 {
		exitCode = &result.ExitCode
	}
	if err := j.MarkTerminal(failStatus, end, exitCode, errMsg); err != nil {
		p.log.Error().Err(err).Str("job_id", j.ID).Msg("invalid failure transition")
	}
	p.statusP.Publish(status.Update{JobID: j.ID, Status: failStatus, ExitCode: exitCode, DurationMs: &j.DurationMs, Error: errMsg})

	if retry.RetriesDisabled(p.cfg.MaxRetries) {
		if err := p.q.MoveToDead(ctx, j, errMsg); err != nil {
			p.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to dead-letter job with retries disabled")
		}
		p.statusP.Publish(status.Update{JobID: j.ID, Status: job.StatusFailedPermanently, Error: errMsg})
		if p.collector != nil {
			p.collector.RecordCompletion(false, true)
			p.collector.RecordRetryOutcome(string(retry.DeadLettered))
		}
		return
	}

	j.AttemptsMade++
	outcome, err := p.retryC.Handle(ctx, j, errMsg)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", j.ID).Msg("retry controller failed")
		return
	}
	if outcome == retry.DeadLettered {
		p.statusP.Publish(status.Update{JobID: j.ID, Status: job.StatusFailedPermanently, Error: errMsg})
	} else {
		p.statusP.Publish(status.Update{JobID: j.ID, Status: job.StatusRetrying, Error: errMsg})
		p.statusP.Publish(status.Update{JobID: j.ID, Status: job.StatusWaiting})
	}
	if p.collector != nil {
		p.collector.RecordCompletion(false, outcome == retry.DeadLettered)
		p.collector.RecordRetryOutcome(string(outcome))
	}
}
