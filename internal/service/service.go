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

// Package service exposes the external submission and query boundary: enqueue
// a job, read back its current state, list jobs by status, and fetch its
// consolidated logs. It owns no transport - a collaborator-owned HTTP or RPC
// layer sits in front of it and translates wire requests into these calls.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/queue"
	"github.com/codepr/kiln/internal/store"
)

// Service is the external submission/query boundary. It validates and
// enqueues new jobs, and answers read requests from the durable store -
// it never talks to the Executor, Admission Controller or Retry Controller
// directly, since those are the worker pool's concerns.
type Service struct {
	q     queue.Client
	store store.DurableStore
}

// New builds a Service bound to a queue client and the durable store.
func New(q queue.Client, s store.DurableStore) *Service {
	return &Service{q: q, store: s}
}

// SubmitRequest carries what a caller supplies; everything else (ID, status,
// timestamps) is assigned internally.
type SubmitRequest struct {
	SubmissionType job.SubmissionType
	GitLink        string
	RawCode        string
	DockerImage    string
	Runtime        string
	Dependencies   []string
	StartDirectory string
	InitialCmds    []string
	BuildCmd       string
	Env            map[string]string
	MemoryLimit    string
	TimeoutMs      int
	MaxRetries     int
}

// Submit validates the request, assigns it an ID and submission time, saves
// it to the durable store, and enqueues it for the worker pool to claim.
// The job is persisted before it is enqueued so a Get issued immediately
// after Submit returns never races the queue.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*job.Job, error) {
	j := &job.Job{
		ID:             uuid.NewString(),
		SubmissionType: req.SubmissionType,
		GitLink:        req.GitLink,
		RawCode:        req.RawCode,
		DockerImage:    req.DockerImage,
		Runtime:        req.Runtime,
		Dependencies:   req.Dependencies,
		StartDirectory: req.StartDirectory,
		InitialCmds:    req.InitialCmds,
		BuildCmd:       req.BuildCmd,
		Env:            req.Env,
		MemoryLimit:    req.MemoryLimit,
		TimeoutMs:      req.TimeoutMs,
		SubmittedAt:    time.Now(),
		Status:         job.StatusWaiting,
	}
	if err := j.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating job submission")
	}

	if err := s.store.SaveJob(ctx, j); err != nil {
		return nil, errors.Wrapf(err, "persisting job %s", j.ID)
	}

	if _, err := s.q.Enqueue(ctx, j, queue.EnqueueOptions{Attempts: req.MaxRetries}); err != nil {
		return nil, errors.Wrapf(err, "enqueuing job %s", j.ID)
	}
	return j, nil
}

// Get returns the current durable state of a job, or (nil, nil) if no job
// with that ID exists.
func (s *Service) Get(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading job %s", jobID)
	}
	return j, nil
}

// List returns jobs filtered by status, most recently submitted first. An
// empty states slice returns every job.
func (s *Service) List(ctx context.Context, states []job.Status) ([]*job.Job, error) {
	jobs, err := s.store.ListJobs(ctx, states)
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	return jobs, nil
}

// Logs returns the consolidated stdout/stderr records for a job, in arrival
// order.
func (s *Service) Logs(ctx context.Context, jobID string) ([]store.JobLogRecord, error) {
	logs, err := s.store.GetJobLogs(ctx, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading logs for job %s", jobID)
	}
	return logs, nil
}

// Statistics returns the aggregate job counters used by collaborator
// dashboards.
func (s *Service) Statistics(ctx context.Context) (store.JobStatistics, error) {
	stats, err := s.store.GetJobStatistics(ctx)
	if err != nil {
		return store.JobStatistics{}, errors.Wrap(err, "computing job statistics")
	}
	return stats, nil
}
