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

// Package store defines the durable persistence boundary: job records,
// consolidated logs, and system metric snapshots. Schema management is a
// collaborator concern; this package only issues statements against an
// assumed jobs/job_logs/system_metrics schema.
package store

import (
	"context"
	"time"

	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/logmux"
)

// JobStatistics summarizes the durable store's job history, used by
// collaborator dashboards.
type JobStatistics struct {
	Total          int64
	Completed      int64
	Failed         int64
	FailedPermanent int64
	AvgDurationMs  float64
}

// SystemMetricSnapshot is the collaborator-owned aggregate counter snapshot
// persisted alongside job data. Its shape is opaque to scheduling
// correctness; the store only stores and retrieves it.
type SystemMetricSnapshot struct {
	Timestamp        time.Time
	ActiveContainers int
	QueueDepth       int64
	WorkerCount      int
	Extra            map[string]float64
}

// DurableStore is the durable persistence contract required by the Status
// Pipeline, Log Multiplexer, and metrics collector.
type DurableStore interface {
	SaveJob(ctx context.Context, j *job.Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status job.Status, exitCode *int, durationMs *int64, errMsg string) error
	SaveJobLog(ctx context.Context, jobID string, typ logmux.StreamType, content string) error
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	ListJobs(ctx context.Context, states []job.Status) ([]*job.Job, error)
	GetJobLogs(ctx context.Context, jobID string) ([]JobLogRecord, error)
	SaveSystemMetrics(ctx context.Context, snap SystemMetricSnapshot) error
	GetJobStatistics(ctx context.Context) (JobStatistics, error)
	Close()
}

// JobLogRecord is one consolidated (job, stream) record as returned to
// query callers.
type JobLogRecord struct {
	Type      logmux.StreamType
	Content   string
	Timestamp time.Time
}
