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

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/logmux"
)

// MemoryStore is an in-process DurableStore used by tests and by
// single-process deployments that don't need Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	logs    map[string][]JobLogRecord
	metrics []SystemMetricSnapshot
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*job.Job),
		logs: make(map[string][]JobLogRecord),
	}
}

func (s *MemoryStore) SaveJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, status job.Status, exitCode *int, durationMs *int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	j.Status = status
	if exitCode != nil {
		j.ExitCode = exitCode
	}
	if durationMs != nil {
		j.DurationMs = *durationMs
	}
	j.Error = errMsg
	return nil
}

func (s *MemoryStore) SaveJobLog(ctx context.Context, jobID string, typ logmux.StreamType, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[jobID] = append(s.logs[jobID], JobLogRecord{Type: typ, Content: content})
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, states []job.Status) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[job.Status]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}
	var out []*job.Job
	for _, j := range s.jobs {
		if len(states) == 0 || wanted[j.Status] {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.After(out[b].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) GetJobLogs(ctx context.Context, jobID string) ([]JobLogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JobLogRecord(nil), s.logs[jobID]...), nil
}

func (s *MemoryStore) SaveSystemMetrics(ctx context.Context, snap SystemMetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, snap)
	return nil
}

func (s *MemoryStore) GetJobStatistics(ctx context.Context) (JobStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats JobStatistics
	var totalDuration int64
	var withDuration int64
	for _, j := range s.jobs {
		stats.Total++
		switch j.Status {
		case job.StatusCompleted:
			stats.Completed++
		case job.StatusFailed:
			stats.Failed++
		case job.StatusFailedPermanently:
			stats.FailedPermanent++
		}
		if j.DurationMs != 0 {
			totalDuration += j.DurationMs
			withDuration++
		}
	}
	if withDuration > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(withDuration)
	}
	return stats, nil
}

func (s *MemoryStore) Close() {}

// LogWriter adapts a DurableStore to logmux.DurableWriter, which the
// Multiplexer calls synchronously (without a context) at flush time.
type LogWriter struct {
	Store DurableStore
	Ctx   context.Context
}

func (w LogWriter) SaveJobLog(jobID string, typ logmux.StreamType, content string) error {
	ctx := w.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return w.Store.SaveJobLog(ctx, jobID, typ, content)
}
