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
	"testing"
	"time"

	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/logmux"
)

func TestMemoryStoreSaveAndGetJob(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := &job.Job{ID: "job-1", Status: job.StatusWaiting, SubmittedAt: time.Now()}

	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "job-1" {
		t.Fatalf("expected to retrieve job-1, got %+v", got)
	}
}

func TestMemoryStoreGetJobReturnsCopyNotReference(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SaveJob(ctx, &job.Job{ID: "job-2", Status: job.StatusWaiting})

	got, _ := s.GetJob(ctx, "job-2")
	got.Status = job.StatusCompleted

	reloaded, _ := s.GetJob(ctx, "job-2")
	if reloaded.Status != job.StatusWaiting {
		t.Errorf("expected stored job untouched by caller mutation, got status=%s", reloaded.Status)
	}
}

func TestMemoryStoreListJobsFiltersByState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SaveJob(ctx, &job.Job{ID: "w1", Status: job.StatusWaiting})
	s.SaveJob(ctx, &job.Job{ID: "a1", Status: job.StatusActive})
	s.SaveJob(ctx, &job.Job{ID: "c1", Status: job.StatusCompleted})

	active, err := s.ListJobs(ctx, []job.Status{job.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "a1" {
		t.Errorf("expected only a1 in active filter, got %+v", active)
	}

	all, err := s.ListJobs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 jobs with no filter, got %d", len(all))
	}
}

func TestMemoryStoreStatisticsAverageDuration(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	d1, d2 := int64(100), int64(300)
	s.SaveJob(ctx, &job.Job{ID: "j1", Status: job.StatusCompleted, DurationMs: d1})
	s.SaveJob(ctx, &job.Job{ID: "j2", Status: job.StatusCompleted, DurationMs: d2})
	s.SaveJob(ctx, &job.Job{ID: "j3", Status: job.StatusFailedPermanently})

	stats, err := s.GetJobStatistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Completed != 2 || stats.FailedPermanent != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.AvgDurationMs != 200 {
		t.Errorf("expected avg duration 200, got %v", stats.AvgDurationMs)
	}
}

func TestLogWriterAdaptsDurableStore(t *testing.T) {
	s := NewMemoryStore()
	w := LogWriter{Store: s}
	if err := w.SaveJobLog("job-3", logmux.Stdout, "hello"); err != nil {
		t.Fatal(err)
	}
	logs, _ := s.GetJobLogs(context.Background(), "job-3")
	if len(logs) != 1 || logs[0].Content != "hello" {
		t.Errorf("expected log persisted via adapter, got %+v", logs)
	}
}
