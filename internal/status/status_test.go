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

package status

import (
	"context"
	"sync"
	"testing"

	"github.com/codepr/kiln/internal/job"
	"github.com/rs/zerolog"
)

type fakeStore struct {
	mu      sync.Mutex
	applied []Update
	failN   int // fail the first N calls, then succeed
}

func (s *fakeStore) UpdateJobStatus(ctx context.Context, jobID string, status job.Status, exitCode *int, durationMs *int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return context.DeadlineExceeded
	}
	s.applied = append(s.applied, Update{JobID: jobID, Status: status, ExitCode: exitCode, DurationMs: durationMs, Error: errMsg})
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []job.Status
}

func (p *fakePublisher) PublishStatus(jobID string, status job.Status, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, status)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestPublishAppliesAndRepublishes(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	p := New(store, pub, 8, zerolog.Nop())

	p.Publish(Update{JobID: "job-1", Status: job.StatusWaiting})
	p.Publish(Update{JobID: "job-1", Status: job.StatusActive})
	p.Close()

	if store.count() != 2 {
		t.Errorf("expected 2 applied updates, got %d", store.count())
	}
	if pub.count() != 2 {
		t.Errorf("expected 2 published events, got %d", pub.count())
	}
}

func TestReplayOfSameStatusIsNoop(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	p := New(store, pub, 8, zerolog.Nop())

	p.Publish(Update{JobID: "job-2", Status: job.StatusActive})
	p.Publish(Update{JobID: "job-2", Status: job.StatusActive})
	p.Close()

	if store.count() != 1 {
		t.Errorf("expected replayed identical status to be a no-op, got %d applies", store.count())
	}
}

func TestInvalidTransitionIsDroppedAndLogged(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	p := New(store, pub, 8, zerolog.Nop())

	p.Publish(Update{JobID: "job-3", Status: job.StatusCompleted})
	p.Publish(Update{JobID: "job-3", Status: job.StatusWaiting}) // completed is terminal, invalid
	p.Close()

	if store.count() != 1 {
		t.Errorf("expected the invalid transition to be dropped, got %d applies", store.count())
	}
}

func TestRetriesTransientStoreFailureBeforeGivingUp(t *testing.T) {
	store := &fakeStore{failN: 2}
	pub := &fakePublisher{}
	p := New(store, pub, 8, zerolog.Nop())

	p.Publish(Update{JobID: "job-4", Status: job.StatusCompleted})
	p.Close()

	if store.count() != 1 {
		t.Errorf("expected update to eventually succeed after transient failures, got %d applies", store.count())
	}
}

func TestTerminalStatusClearsReplayTracking(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	p := New(store, pub, 8, zerolog.Nop())

	p.Publish(Update{JobID: "job-5", Status: job.StatusCompleted})
	p.Close()

	_, tracked := p.lastApplied["job-5"]
	if tracked {
		t.Error("expected terminal status to clear replay-tracking state")
	}
}
