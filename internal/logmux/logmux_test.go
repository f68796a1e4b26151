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

package logmux

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// waitForCount polls pub until it holds want entries or the timeout elapses,
// since publishing now happens on a per-job goroutine rather than inline in
// Append.
func waitForCount(t *testing.T, pub *fakePublisher, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pub.count() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d published entries before timeout, got %d", want, pub.count())
}

type fakePublisher struct {
	mu      sync.Mutex
	entries []Entry
}

func (p *fakePublisher) PublishLog(e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

type fakeStore struct {
	mu     sync.Mutex
	saved  map[string]map[StreamType]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]map[StreamType]string)}
}

func (s *fakeStore) SaveJobLog(jobID string, typ StreamType, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved[jobID] == nil {
		s.saved[jobID] = make(map[StreamType]string)
	}
	s.saved[jobID][typ] = content
	return nil
}

func TestAppendDedupesStorageButPublishesEveryChunk(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	m := New(pub, store, zerolog.Nop())

	for i := 0; i < 5; i++ {
		m.Append("job-1", Stdout, "LINE\n")
	}
	waitForCount(t, pub, 5, time.Second)

	if err := m.Flush("job-1"); err != nil {
		t.Fatal(err)
	}
	if got := store.saved["job-1"][Stdout]; got != "LINE\n" {
		t.Errorf("expected deduped single stdout line, got %q", got)
	}
}

func TestAppendIgnoresWhitespaceOnlyChunks(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub, newFakeStore(), zerolog.Nop())
	m.Append("job-2", Stdout, "   \n\t")
	if pub.count() != 0 {
		t.Errorf("expected whitespace-only chunk to be dropped, got %d publishes", pub.count())
	}
}

func TestFlushGroupsByStreamType(t *testing.T) {
	store := newFakeStore()
	m := New(nil, store, zerolog.Nop())
	m.Append("job-3", Stdout, "out1")
	m.Append("job-3", Stdout, "out2")
	m.Append("job-3", Stderr, "err1")

	if err := m.Flush("job-3"); err != nil {
		t.Fatal(err)
	}
	if store.saved["job-3"][Stdout] != "out1\nout2" {
		t.Errorf("unexpected stdout consolidation: %q", store.saved["job-3"][Stdout])
	}
	if store.saved["job-3"][Stderr] != "err1" {
		t.Errorf("unexpected stderr consolidation: %q", store.saved["job-3"][Stderr])
	}
}

func TestFlushDestroysAccumulator(t *testing.T) {
	store := newFakeStore()
	m := New(nil, store, zerolog.Nop())
	m.Append("job-4", Stdout, "x")
	m.Flush("job-4")

	m.mu.Lock()
	_, exists := m.jobs["job-4"]
	m.mu.Unlock()
	if exists {
		t.Error("expected accumulator to be destroyed after flush")
	}
}

func TestFlushOfUnknownJobIsNoop(t *testing.T) {
	m := New(nil, newFakeStore(), zerolog.Nop())
	if err := m.Flush("never-seen"); err != nil {
		t.Errorf("flushing an unknown job should be a no-op, got %v", err)
	}
}

// blockingPublisher stalls every PublishLog call until released, simulating a
// subscriber that can't keep up with the container's output.
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	entries []Entry
}

func (p *blockingPublisher) PublishLog(e Entry) error {
	<-p.release
	p.mu.Lock()
	p.entries = append(p.entries, e)
	p.mu.Unlock()
	return nil
}

func (p *blockingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func TestAppendDropsOldestOnOverflowAndWarnsOnce(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	m := New(pub, newFakeStore(), zerolog.Nop())

	// The first chunk is picked up by publishLoop immediately and blocks
	// there until released, so every subsequent Append piles up in pubCh
	// with nothing draining it.
	m.Append("job-6", Stdout, "seed")
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < publishBufferCapacity+10; i++ {
		m.Append("job-6", Stdout, fmt.Sprintf("line-%d", i))
	}

	m.mu.Lock()
	acc := m.jobs["job-6"]
	m.mu.Unlock()
	if acc == nil {
		t.Fatal("expected accumulator to still be active")
	}
	if !acc.warned.Load() {
		t.Error("expected a one-time overflow warning to have fired")
	}
	if got := len(acc.pubCh); got != publishBufferCapacity {
		t.Errorf("expected buffer to sit at capacity %d after overflow, got %d", publishBufferCapacity, got)
	}

	close(pub.release)
	if err := m.Flush("job-6"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if pub.count() == 0 {
		t.Error("expected at least the seed chunk to have been published")
	}
}

func TestEmptyStreamIsNotPersisted(t *testing.T) {
	store := newFakeStore()
	m := New(nil, store, zerolog.Nop())
	m.Append("job-5", Stdout, "only stdout")
	m.Flush("job-5")

	if _, ok := store.saved["job-5"][Stderr]; ok {
		t.Error("expected no stderr record when stderr was never appended")
	}
}
