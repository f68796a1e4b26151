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

// Package logmux receives chunked container output, deduplicates identical
// chunks, fans each one out to a realtime subscriber, and accumulates one
// consolidated record per (job, stream) to flush to durable storage at
// termination.
package logmux

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// publishBufferCapacity bounds how many not-yet-published chunks a single
// job's realtime fan-out can hold before the oldest is dropped. Accumulation
// into byType (used for the durable flush) is unaffected by this limit.
const publishBufferCapacity = 256

// StreamType names one of the two output streams a job can produce.
type StreamType string

const (
	Stdout StreamType = "stdout"
	Stderr StreamType = "stderr"
)

// Entry is one log chunk, timestamped on arrival.
type Entry struct {
	JobID     string
	Type      StreamType
	Content   string
	Timestamp time.Time
}

// Publisher is the narrow realtime fan-out the Multiplexer is allowed to
// hold. It must never be a direct transport reference — only something that
// can accept a job:logs event.
type Publisher interface {
	PublishLog(e Entry) error
}

// DurableWriter persists the two consolidated records produced at flush.
type DurableWriter interface {
	SaveJobLog(jobID string, typ StreamType, content string) error
}

type accumulator struct {
	mu   sync.Mutex
	seen map[string]struct{} // dedup key: type + "\x00" + content
	byType map[StreamType][]string

	// pubCh decouples realtime fan-out from the container's pipe: Append
	// never blocks on a slow subscriber, it drops the oldest buffered chunk
	// instead and warns once per job. stop tells publishLoop to drain
	// whatever remains and exit; pubCh itself is never closed, since a
	// concurrent Append (e.g. from the panic-recovery path) racing a Discard
	// must never panic on a send to a closed channel.
	pubCh  chan Entry
	stop   chan struct{}
	warned atomic.Bool
}

func newAccumulator() *accumulator {
	return &accumulator{
		seen:   make(map[string]struct{}),
		byType: make(map[StreamType][]string),
		pubCh:  make(chan Entry, publishBufferCapacity),
		stop:   make(chan struct{}),
	}
}

// Multiplexer owns one accumulator per active job, guarded by its own mutex.
type Multiplexer struct {
	mu    sync.Mutex
	jobs  map[string]*accumulator
	pub   Publisher
	store DurableWriter
	log   zerolog.Logger
}

// New builds a Multiplexer. pub and store are injected collaborators; either
// may be nil in tests that only exercise accumulation.
func New(pub Publisher, store DurableWriter, l zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		jobs:  make(map[string]*accumulator),
		pub:   pub,
		store: store,
		log:   l.With().Str("component", "logmux").Logger(),
	}
}

func (m *Multiplexer) accumulatorFor(jobID string) *accumulator {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.jobs[jobID]
	if !ok {
		acc = newAccumulator()
		m.jobs[jobID] = acc
		if m.pub != nil {
			go m.publishLoop(acc)
		}
	}
	return acc
}

// publishLoop drains one job's realtime buffer, one goroutine per active
// job, so a stalled subscriber only ever backs up that job's own buffer
// instead of the shared Append path every worker calls into. On stop it
// drains whatever is already buffered, best-effort, then returns.
func (m *Multiplexer) publishLoop(acc *accumulator) {
	for {
		select {
		case e := <-acc.pubCh:
			m.publish(e)
		case <-acc.stop:
			for {
				select {
				case e := <-acc.pubCh:
					m.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (m *Multiplexer) publish(e Entry) {
	if err := m.pub.PublishLog(e); err != nil {
		m.log.Warn().Err(err).Str("job_id", e.JobID).Msg("failed to publish log chunk")
	}
}

// Append records one chunk of output. Whitespace-only chunks are dropped.
// Unseen (type, content) pairs are stored and published; repeats are
// published (so realtime subscribers see every chunk, including retries'
// duplicate streams) but not stored again.
//
// Publishing goes through a bounded per-job buffer: Append must never block
// on a stalled subscriber, since its caller is draining the container's own
// stdout/stderr pipe. When the buffer is full, the oldest chunk is dropped
// to make room and a one-time warning is logged for that job.
func (m *Multiplexer) Append(jobID string, typ StreamType, chunk string) {
	if strings.TrimSpace(chunk) == "" {
		return
	}

	acc := m.accumulatorFor(jobID)
	key := string(typ) + "\x00" + chunk

	acc.mu.Lock()
	_, dup := acc.seen[key]
	if !dup {
		acc.seen[key] = struct{}{}
		acc.byType[typ] = append(acc.byType[typ], chunk)
	}
	acc.mu.Unlock()

	if m.pub == nil {
		return
	}

	entry := Entry{JobID: jobID, Type: typ, Content: chunk, Timestamp: time.Now()}
	select {
	case acc.pubCh <- entry:
	default:
		select {
		case <-acc.pubCh:
		default:
		}
		select {
		case acc.pubCh <- entry:
		default:
		}
		if !acc.warned.Swap(true) {
			m.log.Warn().Str("job_id", jobID).Msg("realtime log buffer full, dropping oldest chunks")
		}
	}
}

// Flush consolidates each nonempty stream into one newline-joined record,
// persists it, and destroys the job's accumulator. Called exactly once, on
// terminal transition.
func (m *Multiplexer) Flush(jobID string) error {
	m.mu.Lock()
	acc, ok := m.jobs[jobID]
	if ok {
		delete(m.jobs, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	close(acc.stop)

	acc.mu.Lock()
	byType := acc.byType
	acc.mu.Unlock()

	if m.store == nil {
		return nil
	}
	for _, typ := range []StreamType{Stdout, Stderr} {
		lines := byType[typ]
		if len(lines) == 0 {
			continue
		}
		if err := m.store.SaveJobLog(jobID, typ, strings.Join(lines, "\n")); err != nil {
			return err
		}
	}
	return nil
}

// Discard destroys a job's accumulator without flushing, for use when a job
// is abandoned before reaching a terminal state (e.g. a worker recovering
// from a panic mid-job).
func (m *Multiplexer) Discard(jobID string) {
	m.mu.Lock()
	acc, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()
	if ok {
		close(acc.stop)
	}
}
