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

package pool

import (
	"context"
	"math"
	"time"
)

// Scaler periodically compares queue depth against the pool's current size
// and grows or shrinks it to keep roughly JobsPerWorker jobs per worker,
// clamped to [MinWorkers, MaxWorkers].
type Scaler struct {
	pool *Pool
	stop chan struct{}
	done chan struct{}
}

// NewScaler builds a Scaler bound to pool.
func NewScaler(pool *Pool) *Scaler {
	return &Scaler{pool: pool, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the scaling loop until Stop is called.
func (s *Scaler) Start() {
	go s.loop()
}

// Stop ends the scaling loop and waits for it to exit.
func (s *Scaler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scaler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.pool.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scaler) tick() {
	p := s.pool
	ctx := context.Background()

	if n, err := p.q.PromoteDelayed(ctx); err != nil {
		p.log.Error().Err(err).Msg("scaler failed to promote delayed jobs")
	} else if n > 0 {
		p.log.Info().Int("count", n).Msg("promoted delayed jobs to waiting")
	}

	if !p.scaling.TryLock() {
		// a previous scale decision (or a concurrent manual call) is still
		// in flight; skip this tick rather than queue up behind it.
		return
	}
	defer p.scaling.Unlock()

	counts, err := p.q.GetCounts(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("scaler failed to read queue counts")
		return
	}

	depth := counts.Waiting + counts.Delayed
	desired := desiredWorkers(depth, p.cfg.JobsPerWorker, p.cfg.MinWorkers, p.cfg.MaxWorkers)
	current := p.WorkerCount()

	if p.collector != nil {
		p.collector.SetQueueDepth(counts.Waiting, counts.Active, counts.Delayed, counts.Dead)
	}

	switch {
	case desired > current:
		p.growTo(desired)
	case desired < current:
		p.shrinkTo(desired)
	}
}

func desiredWorkers(depth int64, jobsPerWorker, minWorkers, maxWorkers int) int {
	if jobsPerWorker <= 0 {
		jobsPerWorker = 1
	}
	needed := int(math.Ceil(float64(depth) / float64(jobsPerWorker)))
	if needed < minWorkers {
		return minWorkers
	}
	if needed > maxWorkers {
		return maxWorkers
	}
	return needed
}

// growTo adds workers until the pool reaches n.
func (p *Pool) growTo(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for len(p.workers) < n {
		p.spawnLocked()
		added++
	}
	if added > 0 {
		p.log.Info().Int("added", added).Int("total", len(p.workers)).Msg("scaled up")
		if p.collector != nil {
			p.collector.SetWorkerCount(len(p.workers))
			p.collector.RecordScalingEvent("up")
		}
	}
}

// shrinkTo gracefully stops the oldest workers until the pool reaches n.
// Stopping only signals the worker to stop claiming new jobs; an in-flight
// job is allowed to finish.
func (p *Pool) shrinkTo(n int) {
	p.mu.Lock()
	if n < 0 {
		n = 0
	}
	if len(p.workers) <= n {
		p.mu.Unlock()
		return
	}
	victims := append([]*worker(nil), p.workers[:len(p.workers)-n]...)
	p.workers = p.workers[len(p.workers)-n:]
	p.mu.Unlock()

	for _, w := range victims {
		close(w.stop)
	}
	p.log.Info().Int("removed", len(victims)).Int("total", n).Msg("scaled down")
	if p.collector != nil {
		p.collector.SetWorkerCount(n)
		p.collector.RecordScalingEvent("down")
	}
}
