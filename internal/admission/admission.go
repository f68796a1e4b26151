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

// Package admission implements the process-wide Resource Admission Controller
// a single mutex-guarded counter deciding whether one more container may be
// launched without busting the concurrency or memory budget.
package admission

import "sync"

// State is a snapshot of the controller's internal counters, useful for
// metrics and tests.
type State struct {
	ActiveContainers     int
	MaxConcurrent        int
	MemoryPerContainerMB int
	TotalMemoryMB        int
	MemoryThreshold      float64
}

// Controller is the single process-wide admission gate. All mutations are
// serialized through mu; activeContainers must never go negative.
type Controller struct {
	mu sync.Mutex

	activeContainers     int
	maxConcurrent        int
	memoryPerContainerMB int
	totalMemoryMB        int
	memoryThreshold      float64

	resourceView func() int // optional injected host-resource probe for RecomputeLimits
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithResourceView injects a function returning a host-derived max-concurrent
// figure, consulted by RecomputeLimits.
func WithResourceView(f func() int) Option {
	return func(c *Controller) { c.resourceView = f }
}

// New builds a Controller with the given static budget.
func New(maxConcurrent, memoryPerContainerMB, totalMemoryMB int, memoryThreshold float64, opts ...Option) *Controller {
	c := &Controller{
		maxConcurrent:        maxConcurrent,
		memoryPerContainerMB: memoryPerContainerMB,
		totalMemoryMB:        totalMemoryMB,
		memoryThreshold:      memoryThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryAdmit attempts to reserve capacity for one more container. It is
// non-blocking: callers that are denied must fall back to a delayed
// re-enqueue.
func (c *Controller) TryAdmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxConcurrent <= 0 {
		return false
	}
	if c.activeContainers >= c.maxConcurrent {
		return false
	}
	projectedMemory := float64(c.activeContainers+1) * float64(c.memoryPerContainerMB)
	if projectedMemory > float64(c.totalMemoryMB)*c.memoryThreshold {
		return false
	}
	c.activeContainers++
	return true
}

// Release gives back capacity reserved by a successful TryAdmit. It must be
// called exactly once per admitted container.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeContainers == 0 {
		panic("admission: Release called more times than TryAdmit succeeded")
	}
	c.activeContainers--
}

// RecomputeLimits adjusts MaxConcurrent from the injected host-resource view,
// if one was configured. A no-op otherwise.
func (c *Controller) RecomputeLimits() {
	if c.resourceView == nil {
		return
	}
	newMax := c.resourceView()
	c.mu.Lock()
	c.maxConcurrent = newMax
	c.mu.Unlock()
}

// Snapshot returns the current resource state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		ActiveContainers:     c.activeContainers,
		MaxConcurrent:        c.maxConcurrent,
		MemoryPerContainerMB: c.memoryPerContainerMB,
		TotalMemoryMB:        c.totalMemoryMB,
		MemoryThreshold:      c.memoryThreshold,
	}
}
