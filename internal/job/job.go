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

// Package job defines the Job domain model: the tagged submission payload,
// lifecycle state, and the status DAG invariants described by the job
// scheduling engine.
package job

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// SubmissionType tags the payload union carried by a Job.
type SubmissionType string

const (
	GitRepo     SubmissionType = "git_repo"
	RawCode     SubmissionType = "raw_code"
	CustomImage SubmissionType = "custom_image"
)

// Status is a node in the lifecycle DAG.
type Status string

const (
	StatusWaiting           Status = "waiting"
	StatusDelayed           Status = "delayed"
	StatusActive            Status = "active"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusTimedOut          Status = "timed_out"
	StatusRetrying          Status = "retrying"
	StatusFailedPermanently Status = "failed_permanently"
)

// transitions encodes the status DAG: from -> allowed next states.
var transitions = map[Status]map[Status]bool{
	StatusWaiting:   {StatusActive: true, StatusDelayed: true, StatusFailedPermanently: true},
	StatusDelayed:   {StatusWaiting: true},
	StatusActive:    {StatusCompleted: true, StatusFailed: true, StatusTimedOut: true},
	StatusFailed:    {StatusRetrying: true, StatusFailedPermanently: true},
	StatusTimedOut:  {StatusRetrying: true, StatusFailedPermanently: true},
	StatusRetrying:  {StatusWaiting: true},
	StatusCompleted: {},
	StatusFailedPermanently: {},
}

// ValidTransition reports whether moving from -> to is permitted by the DAG.
func ValidTransition(from, to Status) bool {
	if from == "" {
		return to == StatusWaiting
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether status has no outgoing edges a worker can act on.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailedPermanently
}

const (
	DefaultTimeoutMs = 180000
	MaxTimeoutMs     = 300000
	DefaultMemory    = "512MB"
)

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Job is a single execution request and its durable lifecycle state.
type Job struct {
	ID string `json:"id"`

	// Immutable payload.
	SubmissionType SubmissionType    `json:"submission_type"`
	GitLink        string            `json:"git_link,omitempty"`
	RawCode        string            `json:"raw_code,omitempty"`
	DockerImage    string            `json:"docker_image,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	StartDirectory string            `json:"start_directory,omitempty"`
	InitialCmds    []string          `json:"initial_cmds,omitempty"`
	BuildCmd       string            `json:"build_cmd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	MemoryLimit    string            `json:"memory_limit,omitempty"`
	TimeoutMs      int               `json:"timeout_ms"`
	SubmittedAt    time.Time         `json:"submitted_at"`

	// Mutable lifecycle.
	Status       Status     `json:"status"`
	AttemptsMade int        `json:"attempts_made"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Validate enforces the §6 submission-boundary checks. It fills in the
// default TimeoutMs and MemoryLimit on j when they are unset.
func (j *Job) Validate() error {
	present := 0
	if j.GitLink != "" {
		present++
	}
	if j.RawCode != "" {
		present++
	}
	if j.DockerImage != "" {
		present++
	}
	if present == 0 {
		return errors.New("job must set exactly one of git_link, raw_code, docker_image")
	}

	switch j.SubmissionType {
	case GitRepo:
		if j.GitLink == "" {
			return errors.New("git_repo submission requires git_link")
		}
	case RawCode:
		if j.RawCode == "" {
			return errors.New("raw_code submission requires raw_code")
		}
	case CustomImage:
		if j.DockerImage == "" {
			return errors.New("custom_image submission requires docker_image")
		}
	default:
		return errors.Errorf("unsupported submission_type %q", j.SubmissionType)
	}

	if j.TimeoutMs == 0 {
		j.TimeoutMs = DefaultTimeoutMs
	}
	if j.TimeoutMs > MaxTimeoutMs {
		return errors.Errorf("timeout_ms %d exceeds hard cap %d", j.TimeoutMs, MaxTimeoutMs)
	}
	if j.MemoryLimit == "" {
		j.MemoryLimit = DefaultMemory
	}

	for name := range j.Env {
		if !envNameRe.MatchString(name) {
			return errors.Errorf("invalid env var name %q", name)
		}
	}

	return nil
}

// MarkStarted transitions the job into active and stamps StartTime.
func (j *Job) MarkStarted(at time.Time) error {
	if !ValidTransition(j.Status, StatusActive) {
		return errors.Errorf("invalid transition %s -> %s", j.Status, StatusActive)
	}
	j.Status = StatusActive
	j.StartTime = &at
	return nil
}

// MarkTerminal transitions the job into a terminal status and fills in
// EndTime/DurationMs. exitCode may be nil (e.g. timeout before exec).
func (j *Job) MarkTerminal(status Status, at time.Time, exitCode *int, errMsg string) error {
	if !ValidTransition(j.Status, status) {
		return errors.Errorf("invalid transition %s -> %s", j.Status, status)
	}
	j.Status = status
	j.EndTime = &at
	j.ExitCode = exitCode
	j.Error = errMsg
	if j.StartTime != nil {
		j.DurationMs = at.Sub(*j.StartTime).Milliseconds()
	}
	return nil
}

// MarkRetrying transitions a failed/timed-out job back to waiting by way of
// the retrying edge, ready for another claim once its backoff elapses. The
// delayed status is a queue bookkeeping detail of when the job becomes
// claimable again, not a distinct point the job itself passes through.
func (j *Job) MarkRetrying() error {
	if !ValidTransition(j.Status, StatusRetrying) {
		return errors.Errorf("invalid transition %s -> %s", j.Status, StatusRetrying)
	}
	j.Status = StatusRetrying
	if !ValidTransition(j.Status, StatusWaiting) {
		return errors.Errorf("invalid transition %s -> %s", j.Status, StatusWaiting)
	}
	j.Status = StatusWaiting
	j.EndTime = nil
	j.ExitCode = nil
	return nil
}

// MarkDeadLettered transitions a failed/timed-out job into its final
// failed_permanently state once retries are exhausted or disabled.
func (j *Job) MarkDeadLettered() error {
	if !ValidTransition(j.Status, StatusFailedPermanently) {
		return errors.Errorf("invalid transition %s -> %s", j.Status, StatusFailedPermanently)
	}
	j.Status = StatusFailedPermanently
	return nil
}

func (j *Job) String() string {
	return fmt.Sprintf("Job{id=%s type=%s status=%s attempts=%d}", j.ID, j.SubmissionType, j.Status, j.AttemptsMade)
}

// Snapshot is the read-only view returned by the query boundary (§6).
type Snapshot struct {
	Job      Job     `json:"job"`
	Progress float64 `json:"progress"`
}
