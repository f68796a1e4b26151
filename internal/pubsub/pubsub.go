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

// Package pubsub publishes the three realtime channels (job:status, job:logs,
// system:metrics) over Redis Pub/Sub. Consumers only ever see the narrow
// Publisher interfaces declared by their own packages — never this type —
// so the Executor and Log Multiplexer can't acquire a direct transport
// reference.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/logmux"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	ChannelStatus  = "job:status"
	ChannelLogs    = "job:logs"
	ChannelMetrics = "system:metrics"
)

// StatusEvent is published on ChannelStatus.
type StatusEvent struct {
	JobID     string      `json:"job_id"`
	Status    job.Status  `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// LogEvent is published on ChannelLogs.
type LogEvent struct {
	JobID     string             `json:"job_id"`
	Type      logmux.StreamType  `json:"type"`
	Data      string             `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

// Relay is the Redis-backed realtime publisher, constructed once by the
// Bootstrapper and handed to collaborators as the narrower status.Publisher /
// logmux.Publisher interfaces.
type Relay struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New wraps an already-constructed *redis.Client.
func New(rdb *redis.Client, l zerolog.Logger) *Relay {
	return &Relay{rdb: rdb, log: l.With().Str("component", "pubsub").Logger()}
}

// PublishStatus implements status.Publisher.
func (r *Relay) PublishStatus(jobID string, status job.Status, data interface{}) error {
	evt := StatusEvent{JobID: jobID, Status: status, Data: data, Timestamp: time.Now()}
	return r.publish(ChannelStatus, evt)
}

// PublishLog implements logmux.Publisher.
func (r *Relay) PublishLog(e logmux.Entry) error {
	evt := LogEvent{JobID: e.JobID, Type: e.Type, Data: e.Content, Timestamp: e.Timestamp}
	return r.publish(ChannelLogs, evt)
}

// PublishMetrics publishes snapshot as JSON on ChannelMetrics.
func (r *Relay) PublishMetrics(snapshot interface{}) error {
	return r.publish(ChannelMetrics, snapshot)
}

func (r *Relay) publish(channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling event for %s", channel)
	}
	if err := r.rdb.Publish(context.Background(), channel, data).Err(); err != nil {
		r.log.Warn().Err(err).Str("channel", channel).Msg("failed to publish realtime event")
		return errors.Wrapf(err, "publishing to %s", channel)
	}
	return nil
}
