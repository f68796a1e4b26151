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
	"encoding/json"

	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/logmux"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore is the pgxpool-backed DurableStore. It assumes a schema with
// jobs, job_logs and system_metrics tables already applied; this package
// issues no DDL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-constructed pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect parses dsn and builds a pgxpool-backed PostgresStore.
func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}
	return NewPostgresStore(pool), nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshaling job payload")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, payload, submitted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload
	`, j.ID, string(j.Status), payload, j.SubmittedAt)
	if err != nil {
		return errors.Wrapf(err, "saving job %s", j.ID)
	}
	return nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status job.Status, exitCode *int, durationMs *int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, exit_code = $3, duration_ms = $4, error = $5, updated_at = now()
		WHERE id = $1
	`, jobID, string(status), exitCode, durationMs, nullIfEmpty(errMsg))
	if err != nil {
		return errors.Wrapf(err, "updating status for job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) SaveJobLog(ctx context.Context, jobID string, typ logmux.StreamType, content string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, type, content, created_at)
		VALUES ($1, $2, $3, now())
	`, jobID, string(typ), content)
	if err != nil {
		return errors.Wrapf(err, "saving %s log for job %s", typ, jobID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM jobs WHERE id = $1`, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading job %s", jobID)
	}
	var j job.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, errors.Wrapf(err, "unmarshaling job %s", jobID)
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, states []job.Status) ([]*job.Job, error) {
	var rows pgx.Rows
	var err error
	if len(states) == 0 {
		rows, err = s.pool.Query(ctx, `SELECT payload FROM jobs ORDER BY submitted_at DESC`)
	} else {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		rows, err = s.pool.Query(ctx, `SELECT payload FROM jobs WHERE status = ANY($1) ORDER BY submitted_at DESC`, names)
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	defer rows.Close()

	var result []*job.Job
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scanning job row")
		}
		var j job.Job
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, errors.Wrap(err, "unmarshaling job row")
		}
		result = append(result, &j)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetJobLogs(ctx context.Context, jobID string) ([]JobLogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT type, content, created_at FROM job_logs WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading logs for job %s", jobID)
	}
	defer rows.Close()

	var out []JobLogRecord
	for rows.Next() {
		var rec JobLogRecord
		var typ string
		if err := rows.Scan(&typ, &rec.Content, &rec.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scanning log row")
		}
		rec.Type = logmux.StreamType(typ)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSystemMetrics(ctx context.Context, snap SystemMetricSnapshot) error {
	extra, err := json.Marshal(snap.Extra)
	if err != nil {
		return errors.Wrap(err, "marshaling metric extras")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO system_metrics (recorded_at, active_containers, queue_depth, worker_count, extra)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.Timestamp, snap.ActiveContainers, snap.QueueDepth, snap.WorkerCount, extra)
	if err != nil {
		return errors.Wrap(err, "saving system metrics snapshot")
	}
	return nil
}

func (s *PostgresStore) GetJobStatistics(ctx context.Context) (JobStatistics, error) {
	var stats JobStatistics
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = $1),
			count(*) FILTER (WHERE status = $2),
			count(*) FILTER (WHERE status = $3),
			coalesce(avg(duration_ms) FILTER (WHERE duration_ms IS NOT NULL), 0)
		FROM jobs
	`, string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusFailedPermanently)).
		Scan(&stats.Total, &stats.Completed, &stats.Failed, &stats.FailedPermanent, &stats.AvgDurationMs)
	if err != nil {
		return JobStatistics{}, errors.Wrap(err, "computing job statistics")
	}
	return stats, nil
}

// SchemaReady reports whether the jobs table the store depends on has
// already been applied. Schema migration itself is a collaborator concern;
// this is only the fail-closed check the Bootstrapper runs before anything
// else starts.
func (s *PostgresStore) SchemaReady(ctx context.Context) (bool, error) {
	var name *string
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('public.jobs')::text`).Scan(&name); err != nil {
		return false, errors.Wrap(err, "checking schema readiness")
	}
	return name != nil, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
