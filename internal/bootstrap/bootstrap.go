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

// Package bootstrap wires every collaborator into a running process in a
// fixed, fail-closed order, and tears them down in reverse on shutdown. It
// owns no business logic of its own - it only constructs and sequences.
package bootstrap

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codepr/kiln/internal/admission"
	"github.com/codepr/kiln/internal/catalog"
	"github.com/codepr/kiln/internal/config"
	"github.com/codepr/kiln/internal/executor"
	"github.com/codepr/kiln/internal/logmux"
	"github.com/codepr/kiln/internal/metrics"
	"github.com/codepr/kiln/internal/pool"
	"github.com/codepr/kiln/internal/pubsub"
	"github.com/codepr/kiln/internal/queue"
	"github.com/codepr/kiln/internal/retry"
	"github.com/codepr/kiln/internal/service"
	"github.com/codepr/kiln/internal/status"
	"github.com/codepr/kiln/internal/store"
	"github.com/codepr/kiln/internal/workspace"
)

// HTTPSurface is the collaborator-owned submission/query transport. The
// Bootstrapper starts it last and shuts it down first; a nil surface means
// this process runs worker-only, with no inbound transport of its own.
type HTTPSurface interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Bootstrap owns the lifetime of every collaborator constructed at startup.
type Bootstrap struct {
	cfg config.Config
	log zerolog.Logger

	pgStore *store.PostgresStore
	rdb     *redis.Client

	admission *admission.Controller
	ws        *workspace.Manager
	relay     *pubsub.Relay
	catalog   *catalog.Catalog
	mux       *logmux.Multiplexer
	statusP   *status.Pipeline
	retryC    *retry.Controller
	exec      *executor.Executor
	collector *metrics.Collector
	queue     *queue.RedisQueue
	pool      *pool.Pool
	scaler    *pool.Scaler

	Service *service.Service
	http    HTTPSurface
}

// New constructs a Bootstrap bound to cfg. httpSurface may be nil.
func New(cfg config.Config, l zerolog.Logger, httpSurface HTTPSurface) *Bootstrap {
	return &Bootstrap{
		cfg:  cfg,
		log:  l.With().Str("component", "bootstrap").Logger(),
		http: httpSurface,
	}
}

// Run executes the fail-closed startup sequence from spec §4.10:
//  1. database + schema readiness
//  2. admission controller + workspace root
//  3. pub/sub connection
//  4. metrics collector
//  5. worker pool, scaler, and the HTTP surface
//
// Any failure in steps 1-3 aborts startup before any worker can claim a
// job; Run does not attempt partial cleanup of a failed step, since the
// caller is expected to exit the process on error.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.connectStore(ctx); err != nil {
		return errors.Wrap(err, "bootstrap: database")
	}
	if err := b.initAdmissionAndWorkspace(); err != nil {
		return errors.Wrap(err, "bootstrap: admission/workspace")
	}
	if err := b.connectPubSub(ctx); err != nil {
		return errors.Wrap(err, "bootstrap: pub/sub")
	}
	b.startMetrics()
	if err := b.startWorkerPool(ctx); err != nil {
		return errors.Wrap(err, "bootstrap: worker pool")
	}
	b.log.Info().Msg("kiln scheduler started")
	return nil
}

func (b *Bootstrap) connectStore(ctx context.Context) error {
	pg, err := store.Connect(ctx, b.cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "connecting to postgres")
	}
	ready, err := pg.SchemaReady(ctx)
	if err != nil {
		pg.Close()
		return errors.Wrap(err, "checking schema")
	}
	if !ready {
		pg.Close()
		return errors.New("jobs schema not applied; run migrations before starting kiln")
	}
	b.pgStore = pg
	return nil
}

func (b *Bootstrap) initAdmissionAndWorkspace() error {
	b.admission = admission.New(b.cfg.MaxConcurrentContainers, b.cfg.ContainerMemoryMB, b.cfg.TotalMemoryMB, b.cfg.MemoryThreshold)

	ws, err := workspace.NewManager(b.cfg.WorkspaceRoot)
	if err != nil {
		return errors.Wrapf(err, "preparing workspace root %s", b.cfg.WorkspaceRoot)
	}
	b.ws = ws

	cat := catalog.New()
	if b.cfg.CatalogOverlayPath != "" {
		if err := catalog.LoadOverlay(cat, b.cfg.CatalogOverlayPath); err != nil {
			return errors.Wrap(err, "loading catalog overlay")
		}
	}
	b.catalog = cat
	return nil
}

func (b *Bootstrap) connectPubSub(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{Addr: b.cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(err, "connecting to redis at %s", b.cfg.RedisAddr)
	}
	b.rdb = rdb
	b.relay = pubsub.New(rdb, b.log)

	b.queue = queue.NewRedisQueue(rdb, "kiln:", b.log)
	logWriter := store.LogWriter{Store: b.pgStore}
	b.mux = logmux.New(b.relay, logWriter, b.log)
	b.statusP = status.New(b.pgStore, b.relay, 256, b.log)
	b.retryC = retry.New(b.queue, b.cfg.RetryDelays, b.cfg.MaxRetries, b.log)
	b.exec = executor.New(b.ws, b.catalog, b.admission, b.mux, b.log, executor.WithDockerBinary(b.cfg.DockerBin))

	b.Service = service.New(b.queue, b.pgStore)
	return nil
}

func (b *Bootstrap) startMetrics() {
	b.collector = metrics.NewCollector()
}

func (b *Bootstrap) startWorkerPool(ctx context.Context) error {
	poolCfg := pool.Config{
		MinWorkers:    b.cfg.MinWorkers,
		MaxWorkers:    b.cfg.MaxWorkers,
		ScaleInterval: time.Duration(b.cfg.ScaleIntervalMs) * time.Millisecond,
		JobsPerWorker: b.cfg.JobsPerWorker,
		MaxRetries:    b.cfg.MaxRetries,
	}
	b.pool = pool.New(b.queue, b.admission, b.exec, b.statusP, b.mux, b.retryC, b.collector, poolCfg, b.log)
	b.pool.Start()

	b.scaler = pool.NewScaler(b.pool)
	b.scaler.Start()

	if b.http != nil {
		if err := b.http.Start(ctx); err != nil {
			return errors.Wrap(err, "starting http surface")
		}
	}
	return nil
}

// Shutdown stops accepting new claims, waits (bounded by timeout) for
// in-flight jobs, then closes pub/sub and the queue client - the reverse of
// Run's connection order.
func (b *Bootstrap) Shutdown(ctx context.Context, timeout time.Duration) {
	if b.http != nil {
		if err := b.http.Shutdown(ctx); err != nil {
			b.log.Warn().Err(err).Msg("http surface shutdown error")
		}
	}
	if b.scaler != nil {
		b.scaler.Stop()
	}
	if b.pool != nil {
		b.pool.Shutdown(timeout)
	}
	if b.queue != nil {
		if err := b.queue.Close(); err != nil {
			b.log.Warn().Err(err).Msg("queue close error")
		}
	}
	if b.rdb != nil {
		if err := b.rdb.Close(); err != nil {
			b.log.Warn().Err(err).Msg("redis client close error")
		}
	}
	if b.pgStore != nil {
		b.pgStore.Close()
	}
	b.log.Info().Msg("kiln scheduler shut down")
}
