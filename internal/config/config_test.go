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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWhenNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentContainers != 10 {
		t.Errorf("expected default max_concurrent_containers=10, got %d", cfg.MaxConcurrentContainers)
	}
	if len(cfg.RetryDelays) != 5 || cfg.RetryDelays[0] != time.Second {
		t.Errorf("expected default retry delay schedule, got %v", cfg.RetryDelays)
	}
}

func TestLoadFileOverlayBeforeEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_containers: 42\nmin_workers: 3\nmax_workers: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentContainers != 42 {
		t.Errorf("expected file overlay to set max_concurrent_containers=42, got %d", cfg.MaxConcurrentContainers)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_containers: 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MAX_CONCURRENT_CONTAINERS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentContainers != 7 {
		t.Errorf("expected env var to override file, got %d", cfg.MaxConcurrentContainers)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load("/nonexistent/kiln.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentContainers != 10 {
		t.Errorf("expected defaults when file is missing, got %d", cfg.MaxConcurrentContainers)
	}
}

func TestLoadParsesRetryDelaysFromEnv(t *testing.T) {
	t.Setenv("RETRY_DELAYS", "2s,4s,8s")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(cfg.RetryDelays) != len(want) {
		t.Fatalf("expected %d delays, got %d", len(want), len(cfg.RetryDelays))
	}
	for i, d := range want {
		if cfg.RetryDelays[i] != d {
			t.Errorf("delay %d: expected %v, got %v", i, d, cfg.RetryDelays[i])
		}
	}
}

func TestValidateRejectsInvalidWorkerBounds(t *testing.T) {
	cfg := Defaults()
	cfg.MinWorkers = 5
	cfg.MaxWorkers = 2
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when min_workers > max_workers")
	}
}

func TestValidateRejectsOutOfRangeMemoryThreshold(t *testing.T) {
	cfg := Defaults()
	cfg.MemoryThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for memory_threshold > 1")
	}
}
