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

// Package executor invokes the configured container runtime CLI for a job:
// builds its argv from a runtime profile, mounts a per-job workspace,
// enforces a wall-clock timeout, streams output through the Log Multiplexer,
// and always cleans up the container and workspace on exit.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codepr/kiln/internal/admission"
	"github.com/codepr/kiln/internal/catalog"
	"github.com/codepr/kiln/internal/job"
	"github.com/codepr/kiln/internal/logmux"
	"github.com/codepr/kiln/internal/workspace"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Outcome classifies how a container invocation ended.
type Outcome string

const (
	Success Outcome = "success"
	Timeout Outcome = "timeout"
	Error   Outcome = "error"
)

// Result is what the Executor hands back to its caller (the worker pool).
type Result struct {
	Outcome  Outcome
	ExitCode int
	Err      error
}

// Executor builds and runs one container per job invocation.
type Executor struct {
	dockerBin    string
	namePrefix   string
	ws           *workspace.Manager
	cat          *catalog.Catalog
	admission    *admission.Controller
	mux          *logmux.Multiplexer
	log          zerolog.Logger
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithDockerBinary overrides the runtime CLI binary (default "docker").
func WithDockerBinary(bin string) Option {
	return func(e *Executor) { e.dockerBin = bin }
}

// WithNamePrefix overrides the container name prefix (default "kiln").
func WithNamePrefix(p string) Option {
	return func(e *Executor) { e.namePrefix = p }
}

// New builds an Executor. admissionCtl is released exactly once per Run call,
// regardless of outcome, matching the caller's earlier TryAdmit.
func New(ws *workspace.Manager, cat *catalog.Catalog, admissionCtl *admission.Controller, mux *logmux.Multiplexer, l zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		dockerBin:  "docker",
		namePrefix: "kiln",
		ws:         ws,
		cat:        cat,
		admission:  admissionCtl,
		mux:        mux,
		log:        l.With().Str("component", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) containerName(jobID string) string {
	return fmt.Sprintf("%s-%s", e.namePrefix, jobID)
}

// Run executes j. The caller must have already admitted the job (TryAdmit);
// Run always calls Release exactly once before returning.
func (e *Executor) Run(ctx context.Context, j *job.Job) Result {
	defer e.admission.Release()

	dir, err := e.ws.Allocate(j.ID)
	if err != nil {
		return Result{Outcome: Error, Err: errors.Wrap(err, "allocating workspace")}
	}
	defer func() {
		if rmErr := e.ws.Remove(j.ID); rmErr != nil {
			e.log.Warn().Err(rmErr).Str("job_id", j.ID).Msg("workspace cleanup failed")
		}
	}()

	if err := e.materializeSource(dir, j); err != nil {
		return Result{Outcome: Error, Err: errors.Wrap(err, "writing job source")}
	}

	name := e.containerName(j.ID)
	defer e.forceRemoveContainer(name)

	argv, err := e.buildArgv(name, dir, j)
	if err != nil {
		return Result{Outcome: Error, Err: errors.Wrap(err, "building container invocation")}
	}

	return e.spawn(ctx, name, argv, j)
}

// materializeSource writes raw_code (and a synthesized manifest, for nodejs
// with dependencies) to the catalog-specified filename. custom_image jobs
// write nothing.
func (e *Executor) materializeSource(dir string, j *job.Job) error {
	if j.SubmissionType == job.CustomImage {
		return nil
	}
	if j.SubmissionType != job.RawCode {
		return nil
	}

	entry := e.cat.Lookup(j.Runtime)
	path := filepath.Join(dir, entry.FileName)
	if err := os.WriteFile(path, []byte(j.RawCode), 0o644); err != nil {
		return errors.Wrapf(err, "writing source file %s", path)
	}

	if j.Runtime == "nodejs" && len(j.Dependencies) > 0 {
		manifest := synthesizePackageJSON(j.Dependencies)
		if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644); err != nil {
			return errors.Wrap(err, "writing package.json")
		}
	}
	return nil
}

func synthesizePackageJSON(deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	var b strings.Builder
	b.WriteString("{\n  \"name\": \"kiln-job\",\n  \"version\": \"1.0.0\",\n  \"dependencies\": {\n")
	for i, d := range sorted {
		comma := ","
		if i == len(sorted)-1 {
			comma = ""
		}
		fmt.Fprintf(&b, "    %q: \"*\"%s\n", d, comma)
	}
	b.WriteString("  }\n}\n")
	return b.String()
}

// buildArgv assembles the docker CLI invocation entirely as argv tokens,
// never by interpolating user input into a host shell string. The job's own
// shell commands run inside the container via a single /bin/sh -c argument.
func (e *Executor) buildArgv(name, dir string, j *job.Job) ([]string, error) {
	entry := e.cat.Lookup(j.Runtime)

	image := entry.Image
	if j.SubmissionType == job.CustomImage {
		image = j.DockerImage
	}

	argv := []string{
		"run", "--rm",
		"--name", name,
		"--memory", toDockerMemory(j.MemoryLimit),
		"--workdir", "/app",
		"-v", dir + ":/app",
	}

	for _, envName := range sortedEnvNames(j.Env) {
		argv = append(argv, "-e", fmt.Sprintf("%s=%s", envName, j.Env[envName]))
	}

	argv = append(argv, image)

	script, err := e.buildScript(entry, j)
	if err != nil {
		return nil, err
	}
	if script != "" {
		argv = append(argv, "/bin/sh", "-c", script)
	}
	return argv, nil
}

func (e *Executor) buildScript(entry catalog.Entry, j *job.Job) (string, error) {
	var steps []string

	switch j.SubmissionType {
	case job.GitRepo:
		steps = append(steps, fmt.Sprintf("git clone %s .", shellQuote(j.GitLink)))
		if j.StartDirectory != "" {
			steps = append(steps, fmt.Sprintf("cd %s", shellQuote(j.StartDirectory)))
		}
		steps = append(steps, j.InitialCmds...)
		steps = append(steps, e.resolveBuildCmd(entry, j))
	case job.RawCode:
		steps = append(steps, j.InitialCmds...)
		steps = append(steps, e.resolveBuildCmd(entry, j))
	case job.CustomImage:
		if j.BuildCmd != "" {
			steps = append(steps, j.BuildCmd)
		}
		// else: no script, image entrypoint runs as-is.
	default:
		return "", errors.Errorf("unsupported submission_type %q", j.SubmissionType)
	}

	var nonEmpty []string
	for _, s := range steps {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, " && "), nil
}

func (e *Executor) resolveBuildCmd(entry catalog.Entry, j *job.Job) string {
	if j.BuildCmd != "" {
		return j.BuildCmd
	}
	install := entry.InstallCommand(j.Dependencies)
	if install == "" {
		return entry.DefaultBuildCmd
	}
	return install + " && " + entry.DefaultBuildCmd
}

// shellQuote wraps a value in single quotes for the argument passed to the
// container's own /bin/sh -c, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedEnvNames(env map[string]string) []string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func toDockerMemory(limit string) string {
	// job.Validate only fills in the 512MB default and does not check the
	// format; a <N>MB|<N>GB limit is passed on lowercased, a style docker
	// accepts.
	return strings.ToLower(limit)
}

// spawn runs the assembled argv, arms the timeout timer, streams output
// through the Multiplexer, and classifies the outcome.
func (e *Executor) spawn(ctx context.Context, name string, argv []string, j *job.Job) Result {
	cmd := exec.CommandContext(ctx, e.dockerBin, argv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Outcome: Error, Err: errors.Wrap(err, "attaching stdout pipe")}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Outcome: Error, Err: errors.Wrap(err, "attaching stderr pipe")}
	}

	if err := cmd.Start(); err != nil {
		return Result{Outcome: Error, Err: errors.Wrap(err, "starting container process")}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go e.streamPipe(&wg, j.ID, logmux.Stdout, stdout)
	go e.streamPipe(&wg, j.ID, logmux.Stderr, stderr)

	var timedOut atomic.Bool
	timer := time.AfterFunc(time.Duration(j.TimeoutMs)*time.Millisecond, func() {
		timedOut.Store(true)
		e.killByName(name)
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})

	waitErr := cmd.Wait()
	timer.Stop()
	wg.Wait()

	if timedOut.Load() {
		return Result{Outcome: Timeout, ExitCode: -1, Err: errors.New("timeout")}
	}
	if waitErr == nil {
		return Result{Outcome: Success, ExitCode: 0}
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return Result{Outcome: Error, ExitCode: exitErr.ExitCode(), Err: errors.Errorf("container exited with code %d", exitErr.ExitCode())}
	}
	return Result{Outcome: Error, ExitCode: -1, Err: errors.Wrap(waitErr, "running container")}
}

func (e *Executor) streamPipe(wg *sync.WaitGroup, jobID string, typ logmux.StreamType, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		e.mux.Append(jobID, typ, scanner.Text())
	}
}

// forceRemoveContainer removes the named container, ignoring "not found"
// (the container may never have been created, or may already be gone).
func (e *Executor) forceRemoveContainer(name string) {
	cmd := exec.Command(e.dockerBin, "rm", "-f", name)
	if err := cmd.Run(); err != nil {
		e.log.Debug().Err(err).Str("container", name).Msg("container removal reported an error (often just already gone)")
	}
}

func (e *Executor) killByName(name string) {
	cmd := exec.Command(e.dockerBin, "kill", name)
	if err := cmd.Run(); err != nil {
		e.log.Debug().Err(err).Str("container", name).Msg("container kill reported an error")
	}
}
