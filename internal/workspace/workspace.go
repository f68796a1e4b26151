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

// Package workspace allocates and tears down per-job scratch directories
// mounted into containers at /app, one stable directory per job id for the
// lifetime of its execution.
package workspace

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Manager allocates workspace/<job_id> under a configured root.
type Manager struct {
	root string
}

// NewManager ensures root exists and returns a Manager rooted there.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating workspace root %s", root)
	}
	return &Manager{root: root}, nil
}

// Allocate creates (idempotently) workspace/<jobID> and returns its path.
func (m *Manager) Allocate(jobID string) (string, error) {
	dir := filepath.Join(m.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating workspace for job %s", jobID)
	}
	return dir, nil
}

// Remove recursively deletes workspace/<jobID>. Errors are returned so the
// caller can log them, but callers in the Executor's cleanup path never
// propagate them further.
func (m *Manager) Remove(jobID string) error {
	dir := filepath.Join(m.root, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing workspace for job %s", jobID)
	}
	return nil
}

// Count returns the number of allocated job workspaces currently on disk,
// used to verify workspaces don't leak across job completions.
func (m *Manager) Count() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, errors.Wrap(err, "reading workspace root")
	}
	return len(entries), nil
}

// Path returns the path a job's workspace would live at without creating it.
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.root, jobID)
}
