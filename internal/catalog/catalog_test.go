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

package catalog

import "testing"

func TestLookupKnownTag(t *testing.T) {
	c := New()
	e := c.Lookup("python")
	if e.FileName != "main.py" {
		t.Errorf("expected main.py, got %s", e.FileName)
	}
}

func TestLookupUnknownTagFallsBackToDefault(t *testing.T) {
	c := New()
	e := c.Lookup("cobol")
	want := c.Lookup(defaultTag)
	if e != want {
		t.Errorf("unknown tag should resolve to default entry")
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	c := New()
	if c.Lookup("PYTHON") != c.Lookup("python") {
		t.Error("lookup should be case-insensitive")
	}
}

func TestInstallCommand(t *testing.T) {
	e := New().Lookup("python")
	cmd := e.InstallCommand([]string{"requests", "flask"})
	want := "pip install --no-cache-dir requests flask"
	if cmd != want {
		t.Errorf("got %q want %q", cmd, want)
	}
}

func TestInstallCommandEmptyDeps(t *testing.T) {
	e := New().Lookup("python")
	if cmd := e.InstallCommand(nil); cmd != "" {
		t.Errorf("expected empty install command for no deps, got %q", cmd)
	}
}

func TestLoadOverlayMissingFileIsNotError(t *testing.T) {
	c := New()
	if err := LoadOverlay(c, "/nonexistent/overlay.yaml"); err != nil {
		t.Errorf("missing overlay should be a no-op, got %v", err)
	}
}
