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

// Package catalog holds the static runtime tag -> execution profile mapping
// used to resolve a job's image, entrypoint and dependency install command.
package catalog

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Entry describes one runtime profile.
type Entry struct {
	Image            string `yaml:"image"`
	FileName         string `yaml:"file_name"`
	DefaultBuildCmd  string `yaml:"default_build_cmd"`
	InstallTemplate  string `yaml:"install_template"`
}

const defaultTag = "nodejs"

// Catalog is a read-only-after-construction mapping of lowercase tag -> Entry.
type Catalog struct {
	entries map[string]Entry
}

func builtins() map[string]Entry {
	return map[string]Entry{
		"python": {
			Image:           "python:3.12-slim",
			FileName:        "main.py",
			DefaultBuildCmd: "python main.py",
			InstallTemplate: "pip install --no-cache-dir %s",
		},
		"nodejs": {
			Image:           "node:20-slim",
			FileName:        "index.js",
			DefaultBuildCmd: "node index.js",
			InstallTemplate: "npm install %s",
		},
		"go": {
			Image:           "golang:1.22-bookworm",
			FileName:        "main.go",
			DefaultBuildCmd: "go run main.go",
			InstallTemplate: "go get %s",
		},
		"ruby": {
			Image:           "ruby:3.3-slim",
			FileName:        "main.rb",
			DefaultBuildCmd: "ruby main.rb",
			InstallTemplate: "gem install %s",
		},
		"bash": {
			Image:           "bash:5",
			FileName:        "main.sh",
			DefaultBuildCmd: "bash main.sh",
			InstallTemplate: "",
		},
	}
}

// New builds a Catalog seeded with the built-in entries.
func New() *Catalog {
	return &Catalog{entries: builtins()}
}

// LoadOverlay merges entries from a YAML overlay file on top of the built-ins,
// the generalized form of backend/ci.go's loadFromFile. Missing file is not
// an error: the catalog simply keeps its built-ins.
func LoadOverlay(c *Catalog, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading catalog overlay %s", path)
	}
	var overlay map[string]Entry
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return errors.Wrap(err, "parsing catalog overlay")
	}
	for tag, entry := range overlay {
		c.entries[strings.ToLower(tag)] = entry
	}
	return nil
}

// Lookup resolves a runtime tag to its Entry, falling back to the default
// entry for unknown tags.
func (c *Catalog) Lookup(tag string) Entry {
	if e, ok := c.entries[strings.ToLower(tag)]; ok {
		return e
	}
	return c.entries[defaultTag]
}

// InstallCommand renders the install command for the given dependency list,
// or "" if the runtime has no package manager or there is nothing to install.
func (e Entry) InstallCommand(deps []string) string {
	if e.InstallTemplate == "" || len(deps) == 0 {
		return ""
	}
	return strings.ReplaceAll(e.InstallTemplate, "%s", strings.Join(deps, " "))
}
