// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileclass

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		path string
		want Category
	}{
		{"python source", "agent/resolver.py", CategoryCode},
		{"go source", "cmd/sonar/main.go", CategoryCode},
		{"typescript source", "web/src/App.tsx", CategoryCode},
		{"shell script", "scripts/deploy.sh", CategoryCode},
		{"uppercase extension", "LEGACY/PARSER.PY", CategoryCode},
		{"markdown doc", "docs/README.md", CategoryDocs},
		{"restructured text", "docs/api.rst", CategoryDocs},
		{"html markup", "templates/index.html", CategoryMarkup},
		{"stylesheet", "static/site.css", CategoryMarkup},
		{"json data", "config/settings.json", CategoryData},
		{"yaml data", "deploy/values.yaml", CategoryData},
		{"no extension", "Dockerfile", CategoryOther},
		{"unknown extension", "model.onnx", CategoryOther},
		{"bare basename", "resolver.py", CategoryCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.path); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestPriority(t *testing.T) {
	tests := []struct {
		name string
		path string
		want float64
	}{
		{"code ranks highest", "src/engine.py", 1.0},
		{"docs rank middle", "README.md", 0.7},
		{"markup ranks low", "index.html", 0.3},
		{"data ranks low", "config.yaml", 0.3},
		{"unknown ranks low", "weights.bin", 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Priority(tt.path); got != tt.want {
				t.Errorf("Priority(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestShouldIgnoreFile(t *testing.T) {
	tests := []struct {
		name string
		path string
		want bool
	}{
		{"lockfile ignored", "frontend/package-lock.json", true},
		{"dockerfile ignored case-insensitive", "deploy/Dockerfile", true},
		{"license ignored", "LICENSE", true},
		{"env file ignored", ".env.local", true},
		{"go.sum ignored", "go.sum", true},
		{"ci config ignored", ".gitlab-ci.yml", true},
		{"yaml data ignored by extension", "k8s/deployment.yaml", true},
		{"html ignored by extension", "public/index.html", true},
		{"csv ignored by extension", "data/users.csv", true},
		{"python source kept", "agent/api.py", false},
		{"readme kept", "README.md", false},
		{"changelog kept", "CHANGELOG.md", false},
		{"plain text doc kept", "notes.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldIgnoreFile(tt.path); got != tt.want {
				t.Errorf("ShouldIgnoreFile(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestShouldIgnoreDir(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		want bool
	}{
		{"git dir", ".git", true},
		{"node modules", "node_modules", true},
		{"pycache", "__pycache__", true},
		{"egg info suffix", "sonar.egg-info", true},
		{"tox", ".tox", true},
		{"regular package dir", "agent", false},
		{"src dir", "src", false},
		// Only the exact segment matches; "builds" is not "build".
		{"near miss", "builds", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldIgnoreDir(tt.dir); got != tt.want {
				t.Errorf("ShouldIgnoreDir(%q) = %v, want %v", tt.dir, got, tt.want)
			}
		})
	}
}

func TestShouldIgnorePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want bool
	}{
		{"venv segment", "venv/lib/python3.11/site-packages/flask/app.py", true},
		{"nested pycache", "agent/__pycache__/resolver.cpython-311.pyc", true},
		{"windows separators", `repo\node_modules\lodash\index.js`, true},
		{"egg info segment", "dist-info/sonar.egg-info/PKG-INFO", true},
		{"clean source path", "agent/subsystems/resolver.py", false},
		{"segment substring does not match", "my_venv_notes/readme.py", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldIgnorePath(tt.path); got != tt.want {
				t.Errorf("ShouldIgnorePath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
