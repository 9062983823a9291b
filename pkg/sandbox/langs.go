package sandbox

import (
	"fmt"
	"sync"
)

// Runtime describes how to execute code for one language: the container
// image, the canonical entry-point filename, the run command, and the
// installer command per dependency manifest.
type Runtime struct {
	Image    string
	Filename string
	// RunFormat is the run command with a %s placeholder for the filename.
	RunFormat string
	// Installers maps manifest filenames to install commands, checked in
	// InstallOrder.
	Installers   map[string]string
	InstallOrder []string
}

// RunCommand returns the command that executes the runtime's entry file.
func (r Runtime) RunCommand() string {
	return fmt.Sprintf(r.RunFormat, r.Filename)
}

// RuntimeSet is a pluggable language → runtime mapping. Unknown languages
// resolve to the fallback runtime rather than erroring; treating "we don't
// know this language" as "use the default environment" keeps the executor
// usable for languages nobody registered yet.
type RuntimeSet struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
	fallback string
}

// NewRuntimeSet creates a registry pre-populated with the built-in runtimes,
// falling back to python for unknown languages.
func NewRuntimeSet() *RuntimeSet {
	rs := &RuntimeSet{
		runtimes: make(map[string]Runtime),
		fallback: "python",
	}
	for lang, rt := range builtinRuntimes {
		rs.runtimes[lang] = rt
	}
	return rs
}

// Register adds or replaces a language runtime.
func (rs *RuntimeSet) Register(language string, rt Runtime) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runtimes[language] = rt
}

// For resolves a language to its runtime, falling back to the default.
func (rs *RuntimeSet) For(language string) Runtime {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rt, ok := rs.runtimes[language]; ok {
		return rt
	}
	return rs.runtimes[rs.fallback]
}

// Known reports whether the language has an explicit runtime.
func (rs *RuntimeSet) Known(language string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.runtimes[language]
	return ok
}

//nolint:gochecknoglobals // Static runtime table, copied into each RuntimeSet
var builtinRuntimes = map[string]Runtime{
	"python": {
		Image:     "python:3.12-slim",
		Filename:  "main.py",
		RunFormat: "python %s",
		Installers: map[string]string{
			"requirements.txt": "pip install -r requirements.txt",
			"setup.py":         "pip install -e .",
			"pyproject.toml":   "pip install .",
		},
		InstallOrder: []string{"requirements.txt", "setup.py", "pyproject.toml"},
	},
	"javascript": {
		Image:        "node:20-slim",
		Filename:     "main.js",
		RunFormat:    "node %s",
		Installers:   map[string]string{"package.json": "npm install"},
		InstallOrder: []string{"package.json"},
	},
	"typescript": {
		Image:        "node:20-slim",
		Filename:     "main.ts",
		RunFormat:    "npx ts-node %s",
		Installers:   map[string]string{"package.json": "npm install"},
		InstallOrder: []string{"package.json"},
	},
	"java": {
		Image:     "openjdk:17-slim",
		Filename:  "Main.java",
		RunFormat: "javac %s && java Main",
		Installers: map[string]string{
			"pom.xml":      "mvn install -DskipTests",
			"build.gradle": "gradle build -x test",
		},
		InstallOrder: []string{"pom.xml", "build.gradle"},
	},
	"go": {
		Image:        "golang:1.24-alpine",
		Filename:     "main.go",
		RunFormat:    "go run %s",
		Installers:   map[string]string{"go.mod": "go mod download"},
		InstallOrder: []string{"go.mod"},
	},
	"rust": {
		Image:        "rust:slim",
		Filename:     "main.rs",
		RunFormat:    "rustc %s && ./main",
		Installers:   map[string]string{"Cargo.toml": "cargo build"},
		InstallOrder: []string{"Cargo.toml"},
	},
	"ruby": {
		Image:        "ruby:3.3-slim",
		Filename:     "main.rb",
		RunFormat:    "ruby %s",
		Installers:   map[string]string{"Gemfile": "bundle install"},
		InstallOrder: []string{"Gemfile"},
	},
	"php": {
		Image:        "php:8.3-cli",
		Filename:     "main.php",
		RunFormat:    "php %s",
		Installers:   map[string]string{"composer.json": "composer install"},
		InstallOrder: []string{"composer.json"},
	},
}
