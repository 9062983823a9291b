package repo

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// Analysis summarizes a checkout's structure for prompt context.
type Analysis struct {
	FileCount     int            `json:"file_count"`
	TotalLines    int            `json:"total_lines"`
	Extensions    map[string]int `json:"extensions"`
	TestFiles     []string       `json:"test_files"`
	ConfigFiles   []string       `json:"config_files"`
	ReadmeExcerpt string         `json:"readme_excerpt,omitempty"`
}

const (
	// analysisMaxFiles bounds the walk so a huge monorepo cannot stall a task.
	analysisMaxFiles = 2000
	// analysisMaxFileSize bounds per-file line counting.
	analysisMaxFileSize = 1 << 20
	readmeExcerptBytes  = 500
	maxListedFiles      = 25
)

// skipDirs are directories excluded from analysis and search: dependency
// trees and build output dominate line counts without describing the project.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	"venv":         true,
	".venv":        true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".tox":         true,
	".idea":        true,
}

var configFileNames = map[string]bool{
	"setup.py":           true,
	"pyproject.toml":     true,
	"requirements.txt":   true,
	"package.json":       true,
	"go.mod":             true,
	"cargo.toml":         true,
	"pom.xml":            true,
	"build.gradle":       true,
	"gemfile":            true,
	"composer.json":      true,
	"makefile":           true,
	"dockerfile":         true,
	"docker-compose.yml": true,
}

// Analyze walks the checkout and produces a structural summary. Unreadable
// files are skipped, never fatal: partial context beats no context.
func (p *Provider) Analyze(dir string) (*Analysis, error) {
	a := &Analysis{Extensions: make(map[string]int)}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			p.logger.Debug("skipping unreadable entry %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if a.FileCount >= analysisMaxFiles {
			return filepath.SkipAll
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}

		a.FileCount++
		if ext := strings.ToLower(filepath.Ext(d.Name())); ext != "" {
			a.Extensions[ext]++
		}

		lower := strings.ToLower(d.Name())
		if isTestFile(lower) && len(a.TestFiles) < maxListedFiles {
			a.TestFiles = append(a.TestFiles, rel)
		}
		if configFileNames[lower] && len(a.ConfigFiles) < maxListedFiles {
			a.ConfigFiles = append(a.ConfigFiles, rel)
		}

		if info, infoErr := d.Info(); infoErr == nil && info.Size() <= analysisMaxFileSize {
			if n, cntErr := countLines(path); cntErr == nil {
				a.TotalLines += n
			}
		}

		if a.ReadmeExcerpt == "" && strings.HasPrefix(lower, "readme") {
			a.ReadmeExcerpt = readExcerpt(path, readmeExcerptBytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func isTestFile(name string) bool {
	return strings.HasPrefix(name, "test_") ||
		strings.Contains(name, "_test.") ||
		strings.Contains(name, ".test.") ||
		strings.Contains(name, ".spec.")
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

func readExcerpt(path string, limit int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, limit)
	n, _ := f.Read(buf)
	return string(bytes.ToValidUTF8(buf[:n], nil))
}
