package repo

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadFile returns file content bounded by the configured byte cap. When
// startLine/endLine are positive (1-based, inclusive) only that range is
// returned; the whole file is never loaded unbounded either way.
func (p *Provider) ReadFile(dir, rel string, startLine, endLine int) (string, error) {
	path, err := resolveInside(dir, rel)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if startLine > 0 && line < startLine {
			continue
		}
		if endLine > 0 && line > endLine {
			break
		}
		if b.Len()+len(scanner.Bytes())+1 > p.cfg.MaxReadBytes {
			b.WriteString("... [truncated]")
			break
		}
		b.Write(scanner.Bytes())
		b.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return b.String(), nil
}

// Match is one keyword search hit.
type Match struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Search scans text files under dir for the keyword (case-insensitive) and
// returns up to the configured maximum of (file, line, text) matches. Binary
// and unreadable files are skipped.
func (p *Provider) Search(dir, keyword string) ([]Match, error) {
	if strings.TrimSpace(keyword) == "" {
		return nil, fmt.Errorf("search keyword must not be empty")
	}

	needle := strings.ToLower(keyword)
	var matches []Match

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != dir) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if len(matches) >= p.cfg.MaxSearchHits {
			return filepath.SkipAll
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		matches = appendFileMatches(matches, path, rel, needle, p.cfg.MaxSearchHits)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func appendFileMatches(matches []Match, path, rel, needle string, limit int) []Match {
	f, err := os.Open(path)
	if err != nil {
		return matches
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if line == 1 && bytes.IndexByte(text, 0) >= 0 {
			return matches // binary file
		}
		if strings.Contains(strings.ToLower(string(text)), needle) {
			matches = append(matches, Match{File: rel, Line: line, Text: strings.TrimSpace(string(text))})
			if len(matches) >= limit {
				return matches
			}
		}
	}
	return matches
}

// resolveInside joins rel onto dir and rejects paths escaping the checkout.
func resolveInside(dir, rel string) (string, error) {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes checkout: %s", rel)
	}
	return filepath.Join(dir, clean), nil
}
