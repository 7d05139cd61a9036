// Package document reads and edits the project context document: a markdown
// file split into "## " sections with optional YAML frontmatter.
package document

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrSectionNotFound is returned by ReplaceSection when no header matches.
var ErrSectionNotFound = errors.New("document: section not found")

// Frontmatter holds the known keys of the document header.
type Frontmatter struct {
	Project string         `yaml:"project,omitempty"`
	Health  string         `yaml:"health,omitempty"`
	Owner   string         `yaml:"owner,omitempty"`
	Extra   map[string]any `yaml:",inline"`
}

// Section is one "## " section of the document body.
type Section struct {
	Title string
	Body  string
}

// Store is a document file on disk. Writes replace the file atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a store for path. The file need not exist until first read.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// ReadAll returns the full document text.
func (s *Store) ReadAll() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return string(data), nil
}

// ReplaceSection swaps the body of the section titled title.
func (s *Store) ReplaceSection(title, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, err := s.read()
	if err != nil {
		return err
	}
	updated, err := ReplaceSection(text, title, body)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, []byte(updated))
}

// Split separates the YAML frontmatter from the markdown body.
func Split(text string) (Frontmatter, string, error) {
	var fm Frontmatter
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return fm, text, nil
	}
	start := strings.Index(text, "\n") + 1
	end := strings.Index(text[start:], "\n---")
	if end == -1 {
		return fm, text, errors.New("document: no closing frontmatter delimiter")
	}
	if err := yaml.Unmarshal([]byte(text[start:start+end]), &fm); err != nil {
		return Frontmatter{}, text, fmt.Errorf("parse frontmatter: %w", err)
	}
	body := text[start+end+len("\n---"):]
	return fm, strings.TrimLeft(body, "\r\n"), nil
}

// Sections lists the "## " sections in document order.
func Sections(text string) []Section {
	lines := strings.SplitAfter(text, "\n")
	var (
		out []Section
		cur *Section
		b   strings.Builder
	)
	flush := func() {
		if cur != nil {
			cur.Body = strings.TrimSpace(b.String())
			out = append(out, *cur)
		}
		b.Reset()
	}
	for _, line := range lines {
		if title, ok := header(line); ok {
			flush()
			cur = &Section{Title: title}
			continue
		}
		if cur != nil {
			b.WriteString(line)
		}
	}
	flush()
	return out
}

// ReplaceSection returns text with the body of the titled section replaced.
// The header line and every other section are kept verbatim.
func ReplaceSection(text, title, body string) (string, error) {
	title = strings.TrimSpace(title)
	lines := strings.SplitAfter(text, "\n")
	start := -1
	for i, line := range lines {
		if t, ok := header(line); ok && t == title {
			start = i
			break
		}
	}
	if start == -1 {
		return "", fmt.Errorf("%w: %q", ErrSectionNotFound, title)
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if _, ok := header(lines[i]); ok {
			end = i
			break
		}
	}

	headerLine := lines[start]
	if !strings.HasSuffix(headerLine, "\n") {
		headerLine += "\n"
	}
	var b strings.Builder
	b.WriteString(strings.Join(lines[:start], ""))
	b.WriteString(headerLine)
	b.WriteString(strings.TrimSpace(body) + "\n")
	if end < len(lines) {
		b.WriteString("\n")
		b.WriteString(strings.Join(lines[end:], ""))
	}
	return b.String(), nil
}

// header matches "## Title" lines; deeper headings are body text.
func header(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "##") || len(line) < 3 {
		return "", false
	}
	if line[2] != ' ' && line[2] != '\t' {
		return "", false
	}
	return strings.TrimSpace(line[2:]), true
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".document-*")
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}
