package document

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `---
project: Apollo
health: at-risk
sprint: 14
---
# Apollo

## 1. Critical Status
Launch slipping.

## 2. Active Epics & Tasks
- [2025-12-01] finish billing
### Notes
- keep this

## 3. Risks
- vendor
`

func writeSample(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "context.md")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return Open(path)
}

func TestFrontmatter(t *testing.T) {
	text, err := writeSample(t).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	fm, _, err := Split(text)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if fm.Project != "Apollo" || fm.Health != "at-risk" {
		t.Fatalf("unexpected frontmatter %+v", fm)
	}
	if fm.Extra["sprint"] != 14 {
		t.Fatalf("unknown keys should land in Extra: %+v", fm.Extra)
	}

	_, body, err := Split("# no header\n")
	if err != nil || body != "# no header\n" {
		t.Fatalf("plain document: %q %v", body, err)
	}
}

func TestSections(t *testing.T) {
	_, body, _ := Split(sample)
	secs := Sections(body)
	if len(secs) != 3 {
		t.Fatalf("expected 3 sections, got %+v", secs)
	}
	if secs[1].Title != "2. Active Epics & Tasks" || !strings.Contains(secs[1].Body, "### Notes") {
		t.Fatalf("deeper headings belong to the section body: %+v", secs[1])
	}
}

func TestReplaceSection(t *testing.T) {
	s := writeSample(t)
	if err := s.ReplaceSection("2. Active Epics & Tasks", "- ship v2\n\n"); err != nil {
		t.Fatalf("ReplaceSection: %v", err)
	}
	text, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if strings.Contains(text, "finish billing") || strings.Contains(text, "### Notes") {
		t.Fatalf("old body survived:\n%s", text)
	}
	if !strings.Contains(text, "## 2. Active Epics & Tasks\n- ship v2\n\n## 3. Risks\n- vendor\n") {
		t.Fatalf("unexpected layout:\n%s", text)
	}
	if !strings.HasPrefix(text, "---\nproject: Apollo") || !strings.Contains(text, "Launch slipping.") {
		t.Fatalf("other content must be kept:\n%s", text)
	}
}

func TestReplaceLastSection(t *testing.T) {
	out, err := ReplaceSection("## A\nold\n## B\nold b", "B", "new b")
	if err != nil {
		t.Fatalf("ReplaceSection: %v", err)
	}
	if out != "## A\nold\n## B\nnew b\n" {
		t.Fatalf("unexpected %q", out)
	}
}

func TestReplaceMissingSection(t *testing.T) {
	s := writeSample(t)
	err := s.ReplaceSection("9. Nope", "x")
	if !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("expected ErrSectionNotFound, got %v", err)
	}
	if _, err := ReplaceSection(sample, "Notes", "x"); !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("### headings are not sections: %v", err)
	}
	text, _ := s.ReadAll()
	if text != sample {
		t.Fatal("failed replace must not touch the file")
	}
}
