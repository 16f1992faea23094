package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoad_SingleSkill(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := writeTestSkillFile(t, root, "writer", "---\nname: writer\ndescription: writing helper\nkeywords: [write, draft]\n---\n# Writer\nUse this skill for writing tasks.\n")

	list, err := Load(root, nil)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("skill count = %d, want 1", len(list))
	}

	s := list[0]
	if s.Name != "writer" {
		t.Fatalf("name = %q, want writer", s.Name)
	}
	if s.Description != "writing helper" {
		t.Fatalf("description = %q, want writing helper", s.Description)
	}
	if strings.Join(s.Keywords, ",") != "draft,write" {
		t.Fatalf("keywords = %v, want [draft write]", s.Keywords)
	}
	if s.Body != "# Writer\nUse this skill for writing tasks." {
		t.Fatalf("unexpected body: %q", s.Body)
	}
	if s.Path != path {
		t.Fatalf("path = %q, want %q", s.Path, path)
	}
}

func TestLoad_DirNotFound(t *testing.T) {
	t.Parallel()

	list, err := Load(filepath.Join(t.TempDir(), "missing"), nil)
	if err != nil {
		t.Fatalf("load skills from missing dir: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("skill count = %d, want 0", len(list))
	}
}

func TestLoad_NotADirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Load(path, nil); err == nil {
		t.Fatalf("expected error for file path")
	}
}

func TestLoad_MissingFrontmatter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "broken", "# No frontmatter")

	if _, err := Load(root, nil); err == nil {
		t.Fatalf("expected error for missing frontmatter")
	}
}

func TestLoad_MissingName(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "anon", "---\ndescription: nameless\n---\nbody\n")

	if _, err := Load(root, nil); err == nil || !strings.Contains(err.Error(), "missing name") {
		t.Fatalf("error = %v, want missing name", err)
	}
}

func TestLoad_DuplicateSkillName(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "one", "---\nname: shared\ndescription: first\n---\nfirst body\n")
	writeTestSkillFile(t, root, "two", "---\nname: shared\ndescription: second\n---\nsecond body\n")

	if _, err := Load(root, nil); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestLoad_MultipleSkillsSorted(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "gamma", "---\nname: gamma\ndescription: gamma helper\n---\ngamma body\n")
	writeTestSkillFile(t, root, "alpha", "---\nname: alpha\ndescription: alpha helper\n---\nalpha body\n")
	writeTestSkillFile(t, root, "beta", "---\nname: beta\ndescription: beta helper\n---\nbeta body\n")
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	list, err := Load(root, nil)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(list) != len(want) {
		t.Fatalf("skill count = %d, want %d", len(list), len(want))
	}
	for i, name := range want {
		if list[i].Name != name {
			t.Fatalf("skill[%d] = %q, want %q", i, list[i].Name, name)
		}
	}
}

func TestLoad_KeywordsNormalized(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestSkillFile(t, root, "web-search", "---\nname: web-search\ndescription: Search the web\nkeywords:\n  - \" Search \"\n  - WEB\n  - web\n  - find online\n  - \"  \"\n---\n# Web Search\n")

	list, err := Load(root, nil)
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	want := []string{"find online", "search", "web"}
	got := list[0].Keywords
	if len(got) != len(want) {
		t.Fatalf("keyword count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keyword[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoad_InvalidYAMLSkipped(t *testing.T) {
	root := t.TempDir()
	invalid := writeTestSkillFile(t, root, "broken", "---\nname: broken\ndescription: invalid yaml\nkeywords: [search, web\n---\n# Broken\n")
	writeTestSkillFile(t, root, "ok", "---\nname: ok\ndescription: valid\n---\n# OK\n")

	core, logs := observer.New(zapcore.WarnLevel)
	list, err := Load(root, zap.New(core))
	if err != nil {
		t.Fatalf("load skills: %v", err)
	}
	if len(list) != 1 || list[0].Name != "ok" {
		t.Fatalf("skills = %+v, want only ok", list)
	}

	entries := logs.FilterMessage("skip invalid skill").All()
	if len(entries) != 1 {
		t.Fatalf("warning count = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["path"]; got != invalid {
		t.Fatalf("warning path = %v, want %q", got, invalid)
	}
}

func TestManifest(t *testing.T) {
	t.Parallel()

	got := Manifest([]Skill{
		{Name: "writer", Description: "writing helper", Keywords: []string{"draft", "write"}},
		{Name: "bare"},
	})
	want := "- writer: writing helper (draft, write)\n- bare"
	if got != want {
		t.Fatalf("manifest = %q, want %q", got, want)
	}
	if Manifest(nil) != "" {
		t.Fatalf("empty manifest should be empty")
	}
}

func writeTestSkillFile(t *testing.T, root, dirName, content string) string {
	t.Helper()

	path := filepath.Join(root, dirName, skillFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write skill file: %v", err)
	}
	return path
}
