// Package skills reads skill descriptions from skills/<name>/SKILL.md files so they
// can be listed in the capability manifest.
package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tdimino/claudicle/internal/logging"
)

const skillFileName = "SKILL.md"

var errInvalidSkillYAML = errors.New("invalid skill YAML frontmatter")

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// Skill is one parsed SKILL.md.
type Skill struct {
	Name        string
	Description string
	Keywords    []string
	Body        string
	Path        string
}

// Load reads every skills/<name>/SKILL.md under dir in name order. A missing dir
// yields no skills. Files with broken YAML are skipped with a warning; a missing
// frontmatter block, a missing name or a duplicate name is an error.
func Load(dir string, logger *zap.Logger) ([]Skill, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	log := logging.OrNop(logger).Named("skills")

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat skills dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir %q: %w", dir, err)
	}

	out := make([]Skill, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), skillFileName)
		s, skip, err := parseSkillFile(path)
		if errors.Is(err, errInvalidSkillYAML) {
			log.Warn("skip invalid skill", zap.String("path", path), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("duplicate skill name %q in %s (already in %s)", s.Name, path, prev)
		}
		seen[s.Name] = path
		out = append(out, s)
	}
	return out, nil
}

// Manifest renders skills as a bullet list, one line per skill.
func Manifest(list []Skill) string {
	lines := make([]string, 0, len(list))
	for _, s := range list {
		line := "- " + s.Name
		if s.Description != "" {
			line += ": " + s.Description
		}
		if len(s.Keywords) > 0 {
			line += " (" + strings.Join(s.Keywords, ", ") + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func parseSkillFile(path string) (Skill, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Skill{}, true, nil
		}
		return Skill{}, false, fmt.Errorf("read skill %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidSkillYAML) {
			return Skill{}, false, err
		}
		return Skill{}, false, fmt.Errorf("parse skill %q: %w", path, err)
	}
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		return Skill{}, false, fmt.Errorf("parse skill %q: missing name", path)
	}

	return Skill{
		Name:        name,
		Description: strings.Join(strings.Fields(meta.Description), " "),
		Keywords:    sanitizeKeywords(meta.Keywords),
		Body:        strings.TrimSpace(body),
		Path:        path,
	}, false, nil
}

// parseFrontmatter splits a "---" delimited YAML header from the markdown body.
func parseFrontmatter(content []byte) (skillFrontmatter, string, error) {
	text := strings.ReplaceAll(strings.TrimPrefix(string(content), "\uFEFF"), "\r\n", "\n")
	first, rest, _ := strings.Cut(text, "\n")
	if strings.TrimSpace(first) != "---" {
		return skillFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	var header []string
	for {
		line, more, found := strings.Cut(rest, "\n")
		if strings.TrimSpace(line) == "---" {
			rest = more
			break
		}
		if !found {
			return skillFrontmatter{}, "", errors.New("missing closing frontmatter separator")
		}
		header = append(header, line)
		rest = more
	}

	var meta skillFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(header, "\n")), &meta); err != nil {
		return skillFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidSkillYAML, err)
	}
	return meta, rest, nil
}

// sanitizeKeywords lowercases, trims, sorts and dedupes; nil when nothing is left.
func sanitizeKeywords(keywords []string) []string {
	var out []string
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
