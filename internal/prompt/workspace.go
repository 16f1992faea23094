package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/tdimino/claudicle/internal/skills"
)

// Workspace file names.
const (
	SoulFile   = "SOUL.md"
	SkillsFile = "SKILLS.md"
	SkillsDir  = "skills"
)

const defaultSoul = `# %s

You are %s, a persistent companion who remembers the people you talk with.
You keep a private inner monologue, speak plainly, and let what you have learned
about someone shape how you answer them.`

// Workspace holds the identity blueprint and capability manifest.
type Workspace struct {
	Blueprint string
	Manifest  string
}

// DefaultWorkspace is used when the workspace directory has no SOUL.md.
func DefaultWorkspace(agentName string) Workspace {
	name := strings.TrimSpace(agentName)
	if name == "" {
		name = "Claudicle"
	}
	return Workspace{Blueprint: fmt.Sprintf(defaultSoul, name, name)}
}

// LoadWorkspace reads SOUL.md and SKILLS.md from dir. Missing files fall back to the
// default blueprint and an empty manifest. Skills found under skills/ are listed after
// the SKILLS.md text.
func LoadWorkspace(dir, agentName string, logger *zap.Logger) (Workspace, error) {
	ws := DefaultWorkspace(agentName)
	if strings.TrimSpace(dir) == "" {
		return ws, nil
	}
	soul, err := readOptional(filepath.Join(dir, SoulFile))
	if err != nil {
		return ws, err
	}
	if soul != "" {
		ws.Blueprint = soul
	}
	manifest, err := readOptional(filepath.Join(dir, SkillsFile))
	if err != nil {
		return ws, err
	}
	found, err := skills.Load(filepath.Join(dir, SkillsDir), logger)
	if err != nil {
		return ws, fmt.Errorf("load skills: %w", err)
	}
	ws.Manifest = strings.TrimSpace(manifest + "\n" + skills.Manifest(found))
	return ws, nil
}

// WriteDefaults creates dir with a starter SOUL.md and SKILLS.md, keeping existing files.
func WriteDefaults(dir, agentName string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	files := map[string]string{
		SoulFile:   DefaultWorkspace(agentName).Blueprint + "\n",
		SkillsFile: "# Skills\n\n- Conversation with memory of each person\n- Tracking the current project, task and topic\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return strings.TrimSpace(string(data)), nil
}
