package skills

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Discover scans the immediate subdirectories of dir for SKILL.md files.
// Invalid definitions are logged and skipped; a missing dir is an error.
// Results are sorted by name, and a later duplicate name loses.
func Discover(dir string, logger *slog.Logger) ([]*Skill, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*Skill)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), SkillFilename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		skill, err := ParseFile(path)
		if err != nil {
			logger.Warn("skipping invalid skill", "path", path, "error", err)
			continue
		}
		if _, ok := byName[skill.Name]; ok {
			logger.Warn("skipping duplicate skill", "name", skill.Name, "path", path)
			continue
		}
		byName[skill.Name] = skill
	}

	out := make([]*Skill, 0, len(byName))
	for _, skill := range byName {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
