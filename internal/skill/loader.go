package skill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFromDir scans a directory for skill subdirectories used to seed the
// repository. Each subdirectory holds a skill.json and optionally a
// template.md that overrides the template field. A missing dir yields an
// empty slice without error.
func LoadFromDir(dir string) ([]*Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill directory %s: %w", dir, err)
	}

	var skills []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		s, err := loadSkillFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading skill %s: %w", entry.Name(), err)
		}
		if s != nil {
			skills = append(skills, s)
		}
	}

	return skills, nil
}

func loadSkillFromSubdir(dir string) (*Skill, error) {
	data, err := os.ReadFile(filepath.Join(dir, "skill.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill.json: %w", err)
	}

	var s Skill
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing skill.json in %s: %w", dir, err)
	}
	if s.ID == "" {
		s.ID = filepath.Base(dir)
	}
	if s.Status == "" {
		s.Status = StatusEnabled
	}

	if tpl, err := os.ReadFile(filepath.Join(dir, "template.md")); err == nil {
		s.Template = strings.TrimSpace(string(tpl))
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
