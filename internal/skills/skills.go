// Package skills loads skill definitions from SKILL.md files and registers
// them as expandable containers. A skill bundles a system-prompt fragment
// with the tools it teaches the model to use; both stay hidden until the
// model expands the skill.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weftwork/weft/internal/tools"
)

const (
	// SkillFilename is the definition file expected in each skill directory.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Skill is one parsed definition: YAML frontmatter plus a markdown body that
// becomes the injected system-prompt text.
type Skill struct {
	// Name is the container identifier (lowercase, digits, hyphens).
	Name string `yaml:"name"`

	// Description tells the model what the skill does and when to expand it.
	Description string `yaml:"description"`

	// Tools lists the tool names revealed by expanding the skill.
	Tools []string `yaml:"tools"`

	// Body is the markdown content injected into the system prompt while
	// the skill is expanded.
	Body string `yaml:"-"`

	// Path is the directory the skill was loaded from.
	Path string `yaml:"-"`
}

// ParseFile reads and parses one SKILL.md.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	skill, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	skill.Path = filepath.Dir(path)
	return skill, nil
}

// Parse decodes SKILL.md content: YAML frontmatter between "---" delimiters,
// markdown body after.
func Parse(data []byte) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	skill.Body = strings.TrimSpace(string(body))
	if err := skill.validate(); err != nil {
		return nil, err
	}
	return &skill, nil
}

func (s *Skill) validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range s.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: %q", s.Name)
		}
	}
	if s.Description == "" {
		return fmt.Errorf("skill %q: description is required", s.Name)
	}
	if len(s.Tools) == 0 {
		return fmt.Errorf("skill %q: at least one tool is required", s.Name)
	}
	return nil
}

func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var rest []string
	for scanner.Scan() {
		rest = append(rest, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(front, "\n")), []byte(strings.Join(rest, "\n")), nil
}

// RegisterAll declares each skill as a container on the registry. The
// markdown body becomes the expansion's system-prompt text.
func RegisterAll(registry *tools.Registry, skills []*Skill) error {
	for _, skill := range skills {
		err := registry.RegisterContainer(tools.Container{
			Name:             skill.Name,
			Description:      skill.Description,
			SystemPromptText: skill.Body,
			Tools:            skill.Tools,
		})
		if err != nil {
			return fmt.Errorf("registering skill %q: %w", skill.Name, err)
		}
	}
	return nil
}
