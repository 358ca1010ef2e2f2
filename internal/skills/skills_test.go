package skills

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weftwork/weft/internal/tools"
)

const sampleSkill = `---
name: git-review
description: Review git diffs and suggest improvements.
tools:
  - read_file
  - list_dir
---

When reviewing a diff, read the changed files first and comment on
correctness before style.`

func TestParse(t *testing.T) {
	skill, err := Parse([]byte(sampleSkill))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if skill.Name != "git-review" {
		t.Errorf("name = %q", skill.Name)
	}
	if len(skill.Tools) != 2 || skill.Tools[0] != "read_file" {
		t.Errorf("tools = %v", skill.Tools)
	}
	if !strings.HasPrefix(skill.Body, "When reviewing a diff") {
		t.Errorf("body = %q", skill.Body)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no frontmatter",
			content: "just markdown",
			wantErr: "opening frontmatter",
		},
		{
			name:    "unterminated frontmatter",
			content: "---\nname: x",
			wantErr: "closing frontmatter",
		},
		{
			name:    "missing name",
			content: "---\ndescription: d\ntools: [a]\n---\nbody",
			wantErr: "name is required",
		},
		{
			name:    "bad name",
			content: "---\nname: Bad Name\ndescription: d\ntools: [a]\n---\nbody",
			wantErr: "lowercase",
		},
		{
			name:    "no tools",
			content: "---\nname: x\ndescription: d\n---\nbody",
			wantErr: "at least one tool",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, SkillFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	root := t.TempDir()
	writeSkill(t, root, "review", sampleSkill)
	writeSkill(t, root, "broken", "no frontmatter here")
	writeSkill(t, root, "deploy", `---
name: deploy
description: Deploy the service.
tools: [list_dir]
---
Run the deploy checklist.`)
	// A bare directory without SKILL.md is ignored.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	skills, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(skills) != 2 {
		t.Fatalf("discovered %d skills, want 2", len(skills))
	}
	if skills[0].Name != "deploy" || skills[1].Name != "git-review" {
		t.Errorf("order = %s, %s", skills[0].Name, skills[1].Name)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	if _, err := Discover(filepath.Join(t.TempDir(), "absent"), slog.New(slog.DiscardHandler)); err == nil {
		t.Error("Discover accepted a missing directory")
	}
}

func TestRegisterAll(t *testing.T) {
	registry := tools.NewRegistry()
	noop := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}
	if err := registry.Register(tools.NewFuncTool("read_file", "read", nil, noop)); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(tools.NewFuncTool("list_dir", "list", nil, noop)); err != nil {
		t.Fatal(err)
	}

	skill, err := Parse([]byte(sampleSkill))
	if err != nil {
		t.Fatal(err)
	}
	if err := RegisterAll(registry, []*Skill{skill}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	if !registry.IsContainer("git-review") {
		t.Fatal("skill not registered as container")
	}
	expansion, err := registry.Expansion("git-review")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(expansion.SystemPromptText, "When reviewing a diff") {
		t.Errorf("system prompt = %q", expansion.SystemPromptText)
	}
	prompts := registry.ActiveSystemPrompts(map[string]bool{"git-review": true})
	if len(prompts) != 1 {
		t.Errorf("active prompts = %v", prompts)
	}
}
