// Package files provides workspace-scoped file tools: read, write, and
// list. All paths are confined to the configured root.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/weftwork/weft/internal/tools"
)

// Config scopes the file tools.
type Config struct {
	// Root confines all tool paths. Empty disables the toolset.
	Root string `yaml:"root" json:"root"`

	// MaxReadBytes caps read_file output. Default: 256 KiB.
	MaxReadBytes int `yaml:"max_read_bytes" json:"max_read_bytes"`
}

const defaultMaxReadBytes = 256 << 10

// ContainerName groups the file tools behind one expandable entry.
const ContainerName = "files"

// Tools returns the toolset scoped to cfg.Root.
func Tools(cfg Config) []tools.Tool {
	r := resolver{root: cfg.Root}
	maxRead := cfg.MaxReadBytes
	if maxRead <= 0 {
		maxRead = defaultMaxReadBytes
	}
	return []tools.Tool{
		readTool(r, maxRead),
		writeTool(r),
		listTool(r),
	}
}

// Container returns the container entry advertising the toolset.
func Container() tools.Container {
	return tools.Container{
		Name:        ContainerName,
		Description: "File access: read, write, and list files in the workspace.",
		Tools:       []string{"read_file", "write_file", "list_dir"},
	}
}

func readTool(r resolver, maxRead int) tools.Tool {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."}
		},
		"required": ["path"],
		"additionalProperties": false
	}`)
	return tools.NewFuncTool("read_file", "Read a file from the workspace.", schema,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			path, err := r.resolve(in.Path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			truncated := false
			if len(data) > maxRead {
				data = data[:maxRead]
				truncated = true
			}
			return json.Marshal(struct {
				Content   string `json:"content"`
				Truncated bool   `json:"truncated,omitempty"`
			}{Content: string(data), Truncated: truncated})
		})
}

func writeTool(r resolver) tools.Tool {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"content": {"type": "string", "description": "Full file content to write."}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`)
	return tools.NewFuncTool("write_file", "Create or overwrite a file in the workspace.", schema,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			path, err := r.resolve(in.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
				return nil, err
			}
			return json.Marshal(fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path))
		})
}

type dirEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size,omitempty"`
	IsDir bool   `json:"is_dir,omitempty"`
}

func listTool(r resolver) tools.Tool {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory relative to the workspace. Defaults to the root."}
		},
		"additionalProperties": false
	}`)
	return tools.NewFuncTool("list_dir", "List a directory in the workspace.", schema,
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Path string `json:"path"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
			}
			if in.Path == "" {
				in.Path = "."
			}
			path, err := r.resolve(in.Path)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, err
			}
			out := make([]dirEntry, 0, len(entries))
			for _, entry := range entries {
				item := dirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
				if info, err := entry.Info(); err == nil && !entry.IsDir() {
					item.Size = info.Size()
				}
				out = append(out, item)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
			return json.Marshal(out)
		})
}
