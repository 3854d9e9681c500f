// Package core registers the filesystem tools every phase can draw on.
// Handlers receive project-relative paths; the dispatcher has already
// normalized and contained them.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forgeloop/internal/logging"
	"forgeloop/internal/tools"
)

const maxReadBytes = 256 * 1024

// ReadFileTool reads file contents, optionally by line range.
func ReadFileTool(root string) *tools.Tool {
	return &tools.Tool{
		Name:        "read_file",
		Description: "Read the contents of a file",
		Category:    tools.CategoryAnalysis,
		Safety:      tools.Guarded,
		Schema: tools.Schema{
			Required: []string{"path"},
			Properties: map[string]tools.Property{
				"path":       {Type: "string", Description: "The file path to read"},
				"start_line": {Type: "integer", Description: "Starting line number (1-indexed, optional)"},
				"end_line":   {Type: "integer", Description: "Ending line number (inclusive, optional)"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			logging.ToolsDebug("read_file: path=%s", path)

			content, err := os.ReadFile(filepath.Join(root, path))
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			result := string(content)
			if len(result) > maxReadBytes {
				result = result[:maxReadBytes] + "\n(truncated)"
			}

			start, hasStart := intArg(args, "start_line")
			end, hasEnd := intArg(args, "end_line")
			if hasStart || hasEnd {
				lines := strings.Split(result, "\n")
				if !hasStart || start < 1 {
					start = 1
				}
				if !hasEnd || end > len(lines) {
					end = len(lines)
				}
				if start > len(lines) {
					return "", nil
				}
				result = strings.Join(lines[start-1:end], "\n")
			}
			return result, nil
		},
	}
}

// WriteFileTool writes full file contents, creating directories.
func WriteFileTool(root string) *tools.Tool {
	return &tools.Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating it if needed",
		Category:    tools.CategoryCoding,
		Safety:      tools.Guarded,
		Mutates:     true,
		Schema: tools.Schema{
			Required: []string{"path", "content"},
			Properties: map[string]tools.Property{
				"path":    {Type: "string", Description: "The file path to write"},
				"content": {Type: "string", Description: "The full new file content"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			full := filepath.Join(root, path)

			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return "", fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(full, []byte(content), 0644); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}
			logging.ToolsDebug("write_file: path=%s bytes=%d", path, len(content))
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	}
}

// StrReplaceTool replaces one exact occurrence in a file.
func StrReplaceTool(root string) *tools.Tool {
	return &tools.Tool{
		Name:        "str_replace",
		Description: "Replace an exact string in a file with a new string. The old string must occur exactly once.",
		Category:    tools.CategoryCoding,
		Safety:      tools.Guarded,
		Mutates:     true,
		Schema: tools.Schema{
			Required: []string{"path", "old_str", "new_str"},
			Properties: map[string]tools.Property{
				"path":    {Type: "string", Description: "The file to edit"},
				"old_str": {Type: "string", Description: "Exact text to replace"},
				"new_str": {Type: "string", Description: "Replacement text"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			oldStr, _ := args["old_str"].(string)
			newStr, _ := args["new_str"].(string)
			full := filepath.Join(root, path)

			content, err := os.ReadFile(full)
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			text := string(content)
			switch n := strings.Count(text, oldStr); {
			case n == 0:
				return "", fmt.Errorf("old_str not found in %s", path)
			case n > 1:
				return "", fmt.Errorf("old_str occurs %d times in %s, must be unique", n, path)
			}
			text = strings.Replace(text, oldStr, newStr, 1)
			if err := os.WriteFile(full, []byte(text), 0644); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}
			return fmt.Sprintf("replaced 1 occurrence in %s", path), nil
		},
	}
}

// DeleteFileTool removes a file.
func DeleteFileTool(root string) *tools.Tool {
	return &tools.Tool{
		Name:        "delete_file",
		Description: "Delete a file from the project",
		Category:    tools.CategoryCoding,
		Safety:      tools.Guarded,
		Mutates:     true,
		Schema: tools.Schema{
			Required: []string{"path"},
			Properties: map[string]tools.Property{
				"path": {Type: "string", Description: "The file path to delete"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			if err := os.Remove(filepath.Join(root, path)); err != nil {
				return "", fmt.Errorf("failed to delete file: %w", err)
			}
			return "deleted " + path, nil
		},
	}
}

// ListFilesTool lists a directory tree, bounded.
func ListFilesTool(root string) *tools.Tool {
	return &tools.Tool{
		Name:        "list_files",
		Description: "List files under a directory",
		Category:    tools.CategoryAnalysis,
		Safety:      tools.Guarded,
		Schema: tools.Schema{
			Required: []string{},
			Properties: map[string]tools.Property{
				"path": {Type: "string", Description: "Directory to list (default: project root)"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			dir, _ := args["path"].(string)
			base := filepath.Join(root, dir)

			var b strings.Builder
			count := 0
			err := filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				name := d.Name()
				if d.IsDir() && (name == ".git" || name == "node_modules" || name == "state") {
					return filepath.SkipDir
				}
				if d.IsDir() {
					return nil
				}
				rel, _ := filepath.Rel(root, p)
				b.WriteString(rel)
				b.WriteString("\n")
				count++
				if count >= 500 {
					b.WriteString("(truncated)\n")
					return filepath.SkipAll
				}
				return nil
			})
			if err != nil {
				return "", fmt.Errorf("failed to list files: %w", err)
			}
			return b.String(), nil
		},
	}
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
