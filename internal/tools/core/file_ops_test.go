package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func TestReadFile(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "notes.txt", "one\ntwo\nthree\nfour")
	tool := ReadFileTool(root)

	out, err := tool.Execute(context.Background(), map[string]any{"path": "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour", out)

	// Line ranges are 1-indexed and inclusive.
	out, err = tool.Execute(context.Background(), map[string]any{
		"path": "notes.txt", "start_line": 2.0, "end_line": 3.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", out)

	// Out-of-range bounds clamp instead of failing.
	out, err = tool.Execute(context.Background(), map[string]any{
		"path": "notes.txt", "start_line": 3.0, "end_line": 99.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "three\nfour", out)

	_, err = tool.Execute(context.Background(), map[string]any{"path": "missing.txt"})
	require.Error(t, err)
}

func TestReadFileTruncatesLargeContent(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "big.txt", strings.Repeat("x", maxReadBytes+100))
	tool := ReadFileTool(root)

	out, err := tool.Execute(context.Background(), map[string]any{"path": "big.txt"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "(truncated)"))
	assert.Less(t, len(out), maxReadBytes+100)
}

func TestWriteFileCreatesDirectories(t *testing.T) {
	root := t.TempDir()
	tool := WriteFileTool(root)

	out, err := tool.Execute(context.Background(), map[string]any{
		"path": "src/deep/main.go", "content": "package main\n",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "src/deep/main.go")

	data, err := os.ReadFile(filepath.Join(root, "src/deep/main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}

func TestStrReplace(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "main.go", "package main\n\nfunc main() {}\n")
	tool := StrReplaceTool(root)

	_, err := tool.Execute(context.Background(), map[string]any{
		"path": "main.go", "old_str": "func main() {}", "new_str": "func main() { run() }",
	})
	require.NoError(t, err)
	data, _ := os.ReadFile(filepath.Join(root, "main.go"))
	assert.Contains(t, string(data), "run()")

	_, err = tool.Execute(context.Background(), map[string]any{
		"path": "main.go", "old_str": "nowhere", "new_str": "x",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStrReplaceRejectsAmbiguousMatch(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "dup.txt", "item\nitem\n")
	tool := StrReplaceTool(root)

	_, err := tool.Execute(context.Background(), map[string]any{
		"path": "dup.txt", "old_str": "item", "new_str": "thing",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be unique")
}

func TestDeleteFile(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "gone.txt", "bye")
	tool := DeleteFileTool(root)

	_, err := tool.Execute(context.Background(), map[string]any{"path": "gone.txt"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "gone.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = tool.Execute(context.Background(), map[string]any{"path": "gone.txt"})
	require.Error(t, err)
}

func TestListFilesSkipsInternalDirs(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "main.go", "x")
	writeTestFile(t, root, "src/util.go", "x")
	writeTestFile(t, root, ".git/config", "x")
	writeTestFile(t, root, "state/pipeline.json", "x")
	tool := ListFilesTool(root)

	out, err := tool.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, "main.go")
	assert.Contains(t, out, filepath.Join("src", "util.go"))
	assert.NotContains(t, out, ".git")
	assert.NotContains(t, out, "pipeline.json")
}

func TestSearch(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.go", "package a\n\nfunc Handler() {}\n")
	writeTestFile(t, root, "b.go", "package b\n\nfunc helper() {}\n")
	writeTestFile(t, root, "readme.md", "Handler docs\n")
	tool := SearchTool(root)

	out, err := tool.Execute(context.Background(), map[string]any{"pattern": `func \w+\(`})
	require.NoError(t, err)
	assert.Contains(t, out, "a.go:3")
	assert.Contains(t, out, "b.go:3")

	// Glob narrows the file set.
	out, err = tool.Execute(context.Background(), map[string]any{
		"pattern": "Handler", "glob": "*.md",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "readme.md:1")
	assert.NotContains(t, out, "a.go")

	out, err = tool.Execute(context.Background(), map[string]any{"pattern": "absent_symbol"})
	require.NoError(t, err)
	assert.Equal(t, "no matches", out)

	_, err = tool.Execute(context.Background(), map[string]any{"pattern": "("})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}
