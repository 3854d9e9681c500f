package core

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"forgeloop/internal/tools"
)

const maxMatches = 200

// SearchTool greps the project tree with a regular expression.
func SearchTool(root string) *tools.Tool {
	return &tools.Tool{
		Name:        "search",
		Description: "Search project files for a regular expression, returning path:line matches",
		Category:    tools.CategoryAnalysis,
		Safety:      tools.Guarded,
		Schema: tools.Schema{
			Required: []string{"pattern"},
			Properties: map[string]tools.Property{
				"pattern": {Type: "string", Description: "Regular expression to search for"},
				"path":    {Type: "string", Description: "Subdirectory to search (default: project root)"},
				"glob":    {Type: "string", Description: "Filename glob filter, e.g. *.go"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			patternArg, _ := args["pattern"].(string)
			re, err := regexp.Compile(patternArg)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}
			sub, _ := args["path"].(string)
			glob, _ := args["glob"].(string)
			base := filepath.Join(root, sub)

			var b strings.Builder
			matches := 0
			walkErr := filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if name := d.Name(); name == ".git" || name == "state" {
						return filepath.SkipDir
					}
					return nil
				}
				if glob != "" {
					if ok, _ := filepath.Match(glob, d.Name()); !ok {
						return nil
					}
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				rel, _ := filepath.Rel(root, p)
				scanFile(p, rel, re, &b, &matches)
				if matches >= maxMatches {
					b.WriteString("(truncated)\n")
					return filepath.SkipAll
				}
				return nil
			})
			if walkErr != nil {
				return "", walkErr
			}
			if matches == 0 {
				return "no matches", nil
			}
			return b.String(), nil
		},
	}
}

func scanFile(path, rel string, re *regexp.Regexp, b *strings.Builder, matches *int) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		fmt.Fprintf(b, "%s:%d: %s\n", rel, lineNo, strings.TrimSpace(line))
		*matches++
		if *matches >= maxMatches {
			return
		}
	}
}
