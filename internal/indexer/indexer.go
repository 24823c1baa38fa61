// Package indexer produces a structured project summary for the discovery
// phase. External indexing services can substitute the Indexer interface.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Summary is the structured result of indexing a project root.
type Summary struct {
	Root      string         `json:"root"`
	Files     int            `json:"files"`
	Dirs      int            `json:"dirs"`
	Languages map[string]int `json:"languages"`
	TopLevel  []string       `json:"top_level"`
}

// Indexer summarizes a project tree.
type Indexer interface {
	Summarize(ctx context.Context, root string) (*Summary, error)
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"target":       true,
	"dist":         true,
}

var extLanguages = map[string]string{
	".go":   "Go",
	".py":   "Python",
	".ts":   "TypeScript",
	".tsx":  "TypeScript",
	".js":   "JavaScript",
	".jsx":  "JavaScript",
	".rs":   "Rust",
	".rb":   "Ruby",
	".java": "Java",
	".c":    "C",
	".h":    "C",
	".cpp":  "C++",
	".md":   "Markdown",
	".yaml": "YAML",
	".yml":  "YAML",
	".json": "JSON",
	".sql":  "SQL",
	".sh":   "Shell",
}

// FS indexes the local filesystem.
type FS struct {
	logger *zap.Logger
}

// NewFS creates a filesystem indexer.
func NewFS(logger *zap.Logger) *FS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FS{logger: logger.Named("indexer")}
}

// Summarize walks the project root, counting files per language and
// recording the top-level layout.
func (x *FS) Summarize(ctx context.Context, root string) (*Summary, error) {
	summary := &Summary{Root: root, Languages: make(map[string]int)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			x.logger.Debug("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && rel != ".") {
				return filepath.SkipDir
			}
			if rel != "." {
				summary.Dirs++
				if !strings.Contains(rel, string(filepath.Separator)) {
					summary.TopLevel = append(summary.TopLevel, rel+"/")
				}
			}
			return nil
		}
		summary.Files++
		if !strings.Contains(rel, string(filepath.Separator)) {
			summary.TopLevel = append(summary.TopLevel, rel)
		}
		if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
			summary.Languages[lang]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index %s: %w", root, err)
	}
	sort.Strings(summary.TopLevel)
	return summary, nil
}

// Render formats the summary as the index phase artifact.
func (s *Summary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Project index\n\nRoot: %s\nFiles: %d\nDirectories: %d\n\n", s.Root, s.Files, s.Dirs)
	if len(s.Languages) > 0 {
		b.WriteString("## Languages\n\n")
		langs := make([]string, 0, len(s.Languages))
		for l := range s.Languages {
			langs = append(langs, l)
		}
		sort.Strings(langs)
		for _, l := range langs {
			fmt.Fprintf(&b, "- %s: %d files\n", l, s.Languages[l])
		}
		b.WriteString("\n")
	}
	if len(s.TopLevel) > 0 {
		b.WriteString("## Top-level layout\n\n")
		for _, e := range s.TopLevel {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}
