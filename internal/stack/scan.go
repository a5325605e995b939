package stack

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ScanDepth is how deep listings descend below the workspace root.
const ScanDepth = 4

// MaxSampledFiles caps how many files are read for pattern matching.
const MaxSampledFiles = 16

// SkippedDirs are never descended into when listing a workspace.
var SkippedDirs = []string{".git", "node_modules"}

// ScanDir builds a listing for a local directory, reading the files the
// classifier wants to sample.
func (c *Classifier) ScanDir(root string) (Listing, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Listing{}, fmt.Errorf("scan workspace: %w", err)
	}
	if !info.IsDir() {
		return Listing{}, fmt.Errorf("scan workspace: %s is not a directory", root)
	}
	var paths []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		depth := strings.Count(rel, "/") + 1
		if d.IsDir() {
			if skipped(d.Name()) || depth >= ScanDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return Listing{}, fmt.Errorf("scan workspace: %w", err)
	}

	contents := make(map[string]string)
	for _, rel := range c.SampleFiles(paths, MaxSampledFiles) {
		body, err := readHead(filepath.Join(root, filepath.FromSlash(rel)), MaxSampleBytes)
		if err != nil {
			return Listing{}, fmt.Errorf("sample %s: %w", rel, err)
		}
		contents[rel] = body
	}
	return Listing{Paths: paths, Contents: contents}, nil
}

// ParseFindOutput turns newline separated `find` output into relative paths.
func ParseFindOutput(out string) []string {
	lines := strings.Split(out, "\n")
	paths := make([]string, 0, len(lines))
	for _, line := range lines {
		if p := cleanPath(line); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func skipped(name string) bool {
	for _, s := range SkippedDirs {
		if name == s {
			return true
		}
	}
	return false
}

func readHead(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	body, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ListScript prints the regular files below "$1" with the same depth and
// skip rules as ScanDir, one "./path" per line.
var ListScript = fmt.Sprintf(`cd -- "$1" && find . -maxdepth %d \( -name .git -o -name node_modules \) -prune -o -type f -print`, ScanDepth)

// SampleScript prints every file named after "$1" as path NUL content NUL,
// reading at most MaxSampleBytes per file. Missing files are skipped.
var SampleScript = fmt.Sprintf(`cd -- "$1" && shift && for f do [ -f "$f" ] || continue; printf '%%s\000' "$f"; head -c %d -- "$f"; printf '\000'; done`, MaxSampleBytes)

// ParseSamples decodes SampleScript output.
func ParseSamples(out string) map[string]string {
	parts := strings.Split(out, "\x00")
	samples := make(map[string]string, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		if p := cleanPath(parts[i]); p != "" {
			samples[p] = parts[i+1]
		}
	}
	return samples
}
