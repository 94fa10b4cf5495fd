package retrieval

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFile lists gitignore-style patterns for files the Ingester skips.
const IgnoreFile = ".kbignore"

type ignoreList []string

// loadIgnore reads root/.kbignore. A missing file yields an empty list.
func loadIgnore(root string) (ignoreList, error) {
	f, err := os.Open(filepath.Join(root, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var patterns ignoreList
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		p := parseIgnoreLine(scanner.Text())
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		patterns = append(patterns, p)
	}
	return patterns, scanner.Err()
}

// parseIgnoreLine returns the pattern on a line, or "" for blanks, comments
// and negations (not supported).
func parseIgnoreLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return strings.TrimPrefix(line, "/")
}

// matches reports whether rel (slash or OS separated) is excluded. Patterns
// ending in "/" exclude a directory and everything below it; other patterns
// match the base name or the whole relative path.
func (l ignoreList) matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	for _, p := range l {
		if dir, ok := strings.CutSuffix(p, "/"); ok {
			if rel == dir || strings.HasPrefix(rel, dir+"/") || strings.Contains(rel, "/"+dir+"/") {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}
