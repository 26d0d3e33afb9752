package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Within joins elem under root and rejects results that escape root. Bundle
// names end up as directory names, so "../x" must never reach the filesystem.
func Within(root string, elem ...string) (string, error) {
	cleanRoot := filepath.Clean(root)
	for _, e := range elem {
		if e == "" || e == "." || e == ".." || strings.ContainsAny(e, `/\`) {
			return "", fmt.Errorf("invalid path element %q", e)
		}
	}

	joined := filepath.Join(append([]string{cleanRoot}, elem...)...)
	rel, err := filepath.Rel(cleanRoot, joined)
	if err != nil {
		return "", fmt.Errorf("resolve %q under %q: %w", joined, cleanRoot, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %q", joined, cleanRoot)
	}
	return joined, nil
}
