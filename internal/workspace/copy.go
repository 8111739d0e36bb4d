package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// CopyGlobPatterns copies files matching glob patterns from srcDir to dstDir.
// Supports single-level wildcards (*.json), recursive wildcards (**/*.json),
// literal paths, and directory paths (copied recursively). Preserves
// relative path structure in the destination. Patterns that match nothing
// invoke the warn callback but do not error.
func CopyGlobPatterns(srcDir, dstDir string, patterns []string, warn func(string)) error {
	for _, pattern := range patterns {
		srcPath := filepath.Join(srcDir, pattern)

		// A literal path to a directory is copied recursively.
		info, err := os.Stat(srcPath)
		if err == nil && info.IsDir() {
			if err := copyDir(srcPath, filepath.Join(dstDir, pattern)); err != nil {
				return fmt.Errorf("copying directory %s: %w", pattern, err)
			}
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(srcDir), pattern)
		if err != nil {
			return fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}

		if len(matches) == 0 {
			warn(fmt.Sprintf("pattern %q matched no files", pattern))
			continue
		}

		for _, match := range matches {
			src := filepath.Join(srcDir, match)
			dst := filepath.Join(dstDir, match)

			info, err := os.Stat(src)
			if err != nil {
				return fmt.Errorf("stat %s: %w", src, err)
			}
			if info.IsDir() {
				continue
			}

			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", dst, err)
			}

			data, err := os.ReadFile(src)
			if err != nil {
				return fmt.Errorf("reading %s: %w", src, err)
			}
			if err := os.WriteFile(dst, data, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", dst, err)
			}
		}
	}
	return nil
}

// copyDir recursively copies a directory from src to dst.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
