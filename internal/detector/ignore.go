package detector

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/text/unicode/norm"
)

// builtinIgnores are always excluded from sync. Directory patterns match
// any path segment; bare names match the final component; the conflict
// marker matches anywhere in the name so preserved loser copies never
// re-enter the sync loop.
var builtinIgnores = []string{
	".obsidian/",
	"_embeddings/",
	".git/",
	".DS_Store",
	"node_modules/",
	".sync-conflict-",
	".trash/",
}

// Filter decides which vault-relative paths participate in sync: only
// Markdown, minus the built-in ignore set and any user glob patterns.
type Filter struct {
	userGlobs []glob.Glob
}

// NewFilter compiles the user's extra ignore patterns. Patterns use '/'
// as the separator, matching vault-relative paths.
func NewFilter(userPatterns []string) (*Filter, error) {
	f := &Filter{}

	for _, pattern := range userPatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("detector: compiling ignore pattern %q: %w", pattern, err)
		}

		f.userGlobs = append(f.userGlobs, g)
	}

	return f, nil
}

// Syncable reports whether a vault-relative path should be synchronized.
func (f *Filter) Syncable(relPath string) bool {
	if !strings.HasSuffix(strings.ToLower(relPath), ".md") {
		return false
	}

	return !f.Ignored(relPath)
}

// Ignored reports whether a vault-relative path (file or directory)
// matches the ignore set. Used on its own for directory pruning during
// walks, where the .md check does not apply.
func (f *Filter) Ignored(relPath string) bool {
	base := filepath.Base(relPath)

	for _, pattern := range builtinIgnores {
		if dir, ok := strings.CutSuffix(pattern, "/"); ok {
			if pathHasSegment(relPath, dir) {
				return true
			}

			continue
		}

		if strings.Contains(base, pattern) {
			return true
		}
	}

	for _, g := range f.userGlobs {
		if g.Match(relPath) {
			return true
		}
	}

	return false
}

// pathHasSegment reports whether any '/'-separated segment of relPath
// equals name.
func pathHasSegment(relPath, name string) bool {
	for _, seg := range strings.Split(relPath, "/") {
		if seg == name {
			return true
		}
	}

	return false
}

// normalizeRel converts an OS path relative to the vault root into the
// canonical journal form: forward slashes, NFC Unicode.
func normalizeRel(rel string) string {
	return norm.NFC.String(filepath.ToSlash(rel))
}
