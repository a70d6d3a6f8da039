package engine

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// FilterConfig is the raw, serializable form of a FileFilter.
//
// Zero values mean "criterion unset" (vacuously true).
type FilterConfig struct {
	// Extensions is the allow-list, with or without the leading dot,
	// case-insensitive (e.g. [".pdf", "docx"]).
	Extensions []string

	MinSize int64 // bytes, inclusive
	MaxSize int64 // bytes, inclusive

	MinModified time.Time
	MaxModified time.Time

	// NamePattern is a regexp matched against the base name.
	NamePattern string

	// ExcludePaths are matched exactly and as directory prefixes.
	ExcludePaths []string

	// ExcludePatterns are regexps matched against the full path.
	ExcludePatterns []string
}

// FileFilter is an immutable predicate over file metadata.
// A file matches iff it satisfies every configured criterion.
type FileFilter struct {
	extensions map[string]struct{}

	minSize int64
	maxSize int64

	minMod time.Time
	maxMod time.Time

	namePattern *regexp.Regexp

	excludePaths    []string
	excludePatterns []*regexp.Regexp
}

// NewFileFilter compiles a FilterConfig. Pattern errors are reported up-front
// so a bad filter never silently matches everything.
func NewFileFilter(c FilterConfig) (*FileFilter, error) {
	f := &FileFilter{
		minSize: c.MinSize,
		maxSize: c.MaxSize,
		minMod:  c.MinModified,
		maxMod:  c.MaxModified,
	}

	if len(c.Extensions) > 0 {
		f.extensions = make(map[string]struct{}, len(c.Extensions))
		for _, e := range c.Extensions {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			f.extensions[e] = struct{}{}
		}
	}

	if strings.TrimSpace(c.NamePattern) != "" {
		re, err := regexp.Compile(c.NamePattern)
		if err != nil {
			return nil, err
		}
		f.namePattern = re
	}

	for _, p := range c.ExcludePaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f.excludePaths = append(f.excludePaths, filepath.Clean(p))
	}

	for _, p := range c.ExcludePatterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		f.excludePatterns = append(f.excludePatterns, re)
	}

	return f, nil
}

// Matches evaluates all criteria against the given metadata.
// Pure: no I/O, deterministic for a given (path, info) pair.
func (f *FileFilter) Matches(path string, info os.FileInfo) bool {
	if f == nil {
		return true
	}

	if len(f.extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := f.extensions[ext]; !ok {
			return false
		}
	}

	if info != nil {
		size := info.Size()
		if f.minSize > 0 && size < f.minSize {
			return false
		}
		if f.maxSize > 0 && size > f.maxSize {
			return false
		}

		mod := info.ModTime()
		if !f.minMod.IsZero() && mod.Before(f.minMod) {
			return false
		}
		if !f.maxMod.IsZero() && mod.After(f.maxMod) {
			return false
		}
	}

	if f.namePattern != nil && !f.namePattern.MatchString(filepath.Base(path)) {
		return false
	}

	clean := filepath.Clean(path)
	for _, ex := range f.excludePaths {
		if clean == ex || strings.HasPrefix(clean, ex+string(filepath.Separator)) {
			return false
		}
	}

	for _, re := range f.excludePatterns {
		if re.MatchString(clean) {
			return false
		}
	}

	return true
}

// MatchesPath stats the file and evaluates Matches. Files that cannot be
// stat'ed never match (same behavior as a size/date criterion failing).
func (f *FileFilter) MatchesPath(path string) bool {
	if f == nil {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return f.Matches(path, info)
}
