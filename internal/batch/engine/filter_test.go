package engine

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeInfo struct {
	name string
	size int64
	mod  time.Time
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (f fakeInfo) ModTime() time.Time { return f.mod }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() any           { return nil }

func TestFileFilterMatches(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		cfg  FilterConfig
		path string
		info fakeInfo
		want bool
	}{
		{
			name: "empty filter matches everything",
			path: "/in/x.bin",
			info: fakeInfo{size: 1},
			want: true,
		},
		{
			name: "extension allowed",
			cfg:  FilterConfig{Extensions: []string{".pdf", "docx"}},
			path: "/in/report.PDF",
			want: true,
		},
		{
			name: "extension rejected",
			cfg:  FilterConfig{Extensions: []string{".pdf"}},
			path: "/in/report.txt",
			want: false,
		},
		{
			name: "size below minimum",
			cfg:  FilterConfig{MinSize: 100},
			path: "/in/a.pdf",
			info: fakeInfo{size: 99},
			want: false,
		},
		{
			name: "size bounds inclusive",
			cfg:  FilterConfig{MinSize: 100, MaxSize: 100},
			path: "/in/a.pdf",
			info: fakeInfo{size: 100},
			want: true,
		},
		{
			name: "modified too early",
			cfg:  FilterConfig{MinModified: base},
			path: "/in/a.pdf",
			info: fakeInfo{mod: base.Add(-time.Hour)},
			want: false,
		},
		{
			name: "modified in range",
			cfg:  FilterConfig{MinModified: base, MaxModified: base.Add(24 * time.Hour)},
			path: "/in/a.pdf",
			info: fakeInfo{mod: base.Add(time.Hour)},
			want: true,
		},
		{
			name: "name pattern",
			cfg:  FilterConfig{NamePattern: `^report_\d+`},
			path: "/in/report_42.pdf",
			want: true,
		},
		{
			name: "name pattern miss",
			cfg:  FilterConfig{NamePattern: `^report_\d+`},
			path: "/in/summary.pdf",
			want: false,
		},
		{
			name: "excluded path prefix",
			cfg:  FilterConfig{ExcludePaths: []string{"/in/tmp"}},
			path: "/in/tmp/a.pdf",
			want: false,
		},
		{
			name: "exclude prefix does not match siblings",
			cfg:  FilterConfig{ExcludePaths: []string{"/in/tmp"}},
			path: "/in/tmpfile.pdf",
			want: true,
		},
		{
			name: "excluded pattern",
			cfg:  FilterConfig{ExcludePatterns: []string{`\.bak\.`}},
			path: "/in/a.bak.pdf",
			want: false,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := NewFileFilter(tc.cfg)
			if err != nil {
				t.Fatalf("compile filter: %v", err)
			}
			if got := f.Matches(tc.path, tc.info); got != tc.want {
				t.Fatalf("Matches(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestFileFilterBadPattern(t *testing.T) {
	t.Parallel()
	if _, err := NewFileFilter(FilterConfig{NamePattern: "("}); err == nil {
		t.Fatal("expected compile error for bad name pattern")
	}
	if _, err := NewFileFilter(FilterConfig{ExcludePatterns: []string{"("}}); err == nil {
		t.Fatal("expected compile error for bad exclude pattern")
	}
}

func TestFileFilterMatchesPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := NewFileFilter(FilterConfig{Extensions: []string{".pdf"}, MinSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !f.MatchesPath(p) {
		t.Fatal("existing pdf should match")
	}
	if f.MatchesPath(filepath.Join(dir, "missing.pdf")) {
		t.Fatal("missing file should not match")
	}

	var nilFilter *FileFilter
	if !nilFilter.MatchesPath(p) {
		t.Fatal("nil filter should match everything")
	}
}
