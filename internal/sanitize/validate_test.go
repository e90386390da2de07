package sanitize

import (
	"errors"
	"testing"
)

func TestRepoPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"simple file", "docs/guide.md", "docs/guide.md", nil},
		{"backslashes normalized", `docs\guide\intro.md`, "docs/guide/intro.md", nil},
		{"dot segments cleaned", "docs/./guide/../intro.md", "docs/intro.md", nil},
		{"surrounding space trimmed", "  README.md ", "README.md", nil},
		{"empty", "", "", ErrEmptyPath},
		{"whitespace only", "   ", "", ErrEmptyPath},
		{"absolute", "/etc/passwd", "", ErrAbsolutePath},
		{"windows drive", "C:/Windows", "", ErrAbsolutePath},
		{"root", ".", "", ErrPathTraversal},
		{"parent", "..", "", ErrPathTraversal},
		{"escapes", "../x", "", ErrPathTraversal},
		{"escapes after cleaning", "docs/../../x", "", ErrPathTraversal},
		{"git dir", ".git", "", ErrGitDir},
		{"inside git dir", ".git/config", "", ErrGitDir},
		{"gitignore allowed", ".gitignore", ".gitignore", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RepoPath(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("RepoPath(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("RepoPath(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("RepoPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
