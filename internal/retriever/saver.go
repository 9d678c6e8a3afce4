package retriever

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSaver writes completed transfers into a directory
type FileSaver struct {
	dir string
}

// NewFileSaver creates a saver rooted at dir, creating it if needed
func NewFileSaver(dir string) (*FileSaver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("download dir: %w", err)
	}
	return &FileSaver{dir: dir}, nil
}

// Save writes data via a temp file and rename. Only the base of name is
// used so records cannot direct writes outside the directory.
func (s *FileSaver) Save(name string, data []byte) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == "" {
		base = "download"
	}
	final := filepath.Join(s.dir, base)

	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}
