package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/govsync/internal/frontmatter"
)

// Local serves a working-tree checkout. The ref argument is ignored: the
// checkout is whatever is on disk.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("local source root is not a directory")
	}
	return &Local{root: abs}, nil
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) resolve(p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(p, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes checkout")
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) Fetch(ctx context.Context, p, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable("fetch", p, err)
	}
	full, err := l.resolve(p)
	if err != nil {
		return "", unavailable("fetch", p, err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", unavailable("fetch", p, err)
	}
	return string(data), nil
}

func (l *Local) List(ctx context.Context, ref string) ([]string, error) {
	paths := []string{}
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != l.root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if frontmatter.IsMarkdown(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list", l.root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor"
}
