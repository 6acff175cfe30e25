// Package workspace confines file operations to one directory tree.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// VirtualRoot is the path prefix intents use for the workspace root.
const VirtualRoot = "/workspace"

var (
	// ErrOutsideRoot is returned for paths that resolve outside the workspace.
	ErrOutsideRoot = errors.New("path outside workspace")
	// ErrProtected is returned for paths matching a protected glob.
	ErrProtected = errors.New("path is protected")
)

// DefaultProtected are globs no intent may write.
var DefaultProtected = []string{".git/**", ".git", ".warden/**"}

// FileSystem is the file collaborator used by the router and engine.
type FileSystem interface {
	MkdirAll(ctx context.Context, path string) error
	CreateFile(ctx context.Context, path string, content []byte) error
	UpdateFile(ctx context.Context, path string, content []byte) error
	DeleteFile(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Local is a FileSystem rooted at a local directory.
type Local struct {
	root      string
	protected []string
	logger    *zap.Logger
}

// NewLocal creates a Local rooted at root. Nil protected uses DefaultProtected.
func NewLocal(root string, protected []string, logger *zap.Logger) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if protected == nil {
		protected = DefaultProtected
	}
	for _, g := range protected {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid protected glob %q", g)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{root: abs, protected: protected, logger: logger.Named("workspace")}, nil
}

// Root returns the absolute workspace root.
func (l *Local) Root() string {
	return l.root
}

// Resolve maps an intent path onto the local filesystem. Paths under
// VirtualRoot and relative paths are taken relative to the root.
func (l *Local) Resolve(p string) (string, error) {
	p = filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
	switch {
	case p == VirtualRoot:
		p = l.root
	case strings.HasPrefix(p, VirtualRoot+string(filepath.Separator)):
		p = filepath.Join(l.root, strings.TrimPrefix(p, VirtualRoot))
	case !filepath.IsAbs(p):
		p = filepath.Join(l.root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRoot)
	}
	return p, nil
}

// Relative returns p relative to the root in slash form.
func (l *Local) Relative(p string) (string, error) {
	abs, err := l.Resolve(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(l.root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (l *Local) writable(p string) (string, error) {
	abs, err := l.Resolve(p)
	if err != nil {
		return "", err
	}
	rel, _ := filepath.Rel(l.root, abs)
	rel = filepath.ToSlash(rel)
	for _, g := range l.protected {
		if ok, _ := doublestar.Match(g, rel); ok {
			return "", fmt.Errorf("%s: %w", rel, ErrProtected)
		}
	}
	return abs, nil
}

// MkdirAll creates a directory and its parents.
func (l *Local) MkdirAll(ctx context.Context, p string) error {
	abs, err := l.writable(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// CreateFile writes content, creating parent directories and replacing any
// existing file.
func (l *Local) CreateFile(ctx context.Context, p string, content []byte) error {
	abs, err := l.writable(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(p), err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	l.logger.Debug("file written", zap.String("path", abs), zap.Int("bytes", len(content)))
	return nil
}

// UpdateFile replaces the content of an existing file.
func (l *Local) UpdateFile(ctx context.Context, p string, content []byte) error {
	abs, err := l.writable(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("update %s: %w", p, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// DeleteFile removes a file.
func (l *Local) DeleteFile(ctx context.Context, p string) error {
	abs, err := l.writable(p)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Rename moves a file, creating the destination's parent directories.
func (l *Local) Rename(ctx context.Context, from, to string) error {
	src, err := l.writable(from)
	if err != nil {
		return err
	}
	dst, err := l.writable(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(to), err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	return nil
}

// ReadFile reads a file.
func (l *Local) ReadFile(ctx context.Context, p string) ([]byte, error) {
	abs, err := l.Resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// Exists reports whether p exists.
func (l *Local) Exists(ctx context.Context, p string) (bool, error) {
	abs, err := l.Resolve(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p, err)
}
