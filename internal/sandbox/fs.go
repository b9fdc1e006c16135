package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/zpdzap/beesto/internal/runtime"
)

// CleanPath validates a sandbox-relative path and returns its clean form.
// Absolute paths and paths that climb out of the tree are rejected.
func CleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q escapes the working tree", ErrInvalidPath, p)
	}
	return c, nil
}

// fsErr wraps a runtime file error, reporting symlink escapes as ErrInvalidPath.
func fsErr(op, p string, err error) error {
	if errors.Is(err, runtime.ErrPathEscapes) {
		return fmt.Errorf("%w: %s %q: %w", ErrInvalidPath, op, p, err)
	}
	return fmt.Errorf("%s %q: %w", op, p, err)
}

// ReadAllFiles returns every regular file in the tree keyed by relative path,
// skipping the ignored directories at any depth.
func (m *Manager) ReadAllFiles(ctx context.Context) (map[string]string, error) {
	if m.Status() == StatusIdle {
		return nil, ErrNotBooted
	}
	m.fsMu.RLock()
	defer m.fsMu.RUnlock()

	files := make(map[string]string)
	if err := m.walk(ctx, "", files); err != nil {
		return nil, err
	}
	return files, nil
}

func (m *Manager) walk(ctx context.Context, dir string, files map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := m.rt.ReadDir(ctx, dir)
	if err != nil {
		return fsErr("reading directory", dir, err)
	}
	for _, e := range entries {
		p := e.Name
		if dir != "" {
			p = dir + "/" + e.Name
		}
		if e.IsDir {
			if slices.Contains(m.opts.IgnoreDirs, e.Name) {
				continue
			}
			if err := m.walk(ctx, p, files); err != nil {
				return err
			}
			continue
		}
		data, err := m.rt.ReadFile(ctx, p)
		if err != nil {
			return fsErr("reading", p, err)
		}
		files[p] = string(data)
	}
	return nil
}

// ReadFile returns one file's content.
func (m *Manager) ReadFile(ctx context.Context, p string) (string, error) {
	c, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if m.Status() == StatusIdle {
		return "", ErrNotBooted
	}
	m.fsMu.RLock()
	defer m.fsMu.RUnlock()
	data, err := m.rt.ReadFile(ctx, c)
	if err != nil {
		return "", fsErr("reading", c, err)
	}
	return string(data), nil
}

// WriteFile creates or overwrites a file, creating parent directories.
func (m *Manager) WriteFile(ctx context.Context, p, content string) error {
	c, err := CleanPath(p)
	if err != nil {
		return err
	}
	if m.Status() == StatusIdle {
		return ErrNotBooted
	}
	m.fsMu.Lock()
	defer m.fsMu.Unlock()
	if err := m.rt.WriteFile(ctx, c, []byte(content)); err != nil {
		return fsErr("writing", c, err)
	}
	m.logger.Debug("wrote file", "path", c, "bytes", len(content))
	return nil
}

// DeleteFile removes a file.
func (m *Manager) DeleteFile(ctx context.Context, p string) error {
	c, err := CleanPath(p)
	if err != nil {
		return err
	}
	if m.Status() == StatusIdle {
		return ErrNotBooted
	}
	m.fsMu.Lock()
	defer m.fsMu.Unlock()
	if err := m.rt.Remove(ctx, c); err != nil {
		return fsErr("deleting", c, err)
	}
	m.logger.Debug("deleted file", "path", c)
	return nil
}
