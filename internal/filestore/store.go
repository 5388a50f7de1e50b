// Package filestore persists the content of published files. Metadata
// lives in the database; the store only holds bytes, addressed by the
// resolved repository path.
package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"shotline/internal/config"
)

type Store interface {
	// Save copies the file at src into the store under path.
	Save(ctx context.Context, path, src string) error
	// Fetch copies the stored content at path into dst.
	Fetch(ctx context.Context, path, dst string) error
	// Exists reports whether path has stored content.
	Exists(ctx context.Context, path string) (bool, error)
}

// FromConfig builds the store the config names. Relative local dirs are
// anchored under the workspace's .shotline directory.
func FromConfig(ctx context.Context, cfg *config.Config, workspace string) (Store, error) {
	switch cfg.FileStore.Backend {
	case "", "local":
		dir := cfg.FileStore.LocalDir
		if dir == "" {
			dir = "files"
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workspace, ".shotline", dir)
		}
		return NewLocal(dir)
	case "s3":
		return NewObjectStore(ctx, cfg.FileStore.S3)
	default:
		return nil, fmt.Errorf("unknown file store backend %q", cfg.FileStore.Backend)
	}
}

// Local stores content as plain files under Root, mirroring the resolved
// repository paths.
type Local struct {
	Root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Local{Root: root}, nil
}

func (l *Local) objectPath(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid store path %q", path)
	}
	return filepath.Join(l.Root, clean), nil
}

// Save writes through a temp file and renames, so a crash mid-copy never
// leaves a truncated object at the final path.
func (l *Local) Save(ctx context.Context, path, src string) error {
	dst, err := l.objectPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (l *Local) Fetch(ctx context.Context, path, dst string) error {
	obj, err := l.objectPath(path)
	if err != nil {
		return err
	}
	in, err := os.Open(obj)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	obj, err := l.objectPath(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(obj); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
