package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/example/weather-imagegen/api-go/internal/model"
)

// LocalFS stores objects as files under Root/Container. Signed URLs point at
// the API's /files route and are checked there with the same Signer.
type LocalFS struct {
	Root      string
	Container string
	Signer    Signer
	BaseURL   string
}

var _ Store = LocalFS{}

func (l LocalFS) dir() string {
	return filepath.Join(l.Root, l.Container)
}

func (l LocalFS) abs(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.dir(), filepath.FromSlash(clean)), nil
}

// Put writes through a temp file and rename so readers and List never see a
// partial object. Concurrent writers of one key race; the last rename wins.
func (l LocalFS) Put(_ context.Context, key string, data []byte, _ string) error {
	abs, err := l.abs(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	tmpDir := filepath.Join(l.Root, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(tmpDir, "put-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (l LocalFS) Get(_ context.Context, key string) ([]byte, error) {
	abs, err := l.abs(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, model.ErrNotFound)
	}
	return data, err
}

func (l LocalFS) Open(key string) (*os.File, error) {
	abs, err := l.abs(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, model.ErrNotFound)
	}
	return f, err
}

func (l LocalFS) Exists(_ context.Context, key string) (bool, error) {
	abs, err := l.abs(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// List walks only the directory named by prefix up to its last slash.
func (l LocalFS) List(_ context.Context, prefix string) ([]string, error) {
	root := l.dir()
	start := root
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		sub, err := cleanKey(prefix[:i])
		if err != nil {
			return nil, err
		}
		start = filepath.Join(root, filepath.FromSlash(sub))
	}
	var keys []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (l LocalFS) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl)
	return l.Signer.URL(l.BaseURL, l.Container, clean, expires), nil
}
