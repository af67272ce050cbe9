package iocap

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalScheme implements Scheme over the local filesystem, registered
// under the "file" URL scheme. Paths may be given as bare filesystem
// paths or as file:// URLs; both are accepted.
type LocalScheme struct{}

func NewLocalScheme() *LocalScheme { return &LocalScheme{} }

func toFSPath(path string) string {
	return strings.TrimPrefix(path, "file://")
}

func (LocalScheme) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(toFSPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (LocalScheme) Size(_ context.Context, path string) (int64, error) {
	fi, err := os.Stat(toFSPath(path))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (LocalScheme) ReadAll(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(toFSPath(path))
}

func (LocalScheme) WriteAll(_ context.Context, path string, data []byte) error {
	p := toFSPath(path)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (LocalScheme) Delete(_ context.Context, path string) error {
	err := os.Remove(toFSPath(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s LocalScheme) Checksum(_ context.Context, path string, kind HashKind) (string, error) {
	f, err := os.Open(toFSPath(path))
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f, kind)
}

func (LocalScheme) ListDir(_ context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(toFSPath(path))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out, nil
}

func (LocalScheme) Capabilities() Capabilities {
	return Capabilities{ListDir: true, Delete: true}
}

// CopyFrom provides a zero-hash-overhead path when both src and dst are
// local: a direct streamed copy instead of a full ReadAll+WriteAll.
func (s LocalScheme) CopyFrom(_ context.Context, src, dst string, srcScheme Scheme) (bool, error) {
	if _, ok := srcScheme.(LocalScheme); !ok {
		if _, ok := srcScheme.(*LocalScheme); !ok {
			return false, nil
		}
	}
	dstPath := toFSPath(dst)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return true, err
	}
	in, err := os.Open(toFSPath(src))
	if err != nil {
		return true, err
	}
	defer in.Close()
	out, err := os.Create(dstPath)
	if err != nil {
		return true, err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return true, err
	}
	return true, nil
}
