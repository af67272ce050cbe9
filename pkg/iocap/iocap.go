// Package iocap implements the uniform read/write/exists/copy/size/hash
// capability over heterogeneous storage schemes (spec §4.A): local disk,
// S3-compatible object storage, and read-only HTTP. The capability shape
// is modeled after the other_examples QueueBackend contract (capability
// flags + typed config + per-backend health), generalized from a queue
// backend to a path backend.
package iocap

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashKind selects the digest algorithm used by Checksum.
type HashKind string

const (
	HashSHA256  HashKind = "sha256"
	HashBLAKE2b HashKind = "blake2b"
)

func newHasher(kind HashKind) (hash.Hash, error) {
	switch kind {
	case HashSHA256, "":
		return sha256.New(), nil
	case HashBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("iocap: unsupported hash kind %q", kind)
	}
}

// Multipart thresholds from spec §4.A.
const (
	DefaultMultipartThreshold = 5 << 30 // 5 GiB
	MinPartSize               = 5 << 20 // 5 MiB
	MaxParts                  = 10000
)

// Capabilities describes what a scheme's implementation supports, in the
// same capability-flag shape the pack's queue-backend contract uses to
// let callers branch on feature support instead of probing behaviorally.
type Capabilities struct {
	ContentAddressableChecksum bool // O(1) checksum via a recorded digest
	Multipart                  bool
	ListDir                    bool
	Delete                     bool
}

// Scheme is one storage backend (local disk, object store, HTTP, ...).
// Implementations live in sibling files (local.go, s3.go, http.go).
type Scheme interface {
	Exists(ctx context.Context, path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
	ReadAll(ctx context.Context, path string) ([]byte, error)
	WriteAll(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Checksum(ctx context.Context, path string, kind HashKind) (string, error)
	ListDir(ctx context.Context, path string) ([]string, error)
	Capabilities() Capabilities
}

// Resolver maps a path's URL scheme to the Scheme implementation that
// serves it, and implements the cross-scheme Copy operation (§4.A).
type Resolver struct {
	schemes map[string]Scheme
}

// NewResolver constructs a Resolver with no schemes registered.
func NewResolver() *Resolver {
	return &Resolver{schemes: make(map[string]Scheme)}
}

// Register associates a URL scheme (e.g. "file", "s3", "https") with its
// Scheme implementation.
func (r *Resolver) Register(urlScheme string, s Scheme) {
	r.schemes[urlScheme] = s
}

func (r *Resolver) resolve(path string) (Scheme, string, error) {
	u, err := url.Parse(path)
	if err != nil || u.Scheme == "" {
		s, ok := r.schemes["file"]
		if !ok {
			return nil, "", fmt.Errorf("iocap: no file scheme registered")
		}
		return s, path, nil
	}
	s, ok := r.schemes[u.Scheme]
	if !ok {
		return nil, "", fmt.Errorf("iocap: unregistered scheme %q in path %q", u.Scheme, path)
	}
	return s, path, nil
}

func (r *Resolver) Exists(ctx context.Context, path string) (bool, error) {
	s, p, err := r.resolve(path)
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, p)
}

func (r *Resolver) Size(ctx context.Context, path string) (int64, error) {
	s, p, err := r.resolve(path)
	if err != nil {
		return 0, err
	}
	return s.Size(ctx, p)
}

func (r *Resolver) ReadAll(ctx context.Context, path string) ([]byte, error) {
	s, p, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return s.ReadAll(ctx, p)
}

func (r *Resolver) WriteAll(ctx context.Context, path string, data []byte) error {
	s, p, err := r.resolve(path)
	if err != nil {
		return err
	}
	return s.WriteAll(ctx, p, data)
}

func (r *Resolver) Delete(ctx context.Context, path string) error {
	s, p, err := r.resolve(path)
	if err != nil {
		return err
	}
	return s.Delete(ctx, p)
}

func (r *Resolver) Checksum(ctx context.Context, path string, kind HashKind) (string, error) {
	s, p, err := r.resolve(path)
	if err != nil {
		return "", err
	}
	return s.Checksum(ctx, p, kind)
}

func (r *Resolver) ListDir(ctx context.Context, path string) ([]string, error) {
	s, p, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return s.ListDir(ctx, p)
}

// Resolve joins a base path with a subpath, honoring the base's scheme.
func Resolve(base, subpath string) string {
	if strings.Contains(base, "://") {
		u, err := url.Parse(base)
		if err == nil {
			u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(subpath, "/")
			return u.String()
		}
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(subpath, "/")
}

// Copy moves data from src to dst, crossing schemes transparently
// (local<->object, object<->object). For mixed schemes it reads the whole
// source into memory and then writes it to dst; same-scheme
// implementations may provide a faster native path by type-asserting to
// copier below.
type copier interface {
	CopyFrom(ctx context.Context, src, dst string, srcScheme Scheme) (bool, error)
}

func (r *Resolver) Copy(ctx context.Context, src, dst string) error {
	srcScheme, srcPath, err := r.resolve(src)
	if err != nil {
		return err
	}
	dstScheme, dstPath, err := r.resolve(dst)
	if err != nil {
		return err
	}

	if c, ok := dstScheme.(copier); ok {
		handled, err := c.CopyFrom(ctx, srcPath, dstPath, srcScheme)
		if err != nil {
			return fmt.Errorf("iocap: copy %s -> %s: %w", src, dst, err)
		}
		if handled {
			return nil
		}
	}

	data, err := srcScheme.ReadAll(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("iocap: read src %s: %w", src, err)
	}
	if err := dstScheme.WriteAll(ctx, dstPath, data); err != nil {
		return fmt.Errorf("iocap: write dst %s: %w", dst, err)
	}
	return nil
}

// hashReader streams r through a hasher and returns the hex digest,
// used by Scheme implementations that can't produce an O(1) digest.
func hashReader(r io.Reader, kind HashKind) (string, error) {
	h, err := newHasher(kind)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("iocap: hash stream: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
