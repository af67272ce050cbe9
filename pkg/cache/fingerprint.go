package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/latticeflow/wfengine/pkg/iocap"
)

// TaskBody is the cacheable identity of a task's definition: its command
// template, declared outputs, and declared runtime attributes, exactly
// as they affect execution (spec §3 Cache Fingerprint component 1).
type TaskBody struct {
	CommandTemplate   string
	DeclaredOutputs   []string
	DeclaredRuntime   string
	ImageDigestOrName string // digest when available, falls back to tag
}

// InputValue is one resolved input: either a file (hashed by content
// digest) or a structural (non-file) value hashed as its string form.
type InputValue struct {
	Name   string
	IsFile bool
	Path   string // when IsFile
	Scalar string // when !IsFile
}

// Fingerprint computes the deterministic cache key from a task's body,
// its resolved inputs, and the backend's resolved image identity. File
// inputs are content-hashed through the supplied Resolver so the
// fingerprint is insensitive to path rewrites that don't change bytes.
func Fingerprint(ctx context.Context, resolver *iocap.Resolver, body TaskBody, inputs []InputValue) (string, error) {
	h := sha256.New()

	fmt.Fprintf(h, "cmd:%s\n", body.CommandTemplate)
	outs := append([]string(nil), body.DeclaredOutputs...)
	sort.Strings(outs)
	for _, o := range outs {
		fmt.Fprintf(h, "out:%s\n", o)
	}
	fmt.Fprintf(h, "runtime:%s\n", body.DeclaredRuntime)
	fmt.Fprintf(h, "image:%s\n", body.ImageDigestOrName)

	sorted := append([]InputValue(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, in := range sorted {
		if in.IsFile {
			digest, err := resolver.Checksum(ctx, in.Path, iocap.HashSHA256)
			if err != nil {
				return "", fmt.Errorf("cache: fingerprint input %q: %w", in.Name, err)
			}
			fmt.Fprintf(h, "file:%s=%s\n", in.Name, digest)
		} else {
			fmt.Fprintf(h, "val:%s=%s\n", in.Name, in.Scalar)
		}
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
