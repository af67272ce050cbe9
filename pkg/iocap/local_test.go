package iocap

import (
	"context"
	"path/filepath"
	"testing"
)

func TestLocalSchemeWriteReadExists(t *testing.T) {
	dir := t.TempDir()
	ls := NewLocalScheme()
	ctx := context.Background()
	p := filepath.Join(dir, "nested", "out.txt")

	ok, err := ls.Exists(ctx, p)
	if err != nil || ok {
		t.Fatalf("expected not-exists before write, got ok=%v err=%v", ok, err)
	}

	if err := ls.WriteAll(ctx, p, []byte("hello")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	ok, err = ls.Exists(ctx, p)
	if err != nil || !ok {
		t.Fatalf("expected exists after write, got ok=%v err=%v", ok, err)
	}

	data, err := ls.ReadAll(ctx, p)
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}

	size, err := ls.Size(ctx, p)
	if err != nil || size != 5 {
		t.Fatalf("Size = %d, %v", size, err)
	}
}

func TestLocalSchemeChecksumKinds(t *testing.T) {
	dir := t.TempDir()
	ls := NewLocalScheme()
	ctx := context.Background()
	p := filepath.Join(dir, "f.txt")
	if err := ls.WriteAll(ctx, p, []byte("payload")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	sha, err := ls.Checksum(ctx, p, HashSHA256)
	if err != nil || sha == "" {
		t.Fatalf("sha256 checksum: %q, %v", sha, err)
	}
	b2, err := ls.Checksum(ctx, p, HashBLAKE2b)
	if err != nil || b2 == "" {
		t.Fatalf("blake2b checksum: %q, %v", b2, err)
	}
	if sha == b2 {
		t.Fatalf("expected distinct digests per hash kind")
	}
}

func TestResolverCopyCrossPath(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver()
	r.Register("file", NewLocalScheme())
	ctx := context.Background()

	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "sub", "dst.txt")
	if err := r.WriteAll(ctx, src, []byte("copyme")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := r.Copy(ctx, src, dst); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	data, err := r.ReadAll(ctx, dst)
	if err != nil || string(data) != "copyme" {
		t.Fatalf("ReadAll dst = %q, %v", data, err)
	}
}

func TestResolverUnregisteredScheme(t *testing.T) {
	r := NewResolver()
	_, err := r.ReadAll(context.Background(), "gs://bucket/key")
	if err == nil {
		t.Fatalf("expected error for unregistered scheme")
	}
}
