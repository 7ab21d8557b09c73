package localfs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
)

func TestStorageSaveOpenDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Save(ctx, "b1/0-po.pdf", strings.NewReader("%PDF")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rc, err := s.Open(ctx, "b1/0-po.pdf")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "%PDF" {
		t.Fatalf("content = %q", data)
	}

	if err := s.Delete(ctx, "b1/0-po.pdf"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Open(ctx, "b1/0-po.pdf"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Open(deleted) error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "b1/0-po.pdf"); err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}
}

func TestStorageKeepsKeysInsideBase(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	s, err := New(base)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	path, err := s.path("../../etc/passwd")
	if err != nil {
		t.Fatalf("path() error = %v", err)
	}
	if !strings.HasPrefix(path, base) {
		t.Fatalf("path() = %s escapes %s", path, base)
	}
	if _, err := s.path("/"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("path(/) error = %v, want ErrValidation", err)
	}
}
