package checks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileChecker(t *testing.T) {
	if err := FileChecker("/tmp").Check(context.Background()); err == nil {
		t.Errorf("/tmp was expected as exists")
	}

	if err := FileChecker("NoSuchFileFromMoon").Check(context.Background()); err != nil {
		t.Errorf("NoSuchFileFromMoon was expected as not exists, error:%v", err)
	}
}

func TestHTTPChecker(t *testing.T) {
	if err := HTTPChecker("https://www.google.cybertron", 200, 0, nil).Check(context.Background()); err == nil {
		t.Errorf("Google on Cybertron was expected as not exists")
	}

	if err := HTTPChecker("https://www.google.pt", 200, 0, nil).Check(context.Background()); err != nil {
		t.Errorf("Google at Portugal was expected as exists, error:%v", err)
	}
}

func TestStorageRootChecker(t *testing.T) {
	root := t.TempDir()
	if err := StorageRootChecker(root).Check(context.Background()); err != nil {
		t.Errorf("expected writable temp dir to pass, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".health-check")); !os.IsNotExist(err) {
		t.Errorf("expected marker file to be removed after check, stat err = %v", err)
	}

	missing := filepath.Join(root, "does", "not", "exist")
	if err := StorageRootChecker(missing).Check(context.Background()); err == nil {
		t.Errorf("expected missing storage root to fail")
	}
}
