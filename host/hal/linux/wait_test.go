//go:build linux

package linux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitForNode_Exists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uio0")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WaitForNode(context.Background(), path); err != nil {
		t.Errorf("WaitForNode() = %v", err)
	}
}

func TestWaitForNode_Created(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uio1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- WaitForNode(ctx, path) }()

	// Unrelated nodes are ignored.
	time.Sleep(50 * time.Millisecond)
	os.WriteFile(filepath.Join(dir, "uio2"), nil, 0o600)
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := <-errc; err != nil {
		t.Errorf("WaitForNode() = %v", err)
	}
}

func TestWaitForNode_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := WaitForNode(ctx, filepath.Join(t.TempDir(), "uio9"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestWaitForNode_NoDirectory(t *testing.T) {
	err := WaitForNode(context.Background(), "/nonexistent/dir/uio0")
	if err == nil {
		t.Error("WaitForNode() succeeded on a missing directory")
	}
}
