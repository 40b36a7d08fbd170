//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ardnew/softxhci/pkg"
)

// WaitForNode blocks until path exists or ctx is done. The parent
// directory is watched, so nodes created by udev after a driver bind are
// seen without polling.
func WaitForNode(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	// The node may have appeared before the watch was added.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", path, ctx.Err())
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("wait for %s: %w", path, pkg.ErrNoDevice)
			}
			if ev.Name == path && ev.Op&(fsnotify.Create|fsnotify.Chmod) != 0 {
				pkg.LogDebug(pkg.ComponentHAL, "node appeared", "path", path)
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("wait for %s: %w", path, pkg.ErrNoDevice)
			}
			return fmt.Errorf("wait for %s: %w", path, err)
		}
	}
}
