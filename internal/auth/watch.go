package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"alexwatch/internal/shared/async"
)

// ReadTokenFile returns the trimmed contents of path.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WatchFile loads the token at path into h and keeps it in sync until ctx is
// done. The parent directory is watched so editors that replace the file are
// still seen.
func WatchFile(ctx context.Context, path string, h *Holder) error {
	path = filepath.Clean(path)
	token, err := ReadTokenFile(path)
	if err != nil {
		return err
	}
	h.Set(token)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	async.Go(h.logger, "auth.watch_file", func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				token, err := ReadTokenFile(path)
				if err != nil {
					h.logger.Warn("token file changed but could not be read: %v", err)
					continue
				}
				if token != "" {
					h.Set(token)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("token watcher error: %v", err)
			}
		}
	})
	return nil
}
