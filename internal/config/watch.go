package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window: editors emit bursts of write/rename events per save.
const watchSettle = 250 * time.Millisecond

// Watch reloads the config file on change and calls onChange with each new
// valid config. Invalid intermediate states (half-written files, validation
// failures) are logged and skipped — the last good config stays active.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save,
	// which would drop a watch on the file's inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var settle *time.Timer
	var settleC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(watchSettle)
			} else {
				settle.Reset(watchSettle)
			}
			settleC = settle.C

		case <-settleC:
			settleC = nil
			cfg, err := Load(path)
			if err != nil {
				log.Printf("CONFIG: reload skipped: %v", err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watch error: %v", err)
		}
	}
}
