// internal/app/watch.go
package app

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wevov/liaotian/internal/config"
)

// watchConfig reloads and validates the config file whenever it changes on
// disk. Identity, listen port, and storage changes need a restart; the
// watcher's job is to catch broken edits early and say so.
func watchConfig(ctx context.Context, cfgPath string) {
	if cfgPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
		return
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		log.Printf("APP: config watch failed: %v", err)
		return
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cfgPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				if _, err := config.Load(cfgPath); err != nil {
					log.Printf("APP: config edit is invalid, keeping current settings: %v", err)
					return
				}
				log.Printf("APP: config changed on disk; restart to apply")
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("APP: config watch error: %v", err)
		}
	}
}
