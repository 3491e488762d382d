package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the catalog directory and refreshes affected entries when
// files change. It blocks until the context is cancelled.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watching catalog dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}
			c.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			c.logger.Warn("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent refreshes the index when apiconfig changes, one API when its
// definition changes, and every definition for anything else (an include
// may belong to any API).
func (c *Catalog) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return
	}
	name := strings.TrimSuffix(base, filepath.Ext(base))

	var err error
	switch {
	case name == "apiconfig":
		err = c.RefreshAll()
	case c.has(name):
		err = c.Refresh(name)
		c.logger.Debug("catalog entry refreshed", slog.String("api", name))
	default:
		c.dropDefinitions()
	}

	if err != nil {
		c.logger.Warn("catalog refresh failed",
			slog.String("file", event.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Catalog) has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.descriptors[name]
	return ok
}

func (c *Catalog) dropDefinitions() {
	c.mu.Lock()
	c.definitions = make(map[string]map[string]any)
	c.generation++
	c.mu.Unlock()
}
