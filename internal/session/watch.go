package session

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
)

// WatchZoneFile re-applies the zone file whenever it is written. An
// invalid file is rejected and the current zone stays in effect.
func (s *Source) WatchZoneFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create zone watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch zone file %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // debounce
					s.reloadZone(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error("zone watch error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Source) reloadZone(path string) {
	zone, err := geometry.LoadZoneFile(path)
	if err == nil {
		err = s.SetZone(zone)
	}
	if err != nil {
		s.log.Error("zone reload rejected", "path", path, "error", err)
		s.deps.Log.RecordSystem("zone_reload_error", map[string]any{
			"camera_id": s.id,
			"path":      path,
			"error":     err.Error(),
		})
	}
}
