package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dkeye/housecall/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// kindOf maps a file name to the capture device kind it would provide.
func kindOf(name string) (domain.DeviceKind, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	for kind, e := range extensions {
		if e == ext {
			return kind, true
		}
	}
	return "", false
}

// Watch reports device arrivals and removals in the media directory until
// ctx is done. onChange runs on the watcher goroutine.
func (f *Files) Watch(ctx context.Context, onChange func(domain.DeviceKind)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("watch %s: %w", f.dir, err)
	}
	log.Info().Str("module", "capture").Str("dir", f.dir).Msg("watching devices")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			kind, ok := kindOf(event.Name)
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Info().Str("module", "capture").Str("file", filepath.Base(event.Name)).Str("op", event.Op.String()).Msg("device change")
			onChange(kind)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("module", "capture").Msg("watcher error")
		}
	}
}
