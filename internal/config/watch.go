package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/you/streamstats/internal/multiview"
)

const reloadDebounce = 250 * time.Millisecond

// WatchThresholds reloads the thresholds file on change and hands the result
// to apply until ctx is done. Invalid files are logged and skipped, leaving
// the previous thresholds in place.
func WatchThresholds(ctx context.Context, path string, log *zap.Logger, apply func(multiview.Thresholds) error) error {
	if path == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						log.Warn("config: watch re-add", zap.String("path", ev.Name), zap.Error(err))
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(reloadDebounce)
				}
			case <-debounce.C:
				th, err := LoadThresholds(path)
				if err != nil {
					log.Error("config: thresholds reload failed", zap.String("path", path), zap.Error(err))
					continue
				}
				if err := apply(th); err != nil {
					log.Error("config: thresholds rejected", zap.String("path", path), zap.Error(err))
					continue
				}
				log.Info("config: thresholds reloaded", zap.String("path", path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("config: watch error", zap.Error(err))
			}
		}
	}()
	return nil
}
