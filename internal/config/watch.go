package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// GatewaysWatcher monitors the configured gateways file and invokes the
// supplied callback whenever the merged gateway list changes. Stop must be
// called to release filesystem resources.
type GatewaysWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *GatewaysWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchGateways wires fsnotify around the gateways file and rebuilds the bundle
// on any relevant change. The provided config should come from Loader.Load so
// InlineGateways is already captured. The callback runs once with the current
// bundle before WatchGateways returns.
func (l *Loader) WatchGateways(ctx context.Context, cfg Config, onChange func(GatewayBundle), onError func(error)) (*GatewaysWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch gateways requires a change callback")
	}
	if cfg.Gateways.File == "" {
		return nil, fmt.Errorf("config: no gateways file configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch gateways: %w", err)
	}

	inline := cloneGateways(cfg.InlineGateways)
	bundle, err := buildGatewayBundle(watchCtx, inline, cfg.Gateways.File)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch gateways close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	targetFile := cfg.Gateways.File
	if abs, err := filepath.Abs(targetFile); err == nil {
		targetFile = abs
	} else if onError != nil {
		onError(fmt.Errorf("config: resolve gateways file: %w", err))
	}
	targetFile = filepath.Clean(targetFile)
	// Editors replace files via rename, so the parent directory is watched.
	if err := watcher.Add(filepath.Dir(targetFile)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(targetFile), err)
	}

	done := make(chan struct{})
	watch := &GatewaysWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch gateways close: %w", err))
			}
		}()

		reload := func() {
			bundle, err := buildGatewayBundle(watchCtx, inline, cfg.Gateways.File)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(bundle)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != targetFile {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: gateways file %s removed", targetFile))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
