package directory

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig tunes Watch. Zero values take the defaults.
type WatchConfig struct {
	// Debounce coalesces bursts of file events into one reload.
	Debounce time.Duration
	// PollInterval is the fallback check when fsnotify is unavailable, and
	// a safety net when it is.
	PollInterval time.Duration
	// OnReload is called after every reload attempt.
	OnReload func(err error)
}

// Watch reloads the directory when its files change, until ctx is done.
// It uses fsnotify when it can and falls back to polling file modification
// times otherwise.
func (d *Directory) Watch(ctx context.Context, cfg WatchConfig) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn(ctx, "fsnotify unavailable, polling directory", "error", err, "dir", d.dir)
		d.poll(ctx, cfg)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := d.addWatches(watcher); err != nil {
		d.logger.Warn(ctx, "cannot watch directory, polling", "error", err, "dir", d.dir)
		d.poll(ctx, cfg)
		return
	}

	fallback := time.NewTicker(cfg.PollInterval)
	defer fallback.Stop()

	debounce := time.NewTimer(cfg.Debounce)
	debounce.Stop()
	last, _ := d.fingerprint()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			debounce.Reset(cfg.Debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn(ctx, "directory watcher error", "error", err)
		case <-debounce.C:
			last = d.reloadIfChanged(ctx, cfg, last, true)
		case <-fallback.C:
			last = d.reloadIfChanged(ctx, cfg, last, false)
		}
	}
}

func (d *Directory) poll(ctx context.Context, cfg WatchConfig) {
	t := time.NewTicker(cfg.PollInterval)
	defer t.Stop()
	last, _ := d.fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			last = d.reloadIfChanged(ctx, cfg, last, false)
		}
	}
}

// reloadIfChanged reloads when force is set or the directory fingerprint
// moved, and returns the fingerprint to compare against next time.
func (d *Directory) reloadIfChanged(ctx context.Context, cfg WatchConfig, last string, force bool) string {
	fp, err := d.fingerprint()
	if err != nil {
		d.logger.Warn(ctx, "directory fingerprint failed", "error", err)
		return last
	}
	if !force && fp == last {
		return last
	}
	err = d.Reload()
	if err != nil {
		d.logger.Error(ctx, err, "directory reload failed, keeping previous configuration", "dir", d.dir)
	} else {
		d.logger.Info(ctx, "directory reloaded", "dir", d.dir, "tenants", len(d.TenantIDs()))
	}
	if cfg.OnReload != nil {
		cfg.OnReload(err)
	}
	return fp
}

// addWatches watches the directory and every subdirectory below it, where
// script files live.
func (d *Directory) addWatches(w *fsnotify.Watcher) error {
	return filepath.WalkDir(d.dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// fingerprint summarizes names, sizes and modification times of every
// regular file under the directory.
func (d *Directory) fingerprint() (string, error) {
	var parts []string
	err := filepath.WalkDir(d.dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return nil //nolint:nilerr // file vanished between readdir and stat
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano()))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(parts)
	return fmt.Sprint(parts), nil
}
