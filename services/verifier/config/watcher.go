// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// PolicySource supplies the current policy. Callers read it once per
// operation so one session is handled under one consistent policy.
type PolicySource interface {
	Policy() Policy
}

// StaticPolicy is a PolicySource that never changes.
type StaticPolicy Policy

// Policy implements PolicySource.
func (s StaticPolicy) Policy() Policy {
	return Policy(s)
}

// Watcher reloads the policy section when the config file changes.
//
// # Description
//
// Watches the directory containing the config file, since editors and
// config-map mounts replace files by rename rather than writing in place.
// A reload that fails to parse or validate is logged and ignored; the last
// good policy stays active. Sessions already started keep the time limits
// they were issued with because those are persisted per challenge.
//
// # Thread Safety
//
// Policy is safe for concurrent use. Start should only be called once.
type Watcher struct {
	path     string
	current  atomic.Pointer[Policy]
	watcher  *fsnotify.Watcher
	onChange func(Policy)
}

// NewWatcher creates a watcher seeded with the initial policy.
//
// # Inputs
//
//   - path: Config file to watch.
//   - initial: Policy active until the first successful reload.
//   - onChange: Optional callback invoked after each successful reload.
//
// # Outputs
//
//   - *Watcher: Ready-to-start watcher.
//   - error: Non-nil if the fsnotify watcher cannot be created.
func NewWatcher(path string, initial Policy, onChange func(Policy)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		onChange: onChange,
	}
	w.current.Store(&initial)
	return w, nil
}

// Policy implements PolicySource.
func (w *Watcher) Policy() Policy {
	return *w.current.Load()
}

// Start watches until ctx is cancelled. Run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("Failed to watch config directory, policy hot reload disabled",
			"dir", dir,
			"error", err)
		return
	}
	slog.Debug("Watching config for policy changes", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("Config watcher stopping")
			return
		}
	}
}

// handleEvent reloads on writes and creates of the watched file.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.Reload()
}

// Reload re-reads the file and swaps in its policy if it is valid.
// Returns true when the policy was replaced.
func (w *Watcher) Reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("Ignoring invalid policy reload, keeping previous policy",
			"path", w.path,
			"error", err)
		return false
	}
	p := cfg.Policy
	w.current.Store(&p)
	slog.Info("Verification policy reloaded",
		"path", w.path,
		"pass_threshold", p.PassThreshold,
		"session_ttl", p.SessionTTL.String())
	if w.onChange != nil {
		w.onChange(p)
	}
	return true
}

// Stop releases the fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
