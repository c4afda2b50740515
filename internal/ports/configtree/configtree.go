// Package configtree implements ports.ConfigTreePort over an on-disk agent-runner config
// directory (codex's ~/.codex, amp's ~/.amp, ...), watched with fsnotify so the Transport
// Hub can be told when a file changes underneath the IDE, the same debounced-watcher shape
// the coordination process already uses for workspace filesystem events.
package configtree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/luban-ide/luban-core/internal/ports"
)

// Port is the concrete ports.ConfigTreePort implementation rooted at one directory.
type Port struct {
	root string
}

// New constructs a Port rooted at root. root need not exist yet; Check reports that.
func New(root string) *Port {
	return &Port{root: root}
}

// Check reports whether the config root exists and is readable.
func (p *Port) Check(ctx context.Context) (bool, string) {
	info, err := os.Stat(p.root)
	if err != nil {
		return false, fmt.Sprintf("config root %s: %v", p.root, err)
	}
	if !info.IsDir() {
		return false, fmt.Sprintf("config root %s is not a directory", p.root)
	}
	return true, ""
}

// Tree walks the config root and returns its full directory structure.
func (p *Port) Tree(ctx context.Context) (ports.ConfigNode, error) {
	return p.walk(p.root, filepath.Base(p.root))
}

func (p *Port) walk(absPath, name string) (ports.ConfigNode, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return ports.ConfigNode{}, err
	}
	node := ports.ConfigNode{Name: name, IsDir: info.IsDir()}
	if !info.IsDir() {
		return node, nil
	}
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return ports.ConfigNode{}, err
	}
	for _, e := range entries {
		if isProtectedName(e.Name()) {
			continue
		}
		child, err := p.walk(filepath.Join(absPath, e.Name()), e.Name())
		if err != nil {
			continue
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// ListDir lists one directory's immediate entries.
func (p *Port) ListDir(ctx context.Context, relPath string) ([]ports.ConfigEntry, error) {
	abs, err := p.resolve(relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	out := make([]ports.ConfigEntry, 0, len(entries))
	for _, e := range entries {
		if isProtectedName(e.Name()) {
			continue
		}
		out = append(out, ports.ConfigEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

// ReadFile returns the contents of relPath within the config root.
func (p *Port) ReadFile(ctx context.Context, relPath string) (string, error) {
	abs, err := p.resolve(relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile overwrites relPath within the config root, creating parent directories as needed.
func (p *Port) WriteFile(ctx context.Context, relPath, contents string) error {
	abs, err := p.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(contents), 0o644)
}

// resolve joins relPath onto the config root and rejects any attempt to escape it.
func (p *Port) resolve(relPath string) (string, error) {
	abs := filepath.Join(p.root, relPath)
	if !strings.HasPrefix(abs, filepath.Clean(p.root)+string(os.PathSeparator)) && abs != p.root {
		return "", fmt.Errorf("path %q escapes config root", relPath)
	}
	return abs, nil
}

func isProtectedName(name string) bool {
	return name == ".git" || name == ".DS_Store"
}

// Watch starts a debounced fsnotify watcher over the config root and calls onChange
// (with the relative path of the changed file) no more often than once per 200ms per
// path. The returned stop function tears the watcher down.
func (p *Port) Watch(onChange func(relPath string)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	var addMu sync.Mutex
	watched := map[string]struct{}{}
	addWatch := func(dir string) {
		addMu.Lock()
		defer addMu.Unlock()
		if _, ok := watched[dir]; ok {
			return
		}
		if err := w.Add(dir); err != nil {
			slog.Debug("configtree: failed to watch dir", "dir", dir, "error", err)
			return
		}
		watched[dir] = struct{}{}
	}

	_ = filepath.WalkDir(p.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d == nil || !d.IsDir() {
			return nil
		}
		addWatch(path)
		return nil
	})

	var debMu sync.Mutex
	debounced := map[string]time.Time{}
	const window = 200 * time.Millisecond
	ticker := time.NewTicker(100 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				debMu.Lock()
				var ready []string
				for rel, t := range debounced {
					if now.Sub(t) >= window {
						ready = append(ready, rel)
						delete(debounced, rel)
					}
				}
				debMu.Unlock()
				for _, rel := range ready {
					onChange(rel)
				}
			case <-done:
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addWatch(ev.Name)
				}
				rel, err := filepath.Rel(p.root, ev.Name)
				if err != nil || isProtectedName(filepath.Base(rel)) {
					continue
				}
				debMu.Lock()
				debounced[rel] = time.Now()
				debMu.Unlock()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		_ = w.Close()
	}, nil
}
