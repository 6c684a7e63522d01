package servicenow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// packageFile is the on-disk shape of the tool-package config:
//
//	packages:
//	  - incident_management
//	  - record_query
type packageFile struct {
	Packages []string `yaml:"packages"`
}

// PackageFilter restricts which tool packages are exposed. The backing file
// is watched; edits take effect without a restart and are announced to the
// engine through Changes.
type PackageFilter struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	enabled map[string]struct{}

	changes chan struct{}
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// LoadPackageFilter reads the package config at path and starts watching it
// for changes. Close the filter to stop the watcher.
func LoadPackageFilter(path string, log *slog.Logger) (*PackageFilter, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &PackageFilter{
		path:    path,
		log:     log,
		changes: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	if err := f.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors typically replace the file, which drops a
	// watch placed on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	f.watcher = w
	go f.watch()
	return f, nil
}

// Close stops the file watcher.
func (f *PackageFilter) Close() error {
	close(f.closed)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

// Allows reports whether the named package is enabled.
func (f *PackageFilter) Allows(pkg string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.enabled[pkg]
	return ok
}

// Packages returns the enabled package names.
func (f *PackageFilter) Packages() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.enabled))
	for pkg := range f.enabled {
		out = append(out, pkg)
	}
	return out
}

// Changes signals after every successful reload. The channel has capacity
// one; coalesced signals are fine, listings re-read the full state.
func (f *PackageFilter) Changes() <-chan struct{} {
	return f.changes
}

// Reload re-reads the config file immediately.
func (f *PackageFilter) Reload() error {
	if err := f.reload(); err != nil {
		return err
	}
	f.notify()
	return nil
}

func (f *PackageFilter) reload() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read package config: %w", err)
	}
	var pf packageFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return fmt.Errorf("failed to parse package config: %w", err)
	}
	enabled := make(map[string]struct{}, len(pf.Packages))
	for _, pkg := range pf.Packages {
		enabled[pkg] = struct{}{}
	}

	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()

	f.log.Info("tool_packages.loaded", slog.String("path", f.path), slog.Int("count", len(enabled)))
	return nil
}

func (f *PackageFilter) notify() {
	select {
	case f.changes <- struct{}{}:
	default:
	}
}

func (f *PackageFilter) watch() {
	for {
		select {
		case <-f.closed:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				// Keep serving the last good config on a bad edit.
				f.log.Warn("tool_packages.reload.fail", slog.String("err", err.Error()))
				continue
			}
			f.notify()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("tool_packages.watch.err", slog.String("err", err.Error()))
		}
	}
}
