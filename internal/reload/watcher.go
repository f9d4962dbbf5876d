// Package reload detects edits to the files a monitor configuration is built
// from: the configuration file and, for the script driver, the replayed event
// script.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/timzifer/procwatch/config"
)

// fingerprint identifies file contents. Modification times are ignored: a
// same-size rewrite within the filesystem's timestamp resolution must still
// register, and a touched but unchanged file must not restart the monitor.
type fingerprint struct {
	size   int64
	digest uint64
}

func fingerprintFile(path string) (fingerprint, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fingerprint{}, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fingerprint{}, false
	}
	return fingerprint{size: int64(len(raw)), digest: xxhash.Sum64(raw)}, true
}

// Watcher compares configuration source files against the contents recorded
// by the last Update.
type Watcher struct {
	mu      sync.Mutex
	tracked map[string]fingerprint
}

// NewWatcher records the current contents of the files cfg was built from.
// root, when set, is tracked in addition to cfg.Path.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(root, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the recorded contents with those of the files cfg is built
// from. Files that cannot be read are not tracked.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			paths = append(paths, abs)
		}
	}
	tracked := make(map[string]fingerprint, len(paths))
	for _, path := range paths {
		if _, ok := tracked[path]; ok {
			continue
		}
		if fp, ok := fingerprintFile(path); ok {
			tracked[path] = fp
		}
	}
	w.mu.Lock()
	w.tracked = tracked
	w.mu.Unlock()
	return nil
}

// Check returns the tracked files whose contents changed or that can no
// longer be read, sorted by path.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, recorded := range w.tracked {
		current, ok := fingerprintFile(path)
		if !ok || current != recorded {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}
