package state

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"forgeloop/internal/logging"
)

// Watcher flags files edited outside the tool dispatcher. It watches the
// directories of tracked files and compares content digests against the
// recorded FileState hash; mismatches are logged and recorded as
// correlation evidence.
type Watcher struct {
	store      *Store
	projectDir string
	fsw        *fsnotify.Watcher
	done       chan struct{}
	stopped    chan struct{}
}

// NewWatcher starts watching the project directory. Callers must Stop it.
func NewWatcher(store *Store, projectDir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:      store,
		projectDir: projectDir,
		fsw:        fsw,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	if err := fsw.Add(projectDir); err != nil {
		fsw.Close()
		return nil, err
	}
	w.addTrackedDirs()

	go w.loop()
	return w, nil
}

// addTrackedDirs registers the parent directories of every tracked file.
func (w *Watcher) addTrackedDirs() {
	snap, err := w.store.Snapshot()
	if err != nil {
		return
	}
	seen := map[string]bool{w.projectDir: true}
	for path := range snap.Files {
		dir := filepath.Join(w.projectDir, filepath.Dir(path))
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := w.fsw.Add(dir); err != nil {
			logging.StateDebug("watcher: cannot watch %s: %v", dir, err)
		}
	}
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.checkEvent(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.StateDebug("watcher error: %v", err)
		}
	}
}

// checkEvent compares the digest of a tracked file against its record.
func (w *Watcher) checkEvent(absPath string) {
	rel, err := filepath.Rel(w.projectDir, absPath)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	snap, err := w.store.Snapshot()
	if err != nil {
		return
	}
	fs, ok := snap.Files[rel]
	if !ok || fs.Hash == "" {
		return
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return
	}
	if HashContent(content) == fs.Hash {
		return
	}

	logging.StateWarn("external edit detected: %s (hash mismatch)", rel)
	if err := w.store.AddCorrelation("watcher", "external_edit", rel); err != nil {
		logging.StateDebug("watcher: correlation record failed: %v", err)
	}
}

// Stop closes the underlying watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
	<-w.stopped
}
