package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/scheduler"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

var excludedDirs = map[string]bool{"backups": true, "archive": true, "node_modules": true}

var primaryExtensions = map[string]bool{".crt": true, ".pem": true, ".cer": true, ".cert": true}

var companionExtensions = map[string]bool{
	".key": true, ".csr": true, ".chain": true, ".fullchain": true,
	".p12": true, ".pfx": true, ".der": true, ".p7b": true, ".ext": true,
}

// Watcher auto-imports certificate files appearing in the certificates
// directory and re-dispatches deploy actions when a known primary file is
// rewritten externally. Events are debounced per path so an editor writing
// in several chunks produces one dispatch.
type Watcher struct {
	config *utils.Config
	logger *utils.Logger
	store  *certs.Store
	ignore *scheduler.IgnoreList

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

func New(config *utils.Config, logger *utils.Logger, store *certs.Store, ignore *scheduler.IgnoreList) *Watcher {
	return &Watcher{
		config: config,
		logger: logger,
		store:  store,
		ignore: ignore,
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
}

func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return utils.InternalError("failed to create filesystem watcher", err)
	}
	w.fsw = fsw

	if err := w.addRecursive(w.config.CertsDir); err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(1)
	go w.loop()

	w.logger.WithField("dir", w.config.CertsDir).Info("Directory watcher started")
	return nil
}

// Stop closes the event stream and cancels pending debounce timers.
// Dispatches already started run to completion.
func (w *Watcher) Stop() {
	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}

	w.mu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Directory watcher stopped")
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (excludedDirs[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return utils.IOError("failed to watch "+path, err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.LogError(err, "filesystem watcher", nil)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	base := filepath.Base(path)

	if event.Op.Has(fsnotify.Create) {
		if stat, err := os.Stat(path); err == nil && stat.IsDir() {
			if !excludedDirs[base] && !strings.HasPrefix(base, ".") {
				w.fsw.Add(path)
			}
			return
		}
	}

	if strings.HasPrefix(base, ".") {
		return
	}

	ext := strings.ToLower(filepath.Ext(path))
	primary := primaryExtensions[ext]
	companion := companionExtensions[ext]
	if !primary && !companion {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.logger.WithField("path", path).Debug("Watched file removed, pruned on next load")
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		debounce := w.config.CompanionDebounce
		if primary {
			debounce = w.config.PrimaryDebounce
		}
		w.schedule(path, debounce, primary)
	}
}

// schedule arms (or re-arms) the per-path debounce timer.
func (w *Watcher) schedule(path string, delay time.Duration, primary bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.dispatch(path, primary)
	})
}

func (w *Watcher) dispatch(path string, primary bool) {
	if w.ignore != nil && w.ignore.IsIgnored(path) {
		w.logger.WithField("path", path).Debug("Dropping self-inflicted filesystem event")
		return
	}
	if !utils.FileExists(path) {
		return
	}

	if !primary {
		fingerprint, err := w.store.AttachCompanion(path)
		if err != nil {
			w.logger.WithField("path", path).Debugf("Companion not attached: %v", err)
			return
		}
		w.logger.LogCertificateEvent("companion_attached", fingerprint, map[string]interface{}{"path": path})
		return
	}

	known := w.store.FindByPath(path)
	if err := w.store.Load(false, path); err != nil {
		w.logger.LogError(err, "watcher import", map[string]interface{}{"path": path})
		return
	}

	if known == nil {
		if cert := w.store.FindByPath(path); cert != nil {
			w.logger.LogCertificateEvent("discovered", cert.Fingerprint, map[string]interface{}{"path": path})
		}
		return
	}

	// Known primary rewritten externally, re-run its deploy actions.
	cert := w.store.FindByPath(path)
	if cert == nil || len(cert.DeployActions) == 0 {
		return
	}
	if _, err := w.store.RunDeployActions(context.Background(), cert.Fingerprint); err != nil {
		w.logger.LogError(err, "deploy after external change", map[string]interface{}{"fingerprint": cert.Fingerprint})
	}
}
