package prefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File is a store persisted as a YAML document. Saves replace the file
// atomically; external edits are picked up by a watcher and reported to
// listeners like local edits.
type File struct {
	*values
	path    string
	log     *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// OpenFile loads path, which may not exist yet, and starts watching it.
func OpenFile(path string, log *zap.Logger) (*File, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f := &File{
		values: newValues(),
		path:   path,
		log:    log,
		done:   make(chan struct{}),
	}

	data, err := readYAML(path)
	if err != nil {
		return nil, err
	}
	f.data = data

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create preferences directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// The directory is watched because saves replace the file.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	f.watcher = w
	go f.watch()
	return f, nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Edit implements Store.
func (f *File) Edit() *Edit {
	return &Edit{target: f, changes: map[string]any{}}
}

// Close stops the watcher.
func (f *File) Close() error {
	select {
	case <-f.done:
		return nil
	default:
		close(f.done)
	}
	return f.watcher.Close()
}

func (f *File) commit(changes map[string]any) error {
	f.mu.Lock()
	next, changed := f.apply(changes)
	if len(changed) == 0 {
		f.mu.Unlock()
		return nil
	}
	if err := writeYAML(f.path, next); err != nil {
		f.mu.Unlock()
		return err
	}
	f.data = next
	f.mu.Unlock()

	f.notify(changed)
	return nil
}

func (f *File) watch() {
	name := filepath.Clean(f.path)
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			f.reload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("preferences watcher error", zap.Error(err))
		}
	}
}

func (f *File) reload() {
	data, err := readYAML(f.path)
	if err != nil {
		f.log.Warn("failed to reload preferences", zap.String("path", f.path), zap.Error(err))
		return
	}
	changed := f.replace(data)
	if len(changed) > 0 {
		f.log.Debug("preferences reloaded", zap.Strings("keys", changed))
	}
	f.notify(changed)
}

func readYAML(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse preferences %s: %w", path, err)
	}

	data := make(map[string]any, len(doc))
	for k, v := range doc {
		switch tv := v.(type) {
		case []any:
			arr := make([]string, 0, len(tv))
			for _, e := range tv {
				arr = append(arr, fmt.Sprint(e))
			}
			data[k] = arr
		case nil:
		default:
			data[k] = fmt.Sprint(tv)
		}
	}
	return data, nil
}

func writeYAML(path string, data map[string]any) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".prefs-*")
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}
