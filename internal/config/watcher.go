package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it is written and delivers each
// valid result. Invalid documents are reported on Errors and otherwise
// ignored; the previous config stays in effect.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	cfgC chan Config
	erC  chan error
	done chan struct{}
}

// NewWatcher watches path. The directory is watched rather than the file
// so that editors replacing the file by rename are seen too.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	cw := &Watcher{
		w:    w,
		path: abs,
		cfgC: make(chan Config, 1),
		erC:  make(chan error, 1),
		done: make(chan struct{}),
	}
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(cw.path)
			if err != nil {
				cw.report(err)
				continue
			}
			// keep only the newest config
			select {
			case <-cw.cfgC:
			default:
			}
			cw.cfgC <- cfg
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.report(err)
		}
	}
}

func (cw *Watcher) report(err error) {
	select {
	case cw.erC <- err:
	default:
	}
}

// Path returns the watched file.
func (cw *Watcher) Path() string { return cw.path }

// Configs delivers reloaded configs.
func (cw *Watcher) Configs() <-chan Config { return cw.cfgC }

// Errors delivers load and watch errors. Errors are dropped while one is pending.
func (cw *Watcher) Errors() <-chan error { return cw.erC }

// Close stops watching.
func (cw *Watcher) Close() error {
	err := cw.w.Close()
	<-cw.done
	return err
}
