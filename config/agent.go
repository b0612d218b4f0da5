/*
Copyright 2018 The OpenCV Infrastructure Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Agent watches a path and serves the latest parsed config.
type Agent struct {
	mut     sync.RWMutex
	c       *Config
	watcher *fsnotify.Watcher
}

// Start loads the config once and begins watching the file for changes.
// A config that fails to parse after an update is logged and skipped; the
// previous snapshot stays in effect.
func (a *Agent) Start(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	a.Set(c)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	a.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				nc, err := Load(path)
				if err != nil {
					logrus.WithField("path", path).WithError(err).Error("Error loading config.")
					continue
				}
				a.Set(nc)
				logrus.WithField("path", path).Info("Updated config.")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.WithError(err).Error("Config watcher error.")
			}
		}
	}()
	return nil
}

// Stop ends config watching.
func (a *Agent) Stop() {
	if a.watcher != nil {
		a.watcher.Close()
	}
}

// Config returns the latest config snapshot.
func (a *Agent) Config() *Config {
	a.mut.RLock()
	defer a.mut.RUnlock()
	return a.c
}

// Set sets the config snapshot directly. Used for testing.
func (a *Agent) Set(c *Config) {
	a.mut.Lock()
	defer a.mut.Unlock()
	a.c = c
}
