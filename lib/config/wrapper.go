// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/secmon/clusterd/lib/osutil"
)

// The Committer interface is implemented by objects that need to know about
// or have a say in configuration changes.
//
// When the configuration is about to be changed, VerifyConfiguration() is
// called for each subscribing object, with the old and new configuration. A
// nil error is returned if the new configuration is acceptable. If any
// subscriber returns an error the change is not committed.
//
// If all verification calls return nil, CommitConfiguration() is called for
// each subscribing object. The callee returns true if the new configuration
// has been applied, otherwise false, meaning a restart is needed for it to
// take effect.
type Committer interface {
	VerifyConfiguration(from, to Configuration) error
	CommitConfiguration(from, to Configuration) (handled bool)
	String() string
}

// A Wrapper is a Configuration tied to a file on disk, with change
// notifications to registered Committers.
type Wrapper struct {
	cfg  Configuration
	path string

	subs []Committer
	mut  sync.RWMutex

	requiresRestart bool
}

// Wrap wraps an existing Configuration structure and ties it to a file on
// disk.
func Wrap(path string, cfg Configuration) *Wrapper {
	return &Wrapper{
		cfg:  cfg,
		path: path,
	}
}

// Load loads an existing file on disk and returns a new configuration
// wrapper.
func Load(path string) (*Wrapper, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	cfg, err := ReadXML(fd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.Debugf("Loaded configuration from %s: cluster %q, node %q (%s)", path, cfg.Name, cfg.NodeName, cfg.NodeType)
	return Wrap(path, cfg), nil
}

func (w *Wrapper) ConfigPath() string {
	return w.path
}

// Subscribe registers the given handler to be called on any future
// configuration changes.
func (w *Wrapper) Subscribe(c Committer) {
	w.mut.Lock()
	w.subs = append(w.subs, c)
	w.mut.Unlock()
}

// Unsubscribe de-registers the given handler from any future calls to
// configuration changes.
func (w *Wrapper) Unsubscribe(c Committer) {
	w.mut.Lock()
	defer w.mut.Unlock()
	for i := range w.subs {
		if w.subs[i] == c {
			copy(w.subs[i:], w.subs[i+1:])
			w.subs[len(w.subs)-1] = nil
			w.subs = w.subs[:len(w.subs)-1]
			break
		}
	}
}

// RawCopy returns a copy of the currently wrapped Configuration object.
func (w *Wrapper) RawCopy() Configuration {
	w.mut.RLock()
	defer w.mut.RUnlock()
	return w.cfg.Copy()
}

// Replace swaps the current configuration object for the given one.
func (w *Wrapper) Replace(to Configuration) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	to.prepare()
	if err := to.Validate(); err != nil {
		return err
	}

	from := w.cfg
	for _, sub := range w.subs {
		if err := sub.VerifyConfiguration(from, to.Copy()); err != nil {
			l.Debugln(sub, "rejected config:", err)
			return err
		}
	}

	w.cfg = to
	for _, sub := range w.subs {
		if !sub.CommitConfiguration(from, to.Copy()) {
			l.Debugln(sub, "requires restart")
			w.requiresRestart = true
		}
	}
	return nil
}

func (w *Wrapper) Communication() CommunicationConfiguration {
	w.mut.RLock()
	defer w.mut.RUnlock()
	return w.cfg.Communication
}

func (w *Wrapper) Master() MasterConfiguration {
	w.mut.RLock()
	defer w.mut.RUnlock()
	return w.cfg.Master
}

func (w *Wrapper) Items() []ItemConfiguration {
	return w.RawCopy().Items
}

// Save writes the configuration to disk, atomically through a temporary
// file in the same directory.
func (w *Wrapper) Save() error {
	w.mut.RLock()
	defer w.mut.RUnlock()

	fd, err := osutil.CreateAtomic(w.path)
	if err != nil {
		l.Debugln("CreateAtomic:", err)
		return err
	}

	if err := w.cfg.WriteXML(fd); err != nil {
		l.Debugln("WriteXML:", err)
		fd.Close()
		return err
	}

	if err := fd.Close(); err != nil {
		l.Debugln("Close:", err)
		return err
	}
	return nil
}

// RequiresRestart returns whether a committed change could not be applied
// at runtime.
func (w *Wrapper) RequiresRestart() bool {
	w.mut.RLock()
	defer w.mut.RUnlock()
	return w.requiresRestart
}
