// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scanner builds file metadata snapshots of the synchronized
// cluster items.
package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"

	"github.com/secmon/clusterd/lib/config"
	"github.com/secmon/clusterd/lib/integrity"
	"github.com/secmon/clusterd/lib/osutil"
)

type Config struct {
	// Root is the directory the cluster items are relative to.
	Root string
	// Items to walk.
	Items []config.ItemConfiguration
	// Number of routines to use for hashing
	Hashers int
}

type matcher struct {
	item     config.ItemConfiguration
	patterns []glob.Glob
}

func (m matcher) match(base string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	for _, p := range m.patterns {
		if p.Match(base) {
			return true
		}
	}
	return false
}

type walkResult struct {
	name string
	info fs.FileInfo
	item string
}

// Walk returns the metadata snapshot of the files of all items. Items whose
// directory does not exist contribute nothing. A file matched by several
// items belongs to the first.
func Walk(ctx context.Context, cfg Config) (integrity.Snapshot, error) {
	if cfg.Hashers <= 0 {
		cfg.Hashers = runtime.GOMAXPROCS(-1)
	}

	matchers := make([]matcher, 0, len(cfg.Items))
	for _, it := range cfg.Items {
		m := matcher{item: it}
		for _, p := range it.Patterns {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, err
			}
			m.patterns = append(m.patterns, g)
		}
		matchers = append(matchers, m)
	}

	seen := make(map[string]struct{})
	var toHash []walkResult
	for _, m := range matchers {
		res, err := walkItem(ctx, cfg.Root, m)
		if err != nil {
			return nil, err
		}
		for _, r := range res {
			if _, ok := seen[r.name]; ok {
				continue
			}
			seen[r.name] = struct{}{}
			toHash = append(toHash, r)
		}
	}

	snap := make(integrity.Snapshot, len(toHash))
	var mut sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Hashers)
	for _, r := range toHash {
		r := r
		g.Go(func() error {
			sum, err := HashFile(gctx, filepath.Join(cfg.Root, filepath.FromSlash(r.name)))
			if errors.Is(err, fs.ErrNotExist) {
				// Removed since the walk.
				l.Debugln("hash:", r.name, err)
				return nil
			} else if err != nil {
				return err
			}
			mut.Lock()
			snap[r.name] = integrity.FileMetadata{
				Checksum: sum,
				ModTime:  r.info.ModTime().Unix(),
				Size:     r.info.Size(),
				ItemKey:  r.item,
			}
			mut.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func walkItem(ctx context.Context, root string, m matcher) ([]walkResult, error) {
	dir := filepath.Join(root, filepath.FromSlash(m.item.Dir()))
	var res []walkResult

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			l.Debugln("walk:", p, err)
			return nil
		}
		if d.IsDir() {
			if p != dir && !m.item.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), osutil.TempPrefix) {
			return nil
		}
		if !m.match(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			l.Debugln("walk:", p, err)
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		res = append(res, walkResult{
			name: path.Clean(filepath.ToSlash(rel)),
			info: info,
			item: m.item.Key,
		})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return res, err
}
