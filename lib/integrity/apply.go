// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package integrity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/secmon/clusterd/lib/config"
	"github.com/secmon/clusterd/lib/osutil"
	"github.com/secmon/clusterd/lib/protocol"
)

const defaultPermissions = 0o660

// An Applier moves files received from a worker into place below Root.
type Applier struct {
	// Root is the node's root directory.
	Root string
	// WorkDir holds unmerged files before they are moved into place.
	WorkDir string
	// Items give the permissions of the moved files.
	Items []config.ItemConfiguration
	// ProtectedFile is a base name never accepted from a worker.
	ProtectedFile string
	// ExtraValidOnly restricts destinations to items marked extra valid,
	// and to the item the file claims to belong to.
	ExtraValidOnly bool
}

// ApplyResult reports the outcome of Apply. Errors are kept per cluster
// item; errors that stopped the whole batch are generic.
type ApplyResult struct {
	TotalUpdated  int                 `json:"total_updated"`
	ErrorsPerItem map[string][]string `json:"errors_per_folder"`
	GenericErrors []string            `json:"generic_errors"`
}

func (r *ApplyResult) itemError(key string, err error) {
	r.ErrorsPerItem[key] = append(r.ErrorsPerItem[key], err.Error())
}

func (r *ApplyResult) stop(err error) {
	r.GenericErrors = append(r.GenericErrors, "Error updating worker files (extra valid): '"+err.Error()+"'.")
}

var errOutsideItem = errors.New("destination is not below an extra-valid item")

// Apply moves the files described by metadata from dir, where a bundle was
// unpacked, to their place below the root. Merged files are split into
// their entries first; an entry older than the local copy is skipped. A
// failure affects only its own file, except for a protected file or the
// context ending, which stop the batch.
func (a Applier) Apply(ctx context.Context, metadata Snapshot, dir string) ApplyResult {
	res := ApplyResult{ErrorsPerItem: make(map[string][]string)}

	for _, name := range metadata.Paths() {
		if ctx.Err() != nil {
			res.GenericErrors = append(res.GenericErrors, "Timeout processing extra-valid files.")
			return res
		}

		md := metadata[name]
		perm := a.permissions(md.ItemKey)
		if md.Merged {
			if err := a.applyMerged(md, dir, perm, &res); err != nil {
				res.stop(err)
				return res
			}
			continue
		}

		dst, err := a.destination(name, md.ItemKey)
		if isProtected(err) {
			res.stop(err)
			return res
		} else if err != nil {
			res.itemError(md.ItemKey, err)
			continue
		}

		src := filepath.Join(dir, filepath.FromSlash(name))
		if err := osutil.SafeMove(src, dst, perm, time.Time{}); err != nil {
			res.itemError(md.ItemKey, err)
			continue
		}
		res.TotalUpdated++
	}

	return res
}

// applyMerged returns an error only when the batch must stop.
func (a Applier) applyMerged(md FileMetadata, dir string, perm os.FileMode, res *ApplyResult) error {
	if !IsLocal(md.MergeName) || !IsLocal(md.MergeType) {
		res.itemError(md.ItemKey, fmt.Errorf("invalid merged file %q of type %q", md.MergeName, md.MergeType))
		return nil
	}
	fd, err := os.Open(filepath.Join(dir, filepath.FromSlash(md.MergeName)))
	if err != nil {
		res.itemError(md.ItemKey, err)
		return nil
	}
	if err := os.MkdirAll(a.WorkDir, 0o750); err != nil {
		fd.Close()
		res.itemError(md.ItemKey, err)
		return nil
	}
	entries, err := Unmerge(fd)
	fd.Close()
	if err != nil {
		// Entries read before the error are still applied.
		res.itemError(md.ItemKey, err)
	}

	for _, e := range entries {
		name := e.Path(md.MergeType)
		dst, err := a.destination(name, md.ItemKey)
		if isProtected(err) {
			return err
		} else if err != nil {
			res.itemError(md.ItemKey, err)
			continue
		}

		if info, err := os.Stat(dst); err == nil && info.ModTime().Truncate(time.Second).After(e.ModTime) {
			l.Debugf("not replacing %s, local copy is newer", name)
			continue
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			res.itemError(md.ItemKey, err)
			continue
		}

		tmp := filepath.Join(a.WorkDir, e.Name)
		if err := os.WriteFile(tmp, e.Data, 0o600); err != nil {
			res.itemError(md.ItemKey, err)
			continue
		}
		if err := osutil.SafeMove(tmp, dst, perm, e.ModTime); err != nil {
			os.Remove(tmp)
			res.itemError(md.ItemKey, err)
			continue
		}
		res.TotalUpdated++
	}
	return nil
}

// destination returns where the file name of item itemKey goes below the
// root.
func (a Applier) destination(name, itemKey string) (string, error) {
	if !IsLocal(name) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if a.ProtectedFile != "" && path.Base(name) == a.ProtectedFile {
		return "", protocol.NewError(protocol.KindPermissionDenied, protocol.CodeProtectedFile, "%s file received from worker, only the local one is valid", a.ProtectedFile)
	}
	if a.ExtraValidOnly && !a.inExtraValidItem(name, itemKey) {
		return "", fmt.Errorf("%s: %w", name, errOutsideItem)
	}
	return filepath.Join(a.Root, filepath.FromSlash(name)), nil
}

func (a Applier) inExtraValidItem(name, itemKey string) bool {
	for _, it := range a.Items {
		if it.ExtraValid && it.Key == itemKey && strings.HasPrefix(name, it.Dir()+"/") {
			return true
		}
	}
	return false
}

func isProtected(err error) bool {
	var perr *protocol.Error
	return errors.As(err, &perr) && perr.Code == protocol.CodeProtectedFile
}

func (a Applier) permissions(itemKey string) os.FileMode {
	for _, it := range a.Items {
		if it.Key == itemKey && it.Permissions != 0 {
			return it.Permissions.Perm()
		}
	}
	return defaultPermissions
}
