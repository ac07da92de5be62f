// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package osutil implements utilities for native OS support.
package osutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Try to keep this entire operation atomic-like. We shouldn't be doing this
// often enough that there is any contention on this lock.
var renameLock sync.Mutex

// TryRename renames a file, leaving source file intact in case of failure.
// Tries hard to succeed by temporarily tweaking directory permissions.
func TryRename(from, to string) error {
	renameLock.Lock()
	defer renameLock.Unlock()

	return withPreparedTarget(to, func() error {
		return os.Rename(from, to)
	})
}

// Copy copies the file content from source to destination.
func Copy(from, to string) error {
	return withPreparedTarget(to, func() error {
		return copyFileContents(from, to)
	})
}

// SafeMove moves a file to its final place, creating the destination
// directory as needed. The file is copied when a rename is not possible,
// e.g. across file systems. The permissions are applied, as is the
// modification time unless it is zero.
func SafeMove(from, to string, perm fs.FileMode, mtime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o750); err != nil {
		return err
	}

	if err := TryRename(from, to); err != nil {
		var lerr *os.LinkError
		if !errors.As(err, &lerr) {
			return err
		}
		if err := Copy(from, to); err != nil {
			return err
		}
		os.Remove(from)
	}

	if err := os.Chmod(to, perm); err != nil {
		return err
	}
	if !mtime.IsZero() {
		return os.Chtimes(to, mtime, mtime)
	}
	return nil
}

func withPreparedTarget(to string, f func() error) error {
	// Make sure the destination directory is writeable
	toDir := filepath.Dir(to)
	if info, err := os.Stat(toDir); err == nil && info.IsDir() && info.Mode()&0o200 == 0 {
		os.Chmod(toDir, 0o755)
		defer os.Chmod(toDir, info.Mode())
	}
	return f()
}

// copyFileContents copies the contents of the file named src to the file named
// by dst. The file will be created if it does not already exist. If the
// destination file exists, all it's contents will be replaced by the contents
// of the source file.
func copyFileContents(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer func() {
		cerr := out.Close()
		if err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return
}
