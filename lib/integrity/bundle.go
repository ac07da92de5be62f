// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package integrity

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lz4 "github.com/pierrec/lz4/v4"
)

// MetadataName is the bundle entry holding the JSON metadata.
const MetadataName = "files_metadata.json"

var (
	errNoMetadata = errors.New("bundle has no " + MetadataName)
	errBadEntry   = errors.New("bundle entry name is invalid")
)

// Fit splits files, relative to root, into those whose cumulative size
// stays within limit bytes and those that do not fit. Files are taken in
// the given order; a file that does not exist is skipped.
func Fit(root string, files []string, limit int64) (fit, skipped []string) {
	var total int64
	for _, name := range files {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			l.Debugf("not bundling %s: %v", name, err)
			skipped = append(skipped, name)
			continue
		}
		if total+info.Size() > limit {
			skipped = append(skipped, name)
			continue
		}
		total += info.Size()
		fit = append(fit, name)
	}
	return fit, skipped
}

// Compress writes an lz4 compressed tar stream to w holding metadata,
// encoded as JSON under MetadataName, and the given files read from root.
func Compress(w io.Writer, root string, metadata interface{}, files []string) error {
	bs, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	zw := lz4.NewWriter(w)
	tw := tar.NewWriter(zw)

	if err := tw.WriteHeader(&tar.Header{
		Name: MetadataName,
		Mode: 0o600,
		Size: int64(len(bs)),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(bs); err != nil {
		return err
	}

	for _, name := range files {
		if err := addFile(tw, root, name); err != nil {
			return fmt.Errorf("bundling %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

func addFile(tw *tar.Writer, root, name string) error {
	fd, err := os.Open(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.CopyN(tw, fd, info.Size())
	return err
}

// Decompress reads a bundle from r, unpacking its files below dir and
// decoding its metadata into metadata.
func Decompress(r io.Reader, dir string, metadata interface{}) error {
	tr := tar.NewReader(lz4.NewReader(r))
	seenMetadata := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if hdr.Name == MetadataName {
			if err := json.NewDecoder(tr).Decode(metadata); err != nil {
				return fmt.Errorf("decoding %s: %w", MetadataName, err)
			}
			seenMetadata = true
			continue
		}

		if err := extractFile(tr, hdr, dir); err != nil {
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
	}
	if !seenMetadata {
		return errNoMetadata
	}
	return nil
}

func extractFile(r io.Reader, hdr *tar.Header, dir string) error {
	name := hdr.Name
	if !IsLocal(name) {
		return errBadEntry
	}
	dst := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}

	fd, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fd, r); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, hdr.ModTime, hdr.ModTime)
}

// CompressFile is Compress to a newly created file at dst.
func CompressFile(dst, root string, metadata interface{}, files []string) error {
	fd, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := Compress(fd, root, metadata, files); err != nil {
		fd.Close()
		os.Remove(dst)
		return err
	}
	return fd.Close()
}

// DecompressFile is Decompress from the file at src.
func DecompressFile(src, dir string, metadata interface{}) error {
	fd, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fd.Close()
	return Decompress(fd, dir, metadata)
}
