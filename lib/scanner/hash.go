// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scanner

import (
	"context"
	"encoding/hex"
	"io"
	"os"

	"lukechampine.com/blake3"
)

const (
	hashSize   = 32
	readBuffer = 128 << 10
)

// HashFile returns the hex encoded BLAKE3 digest of the file content.
func HashFile(ctx context.Context, path string) (string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fd.Close()
	return hashReader(ctx, fd)
}

func hashReader(ctx context.Context, r io.Reader) (string, error) {
	h := blake3.New(hashSize, nil)
	buf := make([]byte, readBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		h.Write(buf[:n])
		if err == io.EOF {
			break
		} else if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
