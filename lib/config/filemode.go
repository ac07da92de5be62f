// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"io/fs"
	"strconv"
)

// FileMode is a permission mode, written as an octal string in the
// configuration file.
type FileMode uint32

func (m FileMode) Perm() fs.FileMode {
	return fs.FileMode(m).Perm()
}

func (m FileMode) String() string {
	return "0" + strconv.FormatUint(uint64(m), 8)
}

func (m FileMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *FileMode) UnmarshalText(bs []byte) error {
	v, err := strconv.ParseUint(string(bs), 8, 32)
	if err != nil {
		return err
	}
	*m = FileMode(v)
	return nil
}

func (m *FileMode) ParseDefault(str string) error {
	return m.UnmarshalText([]byte(str))
}
