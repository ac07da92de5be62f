// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package integrity

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
)

// A merged file bundles many small files of one directory under
// queue/<merge type>/. Each entry is a header line
//
//	!<size> <name> <modification time>
//
// followed by exactly size bytes of content.

const (
	mergedTimeLayout      = "2006-01-02 15:04:05.000000-0700"
	mergedTimeLayoutShort = "2006-01-02 15:04:05-0700"
)

// A MergedEntry is one file within a merged file.
type MergedEntry struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Path returns the entry's path relative to the root directory.
func (e MergedEntry) Path(mergeType string) string {
	return path.Join("queue", mergeType, e.Name)
}

// Merge writes the entries to w in merged format.
func Merge(w io.Writer, entries []MergedEntry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if e.Name == "" || strings.ContainsAny(e.Name, " /\n") {
			return fmt.Errorf("invalid merged entry name %q", e.Name)
		}
		if _, err := fmt.Fprintf(bw, "!%d %s %s\n", len(e.Data), e.Name, e.ModTime.Format(mergedTimeLayout)); err != nil {
			return err
		}
		if _, err := bw.Write(e.Data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Unmerge reads all entries of a merged file.
func Unmerge(r io.Reader) ([]MergedEntry, error) {
	br := bufio.NewReader(r)
	var entries []MergedEntry
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && line == "" {
			return entries, nil
		} else if err != nil {
			return entries, fmt.Errorf("reading merged header: %w", err)
		}

		e, size, err := parseMergedHeader(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return entries, err
		}
		e.Data = make([]byte, size)
		if _, err := io.ReadFull(br, e.Data); err != nil {
			return entries, fmt.Errorf("reading merged entry %s: %w", e.Name, err)
		}
		entries = append(entries, e)
	}
}

func parseMergedHeader(line string) (MergedEntry, int, error) {
	if !strings.HasPrefix(line, "!") {
		return MergedEntry{}, 0, fmt.Errorf("invalid merged header %q", line)
	}
	fields := strings.SplitN(line[1:], " ", 3)
	if len(fields) != 3 {
		return MergedEntry{}, 0, fmt.Errorf("invalid merged header %q", line)
	}
	size, err := strconv.Atoi(fields[0])
	if err != nil || size < 0 {
		return MergedEntry{}, 0, fmt.Errorf("invalid merged entry size %q", fields[0])
	}
	mtime, err := time.Parse(mergedTimeLayout, fields[2])
	if err != nil {
		mtime, err = time.Parse(mergedTimeLayoutShort, fields[2])
		if err != nil {
			return MergedEntry{}, 0, fmt.Errorf("invalid merged entry time %q", fields[2])
		}
	}
	if strings.Contains(fields[1], "/") || fields[1] == "." || fields[1] == ".." {
		return MergedEntry{}, 0, fmt.Errorf("invalid merged entry name %q", fields[1])
	}
	return MergedEntry{Name: fields[1], ModTime: mtime}, size, nil
}
