// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// CommandLength is the size of the command field, including the
	// trailing division flag.
	CommandLength = 12

	// HeaderLength is counter (4) + length (4) + command (12).
	HeaderLength = 8 + CommandLength

	// MaxCommandNameLength leaves room for the division flag. A name of
	// this length has no separating space.
	MaxCommandNameLength = CommandLength - 1

	// DefaultRequestChunk is the largest payload sent in a single frame
	// before the message is divided.
	DefaultRequestChunk = 5242880

	// MaxMessageLen is the largest frame or reassembled message allowed on
	// the wire. (500 MB)
	MaxMessageLen = 500 * 1000 * 1000
)

const (
	divideFlag = 'd'
	fillerByte = '-'
)

// A Header precedes every frame on the wire.
type Header struct {
	Counter uint32
	Length  uint32
	Command string
	Divided bool
}

func (h Header) String() string {
	flag := ""
	if h.Divided {
		flag = " (divided)"
	}
	return fmt.Sprintf("%s#%d len=%d%s", h.Command, h.Counter, h.Length, flag)
}

// MarshalTo writes the header into the first HeaderLength bytes of bs.
func (h Header) MarshalTo(bs []byte) error {
	if len(bs) < HeaderLength {
		return fmt.Errorf("buffer too short for header (%d < %d)", len(bs), HeaderLength)
	}
	cmd, err := encodeCommand(h.Command, h.Divided)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(bs[0:], h.Counter)
	binary.BigEndian.PutUint32(bs[4:], h.Length)
	copy(bs[8:HeaderLength], cmd[:])
	return nil
}

// ParseHeader decodes the first HeaderLength bytes of bs.
func ParseHeader(bs []byte) (Header, error) {
	if len(bs) < HeaderLength {
		return Header{}, newProtocolError(fmt.Errorf("short header (%d bytes)", len(bs)), "header")
	}
	h := Header{
		Counter: binary.BigEndian.Uint32(bs[0:]),
		Length:  binary.BigEndian.Uint32(bs[4:]),
	}
	if h.Length > MaxMessageLen {
		return Header{}, newProtocolError(fmt.Errorf("frame length %d exceeds maximum %d", h.Length, MaxMessageLen), "header")
	}

	cmd := bs[8:HeaderLength]
	h.Divided = cmd[CommandLength-1] == divideFlag
	name, _, _ := bytes.Cut(cmd[:CommandLength-1], []byte{' '})
	if len(name) == 0 {
		return Header{}, newProtocolError(fmt.Errorf("empty command"), "header")
	}
	h.Command = string(name)
	return h, nil
}

// encodeCommand pads the name with a space and filler bytes to the
// command length. The division flag replaces the last byte.
func encodeCommand(name string, divided bool) ([CommandLength]byte, error) {
	var cmd [CommandLength]byte
	if len(name) == 0 || len(name) > MaxCommandNameLength {
		return cmd, newError(KindProtocol, CodeCommandTooLong, "invalid command %q: length must be 1-%d bytes", name, MaxCommandNameLength)
	}
	n := copy(cmd[:], name)
	cmd[n] = ' '
	for i := n + 1; i < CommandLength; i++ {
		cmd[i] = fillerByte
	}
	if divided {
		cmd[CommandLength-1] = divideFlag
	}
	return cmd, nil
}
