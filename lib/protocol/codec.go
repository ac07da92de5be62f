// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"fmt"
)

// A Frame is one header and payload unit as read from the wire. The
// payload of a divided message's frame is a slice of the encrypted whole.
type Frame struct {
	Header
	Payload []byte
}

// A Message is a complete, decrypted message.
type Message struct {
	Counter uint32
	Command string
	Payload []byte
}

// EncodeFrames builds the frames for one message. The payload is encrypted
// as a whole. Messages whose plain payload is larger than chunk are divided
// into frames of at most chunk bytes each, header included, sharing the
// counter. Every frame but the last carries the division flag.
func EncodeFrames(command string, counter uint32, payload []byte, chunk int, sc *SecureChannel) ([][]byte, error) {
	if _, err := encodeCommand(command, false); err != nil {
		return nil, err
	}
	if chunk <= HeaderLength {
		return nil, fmt.Errorf("request chunk %d too small", chunk)
	}

	enc := sc.Encrypt(payload)

	if len(payload) <= chunk {
		return [][]byte{buildFrame(command, counter, false, enc)}, nil
	}

	per := chunk - HeaderLength
	frames := make([][]byte, 0, (len(enc)+per-1)/per)
	for off := 0; off < len(enc); off += per {
		end := off + per
		if end > len(enc) {
			end = len(enc)
		}
		frames = append(frames, buildFrame(command, counter, end < len(enc), enc[off:end]))
	}
	return frames, nil
}

func buildFrame(command string, counter uint32, divided bool, payload []byte) []byte {
	bs := make([]byte, HeaderLength+len(payload))
	hdr := Header{
		Counter: counter,
		Length:  uint32(len(payload)),
		Command: command,
		Divided: divided,
	}
	if err := hdr.MarshalTo(bs); err != nil {
		panic("bug: command validated but not encodable: " + err.Error())
	}
	copy(bs[HeaderLength:], payload)
	return bs
}

// A Decoder splits a byte stream into frames. It accepts data in
// arbitrarily sized pieces and never blocks.
type Decoder struct {
	hdrBuf    []byte
	hdr       Header
	payload   []byte
	received  int
	inPayload bool
}

// Feed consumes data and returns the frames completed by it, if any.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	var frames []Frame
	for len(data) > 0 {
		if !d.inPayload {
			need := HeaderLength - len(d.hdrBuf)
			if len(data) < need {
				d.hdrBuf = append(d.hdrBuf, data...)
				return frames, nil
			}
			d.hdrBuf = append(d.hdrBuf, data[:need]...)
			data = data[need:]

			hdr, err := ParseHeader(d.hdrBuf)
			d.hdrBuf = d.hdrBuf[:0]
			if err != nil {
				return frames, err
			}
			d.hdr = hdr
			d.payload = make([]byte, hdr.Length)
			d.received = 0
			d.inPayload = true
		}

		n := copy(d.payload[d.received:], data)
		d.received += n
		data = data[n:]

		if d.received == len(d.payload) {
			frames = append(frames, Frame{Header: d.hdr, Payload: d.payload})
			d.payload = nil
			d.inPayload = false
		}
	}
	return frames, nil
}

// Pending returns whether a partial frame is buffered.
func (d *Decoder) Pending() bool {
	return d.inPayload || len(d.hdrBuf) > 0
}

// A Reassembler joins divided messages and decrypts complete ones.
type Reassembler struct {
	sc      *SecureChannel
	divided map[uint32][]byte
}

func NewReassembler(sc *SecureChannel) *Reassembler {
	return &Reassembler{
		sc:      sc,
		divided: make(map[uint32][]byte),
	}
}

// Add processes one frame. It returns the complete message and true when
// the frame finished one; continuation frames are buffered by counter.
// Decryption failures return ErrDecryption.
func (r *Reassembler) Add(f Frame) (Message, bool, error) {
	prefix, hasPrefix := r.divided[f.Counter]

	if f.Divided {
		if len(prefix)+len(f.Payload) > MaxMessageLen {
			delete(r.divided, f.Counter)
			return Message{}, false, newProtocolError(fmt.Errorf("divided message exceeds %d bytes", MaxMessageLen), f.Header.String())
		}
		r.divided[f.Counter] = append(prefix, f.Payload...)
		return Message{}, false, nil
	}

	payload := f.Payload
	if hasPrefix {
		payload = append(prefix, payload...)
		delete(r.divided, f.Counter)
	}

	dec, err := r.sc.Decrypt(payload)
	if err != nil {
		return Message{}, false, err
	}
	return Message{Counter: f.Counter, Command: f.Command, Payload: dec}, true, nil
}

// Buffered returns the number of divided messages being assembled.
func (r *Reassembler) Buffered() int {
	return len(r.divided)
}
