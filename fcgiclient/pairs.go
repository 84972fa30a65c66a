/*
 * Copyright (c) 2016 Moriyoshi Koizumi
 * Copyright (c) 2012 Junqing Tan <ivan@mysqlab.net>
 * Copyright (c) 2012 The Go Authors.
 *
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are
 * met:
 *
 *    * Redistributions of source code must retain the above copyright
 * notice, this list of conditions and the following disclaimer.
 *    * Redistributions in binary form must reproduce the above
 * copyright notice, this list of conditions and the following disclaimer
 * in the documentation and/or other materials provided with the
 * distribution.
 *    * Neither the name of Elazar Leibovich. nor the names of its
 * contributors may be used to endorse or promote products derived from
 * this software without specific prior written permission.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
 * "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
 * LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
 * A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
 * OWNER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
 * SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
 * LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
 * DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
 * THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
 * (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
 * OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
 */
package fcgiclient

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Pair is one FastCGI name/value pair as carried on the PARAMS stream.
type Pair struct {
	Name  string
	Value string
}

// pairChunker encodes name/value pairs into PARAMS-sized payloads, calling
// emit with each full chunk. Chunks are split at pair boundaries whenever a
// pair fits in one record; a pair whose encoding exceeds the record content
// limit spills across consecutive records, which the wire format allows
// since the receiver concatenates PARAMS content before parsing.
type pairChunker struct {
	buf  []byte
	emit func([]byte) error
}

func (c *pairChunker) add(p Pair) error {
	sz := sizeLen(uint32(len(p.Name))) + sizeLen(uint32(len(p.Value))) + len(p.Name) + len(p.Value)
	if len(c.buf) > 0 && len(c.buf)+sz > maxWrite {
		if err := c.flush(); err != nil {
			return err
		}
	}
	c.buf = appendSize(c.buf, uint32(len(p.Name)))
	c.buf = appendSize(c.buf, uint32(len(p.Value)))
	c.buf = append(c.buf, p.Name...)
	c.buf = append(c.buf, p.Value...)
	for len(c.buf) > maxWrite {
		if err := c.emit(c.buf[:maxWrite]); err != nil {
			return err
		}
		c.buf = c.buf[maxWrite:]
	}
	return nil
}

func (c *pairChunker) flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	err := c.emit(c.buf)
	c.buf = c.buf[:0]
	return err
}

func sizeLen(size uint32) int {
	if size > 127 {
		return 4
	}
	return 1
}

func appendSize(b []byte, size uint32) []byte {
	if size > 127 {
		return append(b, byte(size>>24)|0x80, byte(size>>16), byte(size>>8), byte(size))
	}
	return append(b, byte(size))
}

func readSize(b []byte) (uint32, int, error) {
	if len(b) < 1 {
		return 0, 0, errors.Wrap(ErrTruncatedPair, "missing length prefix")
	}
	if b[0] <= 127 {
		return uint32(b[0]), 1, nil
	}
	if len(b) < 4 {
		return 0, 0, errors.Wrap(ErrTruncatedPair, "short 4-byte length prefix")
	}
	return binary.BigEndian.Uint32(b[:4]) &^ (1 << 31), 4, nil
}

// EncodePairs encodes pairs into one or more PARAMS-sized payloads and
// returns them in order. The terminating empty record is the caller's
// business; an empty input yields no chunks.
func EncodePairs(pairs []Pair) ([][]byte, error) {
	var chunks [][]byte
	c := pairChunker{
		emit: func(b []byte) error {
			chunk := make([]byte, len(b))
			copy(chunk, b)
			chunks = append(chunks, chunk)
			return nil
		},
	}
	for _, p := range pairs {
		if err := c.add(p); err != nil {
			return nil, err
		}
	}
	if err := c.flush(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// DecodePairs parses a reassembled PARAMS payload back into pairs. The
// caller must concatenate the content of consecutive PARAMS records first;
// a logical pair may legally span a record boundary.
func DecodePairs(b []byte) ([]Pair, error) {
	var pairs []Pair
	for len(b) > 0 {
		nameLen, n, err := readSize(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		valueLen, n, err := readSize(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if uint64(len(b)) < uint64(nameLen)+uint64(valueLen) {
			return nil, errors.Wrapf(ErrTruncatedPair, "%d+%d bytes claimed, %d available", nameLen, valueLen, len(b))
		}
		pairs = append(pairs, Pair{
			Name:  string(b[:nameLen]),
			Value: string(b[nameLen : nameLen+valueLen]),
		})
		b = b[nameLen+valueLen:]
	}
	return pairs, nil
}
