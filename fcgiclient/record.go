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

// Package fcgiclient implements the client side of the FastCGI protocol:
// record framing, the PARAMS name/value encoding, and the lifecycle of a
// single RESPONDER request over a connected byte stream.
package fcgiclient

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const FCGI_HEADER_LEN uint8 = 8
const VERSION_1 uint8 = 1
const FCGI_NULL_REQUEST_ID uint8 = 0
const FCGI_KEEP_CONN uint8 = 1

const (
	FCGI_BEGIN_REQUEST uint8 = iota + 1
	FCGI_ABORT_REQUEST
	FCGI_END_REQUEST
	FCGI_PARAMS
	FCGI_STDIN
	FCGI_STDOUT
	FCGI_STDERR
	FCGI_DATA
	FCGI_GET_VALUES
	FCGI_GET_VALUES_RESULT
	FCGI_UNKNOWN_TYPE
	FCGI_MAXTYPE = FCGI_UNKNOWN_TYPE
)

const (
	FCGI_RESPONDER uint8 = iota + 1
	FCGI_AUTHORIZER
	FCGI_FILTER
)

const (
	FCGI_REQUEST_COMPLETE uint8 = iota
	FCGI_CANT_MPX_CONN
	FCGI_OVERLOADED
	FCGI_UNKNOWN_ROLE
)

const (
	maxWrite = 65535 // maximum record body
	maxPad   = 255
)

var (
	// ErrMalformedRecord is returned when a record header could not be
	// read in full or carries an unsupported protocol version.
	ErrMalformedRecord = errors.New("fcgi: malformed record header")
	// ErrTruncatedContent is returned when the stream ends before a
	// record's declared content and padding have been received.
	ErrTruncatedContent = errors.New("fcgi: truncated record content")
	// ErrTruncatedPair is returned when a name/value length prefix claims
	// more bytes than the PARAMS payload holds.
	ErrTruncatedPair = errors.New("fcgi: truncated name/value pair")
	// ErrProtocolMismatch is returned when the server sends a record for
	// a request id this client never issued.
	ErrProtocolMismatch = errors.New("fcgi: protocol mismatch")
)

var nullByteSlice []byte = []byte{}

type header struct {
	Version       uint8
	Type          uint8
	Id            uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// for padding so we don't have to allocate all the time
// not synchronized because we don't care what the contents are
var pad [maxPad]byte

func (h *header) init(recType uint8, reqId uint16, contentLength int) {
	h.Version = VERSION_1
	h.Type = recType
	h.Id = reqId
	h.ContentLength = uint16(contentLength)
	h.PaddingLength = uint8(-contentLength & 7)
}

// record holds one decoded protocol record. The type byte is preserved
// verbatim even when it falls outside the known enumeration; unused
// FastCGI record types are legal framing and must not break the decoder.
type record struct {
	h   header
	buf [maxWrite + maxPad]byte
}

func (rec *record) read(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &rec.h); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.Wrapf(ErrMalformedRecord, "%d header bytes expected", FCGI_HEADER_LEN)
		}
		return errors.Wrap(err, "failed to read record header")
	}
	if rec.h.Version != VERSION_1 {
		return errors.Wrapf(ErrMalformedRecord, "unsupported version %d", rec.h.Version)
	}
	n := int(rec.h.ContentLength) + int(rec.h.PaddingLength)
	if _, err := io.ReadFull(r, rec.buf[:n]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.Wrapf(ErrTruncatedContent, "%d content bytes expected", n)
		}
		return errors.Wrap(err, "failed to read record content")
	}
	return nil
}

func (rec *record) content() []byte {
	return rec.buf[:rec.h.ContentLength]
}

// writeRecord frames content into a single record and writes it to w.
// Padding brings the total record length up to a multiple of 8.
func writeRecord(w io.Writer, h *header, recType uint8, reqId uint16, content []byte) error {
	h.init(recType, reqId, len(content))
	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return errors.Wrap(err, "failed to write record header")
	}
	if len(content) > 0 {
		if _, err := w.Write(content); err != nil {
			return errors.Wrap(err, "failed to write record content")
		}
	}
	if h.PaddingLength > 0 {
		if _, err := w.Write(pad[:h.PaddingLength]); err != nil {
			return errors.Wrap(err, "failed to write record padding")
		}
	}
	return nil
}
