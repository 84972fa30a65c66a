/*
 * Copyright (c) 2016 Moriyoshi Koizumi
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
package main

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
)

var crlfCRLF = []byte("\r\n\r\n")
var lfLF = []byte("\n\n")

// headerWriter buffers the CGI header block at the head of the response
// stream and, once the blank line arrives, emits a synthesized HTTP status
// line (from the Status: header, default 200 OK) followed by the block and
// the body. Everything after the blank line streams through untouched.
type headerWriter struct {
	dst  io.Writer
	buf  bytes.Buffer
	done bool
}

func newHeaderWriter(dst io.Writer) *headerWriter {
	return &headerWriter{dst: dst}
}

func (w *headerWriter) Write(p []byte) (int, error) {
	if w.done {
		return w.dst.Write(p)
	}
	w.buf.Write(p)
	b := w.buf.Bytes()
	end, sep := bytes.Index(b, crlfCRLF), len(crlfCRLF)
	if i := bytes.Index(b, lfLF); i >= 0 && (end < 0 || i < end) {
		end, sep = i, len(lfLF)
	}
	if end < 0 {
		return len(p), nil
	}
	headLen := end + sep
	w.done = true
	if err := w.emitHead(b[:headLen]); err != nil {
		return len(p), err
	}
	if _, err := w.dst.Write(b[headLen:]); err != nil {
		return len(p), err
	}
	w.buf.Reset()
	return len(p), nil
}

func (w *headerWriter) emitHead(head []byte) error {
	headers, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(head))).ReadMIMEHeader()
	status := "200 OK"
	if err == nil {
		if s := headers.Get("Status"); s != "" {
			status = s
		}
	}
	if _, err := io.WriteString(w.dst, "HTTP/1.1 "+status+"\r\n"); err != nil {
		return err
	}
	_, err = w.dst.Write(head)
	return err
}

// Flush hands any buffered bytes through when the stream ended before a
// blank line ever showed up; there is no header block to rewrite then.
func (w *headerWriter) Flush() error {
	if w.done || w.buf.Len() == 0 {
		return nil
	}
	w.done = true
	_, err := w.dst.Write(w.buf.Bytes())
	w.buf.Reset()
	return err
}
