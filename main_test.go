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
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/moriyoshi/fcgicall/cgienv"
	"github.com/moriyoshi/fcgicall/fcgiclient"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	t.Run("address and url", func(t *testing.T) {
		opts, err := parseOptions("fcgicall", []string{
			"-X", "POST",
			"-data", "a=1",
			"-root", "/var/www",
			"-script", "/app",
			"-e", "FOO", "-e", "BAR",
			"127.0.0.1:9000", "http://example.com/app/view",
		})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", opts.address)
		assert.Equal(t, "http://example.com/app/view", opts.url)
		assert.Equal(t, "POST", opts.method)
		assert.True(t, opts.data.given)
		assert.Equal(t, "a=1", opts.data.value)
		assert.Equal(t, "/var/www", opts.documentRoot)
		assert.Equal(t, "/app", opts.scriptName)
		assert.Equal(t, stringList{"FOO", "BAR"}, opts.passEnv)
	})

	t.Run("explicitly empty body is still a body", func(t *testing.T) {
		opts, err := parseOptions("fcgicall", []string{"-data", "", "/run/fpm.sock"})
		require.NoError(t, err)
		assert.True(t, opts.data.given)
		assert.Equal(t, "", opts.data.value)
	})

	t.Run("conflicting env flags", func(t *testing.T) {
		_, err := parseOptions("fcgicall", []string{"-no-env", "-E", "127.0.0.1:9000"})
		require.Error(t, err)
	})

	t.Run("remote name needs a url", func(t *testing.T) {
		_, err := parseOptions("fcgicall", []string{"-O", "127.0.0.1:9000"})
		require.Error(t, err)
	})

	t.Run("too many arguments", func(t *testing.T) {
		_, err := parseOptions("fcgicall", []string{"a", "b", "c"})
		require.Error(t, err)
	})
}

func TestContentType(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name:     "no body sends no type",
			args:     []string{"127.0.0.1:9000"},
			expected: "",
		},
		{
			name:     "data defaults to a form submission",
			args:     []string{"-data", "a=1", "127.0.0.1:9000"},
			expected: "application/x-www-form-urlencoded",
		},
		{
			name:     "explicit type wins over the default",
			args:     []string{"-data", "{}", "-content-type", "application/json", "127.0.0.1:9000"},
			expected: "application/json",
		},
		{
			name:     "explicit type for a stdin body",
			args:     []string{"-X", "POST", "-content-type", "text/plain", "127.0.0.1:9000"},
			expected: "text/plain",
		},
	}
	for _, case_ := range cases {
		t.Run(case_.name, func(t *testing.T) {
			opts, err := parseOptions("fcgicall", case_.args)
			require.NoError(t, err)
			assert.Equal(t, case_.expected, contentType(opts))
		})
	}
}

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders([]string{"X-Api-Key: sesame", "Accept:text/html"})
	require.NoError(t, err)
	assert.Equal(t, []cgienv.Header{
		{Name: "X-Api-Key", Value: "sesame"},
		{Name: "Accept", Value: "text/html"},
	}, headers)

	_, err = parseHeaders([]string{"no colon here"})
	require.Error(t, err)
}

func TestParseOverrides(t *testing.T) {
	assert.Equal(t, []cgienv.Override{
		{Name: "SERVER_NAME", Value: "example.com"},
		{Name: "QUERY_STRING", Unset: true},
		{Name: "EMPTY", Value: ""},
	}, parseOverrides([]string{"SERVER_NAME=example.com", "QUERY_STRING", "EMPTY="}))
}

func TestExitStatus(t *testing.T) {
	cases := []struct {
		name     string
		result   fcgiclient.Result
		expected int
	}{
		{
			name:     "success",
			result:   fcgiclient.Result{},
			expected: 0,
		},
		{
			name:     "application failure",
			result:   fcgiclient.Result{AppStatus: 3},
			expected: 3,
		},
		{
			name:     "application status clamped to the shell range",
			result:   fcgiclient.Result{AppStatus: 70000},
			expected: 125,
		},
		{
			name:     "protocol failure trumps the application status",
			result:   fcgiclient.Result{AppStatus: 0, ProtocolStatus: fcgiclient.FCGI_OVERLOADED},
			expected: 2,
		},
	}
	for _, case_ := range cases {
		t.Run(case_.name, func(t *testing.T) {
			assert.Equal(t, case_.expected, exitStatus(&case_.result))
		})
	}
}

func testRunLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

// readFrame and writeFrame speak the record framing raw so the scripted
// server does not lean on the client under test for its side of the wire.
func readFrame(t *testing.T, r io.Reader) (uint8, []byte) {
	t.Helper()
	h := make([]byte, 8)
	_, err := io.ReadFull(r, h)
	require.NoError(t, err)
	n := int(binary.BigEndian.Uint16(h[4:6]))
	body := make([]byte, n+int(h[6]))
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return h[1], body[:n]
}

func writeFrame(t *testing.T, w io.Writer, recType uint8, content []byte) {
	t.Helper()
	pad := -len(content) & 7
	frame := make([]byte, 8, 8+len(content)+pad)
	frame[0] = 1
	frame[1] = recType
	binary.BigEndian.PutUint16(frame[2:4], 1)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(content)))
	frame[6] = uint8(pad)
	frame = append(frame, content...)
	frame = append(frame, make([]byte, pad)...)
	_, err := w.Write(frame)
	require.NoError(t, err)
}

// serveRequest accepts one connection, drains the request, replies with
// stdout content and a clean END_REQUEST, and reports the parameters seen.
func serveRequest(t *testing.T, ln net.Listener, stdout string) <-chan map[string]string {
	params := make(chan map[string]string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var payload []byte
		for {
			recType, content := readFrame(t, conn)
			if recType == fcgiclient.FCGI_PARAMS {
				payload = append(payload, content...)
			}
			if recType == fcgiclient.FCGI_STDIN && len(content) == 0 {
				break
			}
		}
		pairs, err := fcgiclient.DecodePairs(payload)
		if err != nil {
			t.Error(err)
			return
		}
		seen := map[string]string{}
		for _, p := range pairs {
			seen[p.Name] = p.Value
		}
		params <- seen
		writeFrame(t, conn, fcgiclient.FCGI_STDOUT, []byte(stdout))
		writeFrame(t, conn, fcgiclient.FCGI_STDOUT, nil)
		end := make([]byte, 8)
		end[4] = fcgiclient.FCGI_REQUEST_COMPLETE
		writeFrame(t, conn, fcgiclient.FCGI_END_REQUEST, end)
	}()
	return params
}

func TestRunSendsResolvedParameters(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "fpm.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()
	params := serveRequest(t, ln, "Status: 200 OK\r\n\r\nhello")

	outFile := filepath.Join(dir, "out.html")
	opts, err := parseOptions("fcgicall", []string{
		"-no-env", "-X", "POST", "-data", "a=1", "-o", outFile,
		sock, "http://example.com/app",
	})
	require.NoError(t, err)
	require.Equal(t, 0, run(context.Background(), testRunLogger(), opts))

	seen := <-params
	assert.Equal(t, "POST", seen["REQUEST_METHOD"])
	assert.Equal(t, "application/x-www-form-urlencoded", seen["CONTENT_TYPE"])
	assert.Equal(t, "3", seen["CONTENT_LENGTH"])

	written, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "Status: 200 OK\r\n\r\nhello", string(written))
}

func TestRunReportsOutputWriteFailure(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	dir := t.TempDir()
	sock := filepath.Join(dir, "fpm.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()
	// no blank line, so everything stays buffered until the final flush
	serveRequest(t, ln, "X-Partial: yes")

	opts, err := parseOptions("fcgicall", []string{
		"-no-env", "-i", "-o", "/dev/full", sock,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, run(context.Background(), testRunLogger(), opts))
}
