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
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// remoteFileName derives an output filename from the final segment of the
// URL path, the way -O does.
func remoteFileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "cannot derive a file name from %q", rawURL)
	}
	segments := strings.Split(strings.TrimSuffix(u.EscapedPath(), "/"), "/")
	name := segments[len(segments)-1]
	if name == "" {
		return "", errors.Errorf("remote file name has no length in %q", rawURL)
	}
	return name, nil
}

// outputPath resolves the stdout destination; "" means the process's
// stdout. Relative file names are placed under -output-dir when given.
func outputPath(opts *options) (string, error) {
	name := opts.outputFile
	if opts.remoteName {
		var err error
		name, err = remoteFileName(opts.url)
		if err != nil {
			return "", err
		}
	}
	if name == "" {
		return "", nil
	}
	if opts.outputDir != "" && !filepath.IsAbs(name) {
		name = filepath.Join(opts.outputDir, name)
	}
	return name, nil
}

func stderrPath(opts *options) string {
	name := opts.stderrFile
	if name != "" && opts.outputDir != "" && !filepath.IsAbs(name) {
		name = filepath.Join(opts.outputDir, name)
	}
	return name
}

// openOutputs yields the stdout and stderr sinks for the response. Error
// output generated locally still goes to the actual stderr regardless.
func openOutputs(opts *options) (out io.WriteCloser, errOut io.WriteCloser, err error) {
	outPath, err := outputPath(opts)
	if err != nil {
		return nil, nil, err
	}
	if outPath == "" {
		out = nopWriteCloser{os.Stdout}
	} else {
		out, err = os.Create(outPath)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to open %s", outPath)
		}
	}
	errPath := stderrPath(opts)
	if errPath == "" {
		errOut = nopWriteCloser{os.Stderr}
	} else {
		errOut, err = os.Create(errPath)
		if err != nil {
			out.Close()
			return nil, nil, errors.Wrapf(err, "failed to open %s", errPath)
		}
	}
	return out, errOut, nil
}

// finishOutput settles the response sink: header bytes still buffered for
// the status-line rewrite go out first, then the sink is closed. Either
// failure means output was lost and the invocation must not report success.
func finishOutput(hw *headerWriter, out io.WriteCloser) error {
	if hw != nil {
		if err := hw.Flush(); err != nil {
			return errors.Wrap(err, "failed to flush response output")
		}
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize response output")
	}
	return nil
}
