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

// fcgicall sends one request to a FastCGI server directly, without an HTTP
// server in front of it. It is also deployable as a CGI-to-FastCGI bridge:
// CGI meta-variables present in the environment are forwarded by default.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/moriyoshi/fcgicall/cgienv"
	"github.com/moriyoshi/fcgicall/fcgiclient"
	"github.com/sirupsen/logrus"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// optionalString remembers whether the flag appeared at all, so that an
// explicitly empty request body is distinguishable from no body.
type optionalString struct {
	value string
	given bool
}

func (o *optionalString) String() string {
	return o.value
}

func (o *optionalString) Set(v string) error {
	o.value = v
	o.given = true
	return nil
}

type options struct {
	address      string
	url          string
	data         optionalString
	documentRoot string
	scriptName   string
	passEnv      stringList
	envClear     bool
	envFull      bool
	outputDir    string
	outputFile   string
	remoteName   bool
	stderrFile   string
	method       string
	contentType  string
	headers      stringList
	params       stringList
	includeHead  bool
	strictScript bool
	configFile   string
	verbose      bool
}

func parseOptions(progname string, args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet(progname, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] ADDRESS [URL]\n\n", progname)
		fmt.Fprintf(fs.Output(), "Send a request to the FastCGI server at ADDRESS (HOST:PORT or a\npath to a unix domain socket). URL, if given, is assumed to be served\nby that very server.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Var(&opts.data, "data", "send `string` as the request body")
	fs.StringVar(&opts.documentRoot, "root", "", "document root `path` at the server, no trailing slash")
	fs.StringVar(&opts.scriptName, "script", "", "set SCRIPT_NAME")
	fs.Var(&opts.passEnv, "e", "forward environment variable `VAR` as a FastCGI parameter (repeatable)")
	fs.Var(&opts.passEnv, "pass-env", "alias of -e")
	fs.BoolVar(&opts.envClear, "no-env", false, "forward only explicitly whitelisted environment variables")
	fs.BoolVar(&opts.envFull, "full-env", false, "forward the entire environment unmodified")
	fs.BoolVar(&opts.envFull, "E", false, "alias of -full-env")
	fs.StringVar(&opts.outputDir, "output-dir", "", "write output files to `DIR`")
	fs.StringVar(&opts.outputFile, "o", "", "send output to `FILE`")
	fs.StringVar(&opts.outputFile, "output", "", "alias of -o")
	fs.BoolVar(&opts.remoteName, "O", false, "use the final segment of the URL path as the output filename")
	fs.BoolVar(&opts.remoteName, "remote-name", false, "alias of -O")
	fs.StringVar(&opts.stderrFile, "stderr", "", "send FastCGI STDERR output to `FILE` instead of stderr")
	fs.StringVar(&opts.method, "X", "", "set FastCGI parameter REQUEST_METHOD to `METHOD` (default GET)")
	fs.StringVar(&opts.method, "request", "", "alias of -X")
	fs.StringVar(&opts.contentType, "content-type", "", "set FastCGI parameter CONTENT_TYPE to `TYPE` for the request body")
	fs.Var(&opts.headers, "H", "send `'Name: value'` as an HTTP_* parameter (repeatable)")
	fs.Var(&opts.headers, "header", "alias of -H")
	fs.Var(&opts.params, "P", "set FastCGI parameter `NAME=VALUE` verbatim; NAME alone removes it (repeatable)")
	fs.Var(&opts.params, "param", "alias of -P")
	fs.BoolVar(&opts.includeHead, "i", false, "include the response headers, with a synthesized status line")
	fs.BoolVar(&opts.strictScript, "strict-script", false, "fail when -script is not a prefix of the URL path")
	fs.StringVar(&opts.configFile, "c", "", "read defaults from `FILE` instead of the discovered config")
	fs.BoolVar(&opts.verbose, "v", false, "verbose output")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if len(rest) > 2 {
		fs.Usage()
		return nil, fmt.Errorf("one ADDRESS and an optional URL expected, %d arguments given", len(rest))
	}
	// ADDRESS may also come from the config file; checked after the merge
	if len(rest) >= 1 {
		opts.address = rest[0]
	}
	if len(rest) == 2 {
		opts.url = rest[1]
	}
	if opts.envClear && opts.envFull {
		return nil, fmt.Errorf("-no-env and -full-env are mutually exclusive")
	}
	if opts.remoteName && opts.url == "" {
		return nil, fmt.Errorf("-O requires a URL")
	}
	if opts.remoteName && opts.outputFile != "" {
		return nil, fmt.Errorf("-O and -o are mutually exclusive")
	}
	return opts, nil
}

func (opts *options) envPolicy() cgienv.EnvPolicy {
	switch {
	case opts.envFull:
		return cgienv.EnvFull
	case opts.envClear:
		return cgienv.EnvNone
	}
	return cgienv.EnvDefault
}

func parseHeaders(raw []string) ([]cgienv.Header, error) {
	headers := make([]cgienv.Header, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("malformed header %q, 'Name: value' expected", h)
		}
		headers = append(headers, cgienv.Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return headers, nil
}

func parseOverrides(raw []string) []cgienv.Override {
	overrides := make([]cgienv.Override, 0, len(raw))
	for _, p := range raw {
		name, value, ok := strings.Cut(p, "=")
		overrides = append(overrides, cgienv.Override{
			Name:  name,
			Value: value,
			Unset: !ok,
		})
	}
	return overrides
}

func requestBody(opts *options) (io.Reader, int64) {
	if opts.data.given {
		return strings.NewReader(opts.data.value), int64(len(opts.data.value))
	}
	if opts.method != "" && opts.method != "GET" {
		return os.Stdin, -1
	}
	return nil, -1
}

// contentType picks CONTENT_TYPE for the request body. -data implies a
// form submission unless told otherwise, the way user agents send one.
func contentType(opts *options) string {
	if opts.contentType != "" {
		return opts.contentType
	}
	if opts.data.given {
		return "application/x-www-form-urlencoded"
	}
	return ""
}

// exitStatus maps a completed request to the process exit code. The
// application's own status is reported in the usual shell range; protocol
// level failures exit 2 so the two are tellable apart.
func exitStatus(res *fcgiclient.Result) int {
	if res.ProtocolStatus != fcgiclient.FCGI_REQUEST_COMPLETE {
		return 2
	}
	if res.AppStatus != 0 {
		if res.AppStatus > 125 {
			return 125
		}
		return int(res.AppStatus)
	}
	return 0
}

func run(ctx context.Context, logger *logrus.Logger, opts *options) int {
	headers, err := parseHeaders(opts.headers)
	if err != nil {
		logger.Error(err.Error())
		return 2
	}
	body, contentLength := requestBody(opts)
	vars, err := cgienv.Resolve(cgienv.Config{
		Environ:          os.Environ(),
		URL:              opts.url,
		ScriptName:       opts.scriptName,
		DocumentRoot:     opts.documentRoot,
		Method:           opts.method,
		ContentType:      contentType(opts),
		ContentLength:    contentLength,
		Policy:           opts.envPolicy(),
		PassEnv:          opts.passEnv,
		Headers:          headers,
		Overrides:        parseOverrides(opts.params),
		StrictScriptName: opts.strictScript,
	})
	if err != nil {
		logger.Error(err.Error())
		return 2
	}
	logger.Debugf("resolved %d parameters", vars.Len())

	out, errOut, err := openOutputs(opts)
	if err != nil {
		logger.Error(err.Error())
		return 2
	}
	defer out.Close()
	defer errOut.Close()

	var dst io.Writer = out
	var hw *headerWriter
	if opts.includeHead {
		hw = newHeaderWriter(out)
		dst = hw
	}

	conn, err := fcgiclient.Dial(ctx, opts.address)
	if err != nil {
		logger.Error(err.Error())
		return 2
	}
	defer conn.Close()

	sess := fcgiclient.NewSession(conn, logger)
	res, err := sess.Do(ctx, vars.Pairs(), body, dst, errOut)
	if ferr := finishOutput(hw, out); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		logger.Error(err.Error())
		return 2
	}
	if res.ProtocolStatus != fcgiclient.FCGI_REQUEST_COMPLETE {
		logger.Errorf("server could not complete the request (protocol status %d)", res.ProtocolStatus)
	} else {
		logger.Debugf("request complete, application status %d", res.AppStatus)
	}
	return exitStatus(res)
}

func main() {
	progname := filepath.Base(os.Args[0])
	opts, err := parseOptions(progname, os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", progname, err.Error())
		os.Exit(2)
	}
	config, err := loadOptionsConfig(opts.configFile, progname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", progname, err.Error())
		os.Exit(2)
	}
	config.applyTo(opts)
	if opts.address == "" {
		fmt.Fprintf(os.Stderr, "%s: no ADDRESS given\n", progname)
		os.Exit(2)
	}
	logger := &logrus.Logger{
		Out: os.Stderr,
		Formatter: &logrus.TextFormatter{
			ForceColors:      false,
			DisableColors:    false,
			DisableTimestamp: false,
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339Nano,
			DisableSorting:   false,
		},
		Level: logrus.InfoLevel,
	}
	if opts.verbose {
		logger.Level = logrus.DebugLevel
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, logger, opts))
}
