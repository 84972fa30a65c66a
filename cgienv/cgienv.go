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

// Package cgienv assembles the CGI/1.1 meta-variable set sent to a FastCGI
// server. Resolution is a pure function over an immutable Config so that
// the precedence rules stay auditable and testable without a real process
// environment: environment-sourced values form the base, URL/script/root
// derived values overwrite them, and explicit overrides beat everything.
package cgienv

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/moriyoshi/fcgicall/fcgiclient"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// EnvPolicy selects which process environment variables are forwarded
// before the explicit pass-env whitelist is applied.
type EnvPolicy int

const (
	// EnvDefault forwards the CGI/1.1 meta-variables and HTTP_* headers.
	EnvDefault EnvPolicy = iota
	// EnvNone forwards only whitelisted variables.
	EnvNone
	// EnvFull forwards the entire environment unmodified.
	EnvFull
)

// cgiMetaVars are the variable names defined by RFC 3875 that the default
// policy forwards from the environment, so that the tool can be chained
// behind a real CGI invocation transparently.
var cgiMetaVars = []string{
	"AUTH_TYPE",
	"CONTENT_LENGTH",
	"CONTENT_TYPE",
	"GATEWAY_INTERFACE",
	"PATH_INFO",
	"PATH_TRANSLATED",
	"QUERY_STRING",
	"REMOTE_ADDR",
	"REMOTE_HOST",
	"REMOTE_IDENT",
	"REMOTE_USER",
	"REQUEST_METHOD",
	"SCRIPT_NAME",
	"SERVER_NAME",
	"SERVER_PORT",
	"SERVER_PROTOCOL",
	"SERVER_SOFTWARE",
}

var (
	ErrInvalidURL            = errors.New("cgienv: invalid URL")
	ErrConflictingScriptName = errors.New("cgienv: script name is not a prefix of the URL path")
	ErrInvalidHeader         = errors.New("cgienv: invalid header field")
)

// Header is one extra request header to project into an HTTP_* variable.
type Header struct {
	Name  string
	Value string
}

// Override sets (or, with Unset, removes) one variable after all derived
// and environment-sourced values have been applied. The override step is
// the only one that may delete a variable.
type Override struct {
	Name  string
	Value string
	Unset bool
}

// Config is everything the resolver consults. Environ is a snapshot in
// os.Environ form; tests supply a fake one.
type Config struct {
	Environ          []string
	URL              string
	ScriptName       string
	DocumentRoot     string
	Method           string
	ContentType      string
	ContentLength    int64 // -1 when no body length is known
	Policy           EnvPolicy
	PassEnv          []string
	Headers          []Header
	Overrides        []Override
	StrictScriptName bool
}

func (cfg *Config) forwards(name string) bool {
	switch cfg.Policy {
	case EnvFull:
		return true
	case EnvDefault:
		if strings.HasPrefix(name, "HTTP_") {
			return true
		}
		for _, v := range cgiMetaVars {
			if v == name {
				return true
			}
		}
	}
	for _, v := range cfg.PassEnv {
		if v == name {
			return true
		}
	}
	return false
}

// Vars is the resolved variable set. Names keep their first-insertion
// position under overwrite, so the PARAMS payload is deterministic for
// identical inputs. Built once per invocation, immutable thereafter.
type Vars struct {
	names  []string
	values map[string]string
}

func newVars() *Vars {
	return &Vars{values: map[string]string{}}
}

func (v *Vars) set(name, value string) {
	if _, ok := v.values[name]; !ok {
		v.names = append(v.names, name)
	}
	v.values[name] = value
}

func (v *Vars) unset(name string) {
	if _, ok := v.values[name]; !ok {
		return
	}
	delete(v.values, name)
	for i, n := range v.names {
		if n == name {
			v.names = append(v.names[:i], v.names[i+1:]...)
			break
		}
	}
}

func (v *Vars) Get(name string) (string, bool) {
	value, ok := v.values[name]
	return value, ok
}

func (v *Vars) Len() int {
	return len(v.names)
}

// Pairs renders the set in insertion order for the PARAMS codec.
func (v *Vars) Pairs() []fcgiclient.Pair {
	pairs := make([]fcgiclient.Pair, 0, len(v.names))
	for _, name := range v.names {
		pairs = append(pairs, fcgiclient.Pair{Name: name, Value: v.values[name]})
	}
	return pairs
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// joinDocRoot glues a server-side document root onto a URL path with
// exactly one separator between them.
func joinDocRoot(root, p string) string {
	root = strings.TrimSuffix(root, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return root + p
}

// Resolve builds the variable set. All validation happens here, before
// any network I/O can have taken place.
func Resolve(cfg Config) (*Vars, error) {
	v := newVars()

	for _, kv := range cfg.Environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if cfg.forwards(name) {
			v.set(name, value)
		}
	}

	method := cfg.Method
	if method == "" {
		method = "GET"
	}
	v.set("REQUEST_METHOD", method)

	if cfg.ScriptName != "" {
		v.set("SCRIPT_NAME", cfg.ScriptName)
	}

	if cfg.URL != "" {
		if err := resolveURL(v, &cfg); err != nil {
			return nil, err
		}
	}

	if cfg.DocumentRoot != "" {
		if sn, ok := v.Get("SCRIPT_NAME"); ok && sn != "" {
			v.set("SCRIPT_FILENAME", joinDocRoot(cfg.DocumentRoot, sn))
		}
		if pi, ok := v.Get("PATH_INFO"); ok && pi != "" {
			v.set("PATH_TRANSLATED", joinDocRoot(cfg.DocumentRoot, pi))
		}
	}

	if cfg.ContentLength >= 0 {
		v.set("CONTENT_LENGTH", strconv.FormatInt(cfg.ContentLength, 10))
	}
	if cfg.ContentType != "" {
		v.set("CONTENT_TYPE", cfg.ContentType)
	}

	for _, h := range cfg.Headers {
		if !httpguts.ValidHeaderFieldName(h.Name) {
			return nil, errors.Wrapf(ErrInvalidHeader, "name %q", h.Name)
		}
		if !httpguts.ValidHeaderFieldValue(h.Value) {
			return nil, errors.Wrapf(ErrInvalidHeader, "value of %q", h.Name)
		}
		v.set("HTTP_"+strings.ReplaceAll(strings.ToUpper(h.Name), "-", "_"), h.Value)
	}

	for _, o := range cfg.Overrides {
		if o.Unset {
			v.unset(o.Name)
		} else {
			v.set(o.Name, o.Value)
		}
	}

	return v, nil
}

func resolveURL(v *Vars, cfg *Config) error {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return errors.Wrapf(ErrInvalidURL, "%q: %s", cfg.URL, err.Error())
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.Wrapf(ErrInvalidURL, "%q is not an absolute URL", cfg.URL)
	}

	httpHost := u.Hostname()
	if port := u.Port(); port != "" && port != defaultPort(u.Scheme) {
		httpHost = net.JoinHostPort(httpHost, port)
	}
	v.set("HTTP_HOST", httpHost)

	// servers key on the presence of HTTPS, not its value; an http URL
	// must leave the variable absent rather than set it to a falsy one
	if u.Scheme == "https" {
		v.set("HTTPS", "on")
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	v.set("QUERY_STRING", u.RawQuery)
	if u.RawQuery != "" {
		v.set("REQUEST_URI", p+"?"+u.RawQuery)
	} else {
		v.set("REQUEST_URI", p)
	}

	// the script-name/path-info split is not discoverable without server
	// cooperation; with no usable prefix the whole path is the script
	pathInfo := ""
	if sn, ok := v.Get("SCRIPT_NAME"); ok && sn != "" {
		if strings.HasPrefix(p, sn) {
			pathInfo = strings.TrimPrefix(p, sn)
		} else if cfg.StrictScriptName {
			return errors.Wrapf(ErrConflictingScriptName, "%q does not prefix %q", sn, p)
		} else {
			v.set("SCRIPT_NAME", p)
		}
	} else {
		v.set("SCRIPT_NAME", p)
	}
	if pathInfo != "" {
		v.set("PATH_INFO", pathInfo)
	}
	return nil
}
