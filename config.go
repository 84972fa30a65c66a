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
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
	"gopkg.in/yaml.v2"
)

const configFileName = "config.yml"

// Config holds per-user defaults for options that rarely change between
// invocations. Anything given on the command line wins over the file.
type Config struct {
	Address      string            `yaml:"address"`
	DocumentRoot string            `yaml:"document_root"`
	ScriptName   string            `yaml:"script_name"`
	PassEnv      []string          `yaml:"pass_env"`
	EnvPolicy    string            `yaml:"env_policy"`
	Params       map[string]string `yaml:"params"`

	filename string
}

func parseConfig(data []byte, filename string) (*Config, error) {
	config := &Config{filename: filename}
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to parse", filename)
	}
	switch config.EnvPolicy {
	case "", "default", "none", "full":
	default:
		return nil, fmt.Errorf("%s: invalid env_policy %q; default, none or full expected", filename, config.EnvPolicy)
	}
	return config, nil
}

// loadOptionsConfig reads defaults from path when given, else from the
// per-user config directory. A missing discovered file is not an error.
func loadOptionsConfig(path string, progname string) (*Config, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		return parseConfig(data, path)
	}
	folder := configdir.New("github.com/moriyoshi", progname).QueryFolderContainsFile(configFileName)
	if folder == nil {
		return &Config{}, nil
	}
	data, err := folder.ReadFile(configFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configFileName)
	}
	return parseConfig(data, configFileName)
}

// applyTo fills options the user left unset. File-supplied params come
// before command-line -P overrides so the latter always win, and are
// applied in sorted order to keep the variable set deterministic.
func (config *Config) applyTo(opts *options) {
	if opts.address == "" {
		opts.address = config.Address
	}
	if opts.documentRoot == "" {
		opts.documentRoot = config.DocumentRoot
	}
	if opts.scriptName == "" {
		opts.scriptName = config.ScriptName
	}
	opts.passEnv = append(append(stringList{}, config.PassEnv...), opts.passEnv...)
	if !opts.envClear && !opts.envFull {
		switch config.EnvPolicy {
		case "none":
			opts.envClear = true
		case "full":
			opts.envFull = true
		}
	}
	if len(config.Params) > 0 {
		names := make([]string, 0, len(config.Params))
		for name := range config.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		params := make(stringList, 0, len(names)+len(opts.params))
		for _, name := range names {
			params = append(params, name+"="+config.Params[name])
		}
		opts.params = append(params, opts.params...)
	}
}
