/*
Copyright 2023 The FlakeHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config decodes the tool's environment-variable contract into a
// typed Config.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

// Config is the fully decoded set of caller options. It is read once at
// startup and passed down explicitly; nothing mutates it afterwards.
type Config struct {
	Visibility         string   `mapstructure:"visibility"`
	Repository         string   `mapstructure:"repository"`
	Name               string   `mapstructure:"name"`
	Directory          string   `mapstructure:"directory"`
	GitRoot            string   `mapstructure:"git_root"`
	Tag                string   `mapstructure:"tag"`
	Rev                string   `mapstructure:"rev"`
	Rolling            bool     `mapstructure:"rolling"`
	RollingMinor       *int     `mapstructure:"rolling_minor"`
	Mirror             bool     `mapstructure:"mirror"`
	Host               string   `mapstructure:"host"`
	ExtraLabels        []string `mapstructure:"extra_labels"`
	SpdxExpression     string   `mapstructure:"spdx_expression"`
	ErrorOnConflict    bool     `mapstructure:"error_on_conflict"`
	IncludeOutputPaths bool     `mapstructure:"include_output_paths"`
	GitHubToken        string   `mapstructure:"github_token"`
	MyFlakeIsTooBig    bool     `mapstructure:"my_flake_is_too_big"`
}

// envPrefix namespaces every recognized environment variable, avoiding
// collisions with the ambient CI runner's own variables.
const envPrefix = "FLAKEHUB_PUSH_"

// keys lists every mapstructure key this config recognizes.
var keys = []string{
	"visibility", "repository", "name", "directory", "git_root", "tag",
	"rev", "rolling", "rolling_minor", "mirror", "host", "extra_labels",
	"spdx_expression", "error_on_conflict", "include_output_paths",
	"github_token", "my_flake_is_too_big",
}

// FromEnvironment builds a Config from the process environment, each key
// read as FLAKEHUB_PUSH_<KEY>, upper-cased.
func FromEnvironment() (*Config, error) {
	raw := map[string]interface{}{}
	for _, key := range keys {
		envVar := envPrefix + strings.ToUpper(key)
		val, ok := os.LookupEnv(envVar)
		if !ok {
			continue
		}
		raw[key] = coerce(key, val)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, rerror.Wrap(err, rerror.Internal, "building config decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, rerror.Wrap(err, rerror.InvalidInputs, "decoding environment configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// coerce applies the few field-specific conversions mapstructure's weak
// typing cannot infer on its own (csv splitting, pointer-to-int).
func coerce(key, val string) interface{} {
	switch key {
	case "extra_labels":
		var out []string
		for _, part := range strings.Split(val, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	case "rolling_minor":
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil
		}
		return &n
	default:
		return val
	}
}

// Validate rejects malformed repository, visibility, and rev values before
// any network call is attempted. Version-mode exclusivity is checked in
// pkg/version, where both modes come together.
func (c *Config) Validate() error {
	if c.Repository == "" {
		return rerror.New(rerror.InvalidInputs, "repository is required")
	}
	if c.Visibility != "" && !release.ValidVisibility(c.Visibility) {
		return rerror.Newf(rerror.InvalidInputs, "visibility %q is not one of public, unlisted, private", c.Visibility)
	}
	if c.Rev != "" && !isHexSHA(c.Rev) {
		return rerror.Newf(rerror.InvalidInputs, "rev %q is not a 40-character hex SHA", c.Rev)
	}
	if c.Host == "" {
		c.Host = "https://api.flakehub.com"
	}
	return nil
}

func isHexSHA(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
